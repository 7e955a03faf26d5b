package processor

import (
	"testing"

	"github.com/cbegin/chordrt-go/internal/exec"
)

func TestRenderOfflineProducesExpectedFrameCount(t *testing.T) {
	p := newTestProcessor(t)
	pool := exec.NewPool(2, exec.Hooks{})
	defer pool.Close()

	out := RenderOffline(p, pool, 64, 0.01, map[int][]int{0: {0}})
	wantFrames := int(float64(p.prog.Variant.SampleRate) * 0.01)
	if len(out) != wantFrames*2 {
		t.Fatalf("len(out) = %d, want %d", len(out), wantFrames*2)
	}
}

func TestEncodeWAVFloat32LEHeader(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1}
	data := EncodeWAVFloat32LE(samples, 48000, 2)
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE header: %q", data[:12])
	}
	if len(data) != 44+len(samples)*4 {
		t.Fatalf("len(data) = %d, want %d", len(data), 44+len(samples)*4)
	}
}
