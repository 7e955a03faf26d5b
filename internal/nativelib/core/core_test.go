package core

import (
	"math"
	"testing"

	"github.com/cbegin/chordrt-go/internal/nativeapi"
)

func invoke(t *testing.T, m nativeapi.Module, sampleRate int, args []nativeapi.Argument) []byte {
	t.Helper()
	var scratch []byte
	if m.InitializeVoice != nil {
		_, n, _, err := m.InitializeVoice(&nativeapi.Context{SampleRate: sampleRate})
		if err != nil {
			t.Fatalf("InitializeVoice: %v", err)
		}
		scratch = make([]byte, n)
	}
	list := &nativeapi.ArgumentList{Arguments: args}
	if err := m.Invoke(&nativeapi.Context{SampleRate: sampleRate}, list, scratch); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	return scratch
}

func TestAddSumsBuffers(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{10, 20, 30}
	out := make([]float32, 3)
	invoke(t, addModule(), 48000, []nativeapi.Argument{{FloatBuf: a}, {FloatBuf: b}, {FloatBuf: out}})
	want := []float32{11, 22, 33}
	for i, w := range want {
		if out[i] != w {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], w)
		}
	}
}

func TestMultiplyProducts(t *testing.T) {
	a := []float32{2, 3, 4}
	b := []float32{5, 5, 5}
	out := make([]float32, 3)
	invoke(t, multiplyModule(), 48000, []nativeapi.Argument{{FloatBuf: a}, {FloatBuf: b}, {FloatBuf: out}})
	want := []float32{10, 15, 20}
	for i, w := range want {
		if out[i] != w {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], w)
		}
	}
}

func TestGainScales(t *testing.T) {
	in := []float32{1, 2, 3}
	out := make([]float32, 3)
	invoke(t, gainModule(), 48000, []nativeapi.Argument{{Float: 2}, {FloatBuf: in}, {FloatBuf: out}})
	want := []float32{2, 4, 6}
	for i, w := range want {
		if out[i] != w {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], w)
		}
	}
}

func TestDelayProducesDelayedOutput(t *testing.T) {
	const sr = 44100
	m := delayModule()
	var scratch []byte
	_, n, _, _ := m.InitializeVoice(&nativeapi.Context{SampleRate: sr})
	scratch = make([]byte, n)

	in := make([]float32, 4410+10)
	in[0] = 1
	out := make([]float32, len(in))
	args := &nativeapi.ArgumentList{Arguments: []nativeapi.Argument{
		{Float: 100}, // delayMs
		{Float: 0.5}, // feedback
		{Float: 1.0}, // wet (fully wet, so output equals the delayed tap)
		{FloatBuf: in},
		{FloatBuf: out},
	}}
	if err := m.Invoke(&nativeapi.Context{SampleRate: sr}, args, scratch); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	// 100ms at 44100Hz is 4410 samples; the impulse should reappear there.
	if out[4410] == 0 {
		t.Fatalf("expected delayed impulse near sample 4410, got 0 (out[4405:4415]=%v)", out[4405:4415])
	}
}

func TestDistortionBoundsOutput(t *testing.T) {
	m := distortionModule()
	in := []float32{0.5, 0.5}
	out := make([]float32, 2)
	invoke(t, m, 44100, []nativeapi.Argument{{Float: 10}, {Float: 0.5}, {Float: 0}, {FloatBuf: in}, {FloatBuf: out}})
	for _, v := range out {
		if math.Abs(float64(v)) > 1.0 {
			t.Fatalf("distortion output should be bounded, got %v", v)
		}
		if v == 0 {
			t.Fatalf("expected non-zero distortion output")
		}
	}
}

func TestCompressorReducesLoudSignal(t *testing.T) {
	m := compressorModule()
	var scratch []byte
	_, n, _, _ := m.InitializeVoice(&nativeapi.Context{SampleRate: 44100})
	scratch = make([]byte, n)
	in := make([]float32, 1000)
	for i := range in {
		in[i] = 1.0
	}
	out := make([]float32, len(in))
	args := &nativeapi.ArgumentList{Arguments: []nativeapi.Argument{
		{Float: -10}, {Float: 4}, {Float: 1}, {Float: 50}, {Float: 0}, {FloatBuf: in}, {FloatBuf: out},
	}}
	if err := m.Invoke(&nativeapi.Context{SampleRate: 44100}, args, scratch); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out[len(out)-1] >= 1.0 {
		t.Fatalf("compressor should reduce a sustained loud signal, got %v", out[len(out)-1])
	}
}

func TestEQ3BandUnityGainIsApproximatelyTransparent(t *testing.T) {
	m := eq3BandModule()
	var scratch []byte
	_, n, _, _ := m.InitializeVoice(&nativeapi.Context{SampleRate: 44100})
	scratch = make([]byte, n)
	in := make([]float32, 1000)
	for i := range in {
		in[i] = 0.5
	}
	out := make([]float32, len(in))
	args := &nativeapi.ArgumentList{Arguments: []nativeapi.Argument{
		{Float: 1}, {Float: 1}, {Float: 1}, {Float: 300}, {Float: 3000}, {FloatBuf: in}, {FloatBuf: out},
	}}
	if err := m.Invoke(&nativeapi.Context{SampleRate: 44100}, args, scratch); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if math.Abs(float64(out[len(out)-1])-0.5) > 0.1 {
		t.Fatalf("expected ~0.5 with unity gains, got %v", out[len(out)-1])
	}
}

func TestLFOTriangleStaysWithinDepth(t *testing.T) {
	m := lfoModule()
	var scratch []byte
	_, n, _, _ := m.InitializeVoice(&nativeapi.Context{SampleRate: 1000})
	scratch = make([]byte, n)
	out := make([]float32, 2000)
	args := &nativeapi.ArgumentList{Arguments: []nativeapi.Argument{
		{Float: 1}, {Float: 5}, {Float: 2}, {FloatBuf: out}, // waveform=2 (triangle)
	}}
	if err := m.Invoke(&nativeapi.Context{SampleRate: 1000}, args, scratch); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	for i, v := range out {
		if v < -1.0001 || v > 1.0001 {
			t.Fatalf("out[%d] = %v out of [-1,1] depth range", i, v)
		}
	}
}

func TestOscillatorSineStaysWithinAmplitude(t *testing.T) {
	m := oscillatorModule()
	var scratch []byte
	_, n, _, _ := m.InitializeVoice(&nativeapi.Context{SampleRate: 48000})
	scratch = make([]byte, n)
	out := make([]float32, 480)
	args := &nativeapi.ArgumentList{Arguments: []nativeapi.Argument{
		{Float: 440}, {Float: 0.7}, {Float: 0}, {FloatBuf: out}, // waveform=0 (sine)
	}}
	if err := m.Invoke(&nativeapi.Context{SampleRate: 48000}, args, scratch); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	for i, v := range out {
		if v < -0.7001 || v > 0.7001 {
			t.Fatalf("out[%d] = %v out of [-0.7,0.7] amplitude range", i, v)
		}
	}
}

func TestModulesHaveDistinctIDs(t *testing.T) {
	seen := map[string]bool{}
	for _, m := range Modules() {
		id := m.ID.String()
		if seen[id] {
			t.Fatalf("duplicate module id %s (%s)", id, m.Signature.Name)
		}
		seen[id] = true
	}
}
