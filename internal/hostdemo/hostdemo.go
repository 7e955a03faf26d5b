// Package hostdemo is a minimal host collaborator: it drives a
// processor.Processor one fixed-size block at a time and exposes the
// result as an internal/audio.SampleSource, so cmd/chordplay can route
// it through the teacher's ebiten-backed audio.Player unchanged.
package hostdemo

import (
	"sync"

	"github.com/cbegin/chordrt-go/internal/exec"
	"github.com/cbegin/chordrt-go/internal/processor"
	"github.com/cbegin/chordrt-go/internal/program"
)

// Source renders a Processor's output channels into an interleaved
// stereo float32 stream (internal/audio.StreamReader's expected
// shape), duplicating a mono output channel across both speakers and
// dropping any channel past the second.
type Source struct {
	mu        sync.Mutex
	proc      *processor.Processor
	pool      *exec.Pool
	blockSize int

	inBuf  []processor.ChannelSamples
	outBuf []processor.ChannelSamples

	pending []int // queued trigger offsets for the next Process call
	carry   []float32
}

// NewSource builds a Source driving proc in blockSize-sample chunks.
// inputChannelCount and outputChannelCount must match the program's
// declared channel counts; every input channel is fed silence (a
// standalone demo host has no live audio input).
func NewSource(proc *processor.Processor, pool *exec.Pool, blockSize, inputChannelCount, outputChannelCount int) *Source {
	s := &Source{proc: proc, pool: pool, blockSize: blockSize}
	s.inBuf = make([]processor.ChannelSamples, inputChannelCount)
	for i := range s.inBuf {
		s.inBuf[i] = processor.ChannelSamples{F32: make([]float32, blockSize)}
	}
	s.outBuf = make([]processor.ChannelSamples, outputChannelCount)
	for i := range s.outBuf {
		s.outBuf[i] = processor.ChannelSamples{F32: make([]float32, blockSize)}
	}
	return s
}

// TriggerVoice queues a voice trigger at the given sample offset
// within the next block this Source renders.
func (s *Source) TriggerVoice(sampleOffset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, sampleOffset)
}

// Process implements internal/audio.SampleSource: dst holds
// len(dst)/2 interleaved stereo frames.
func (s *Source) Process(dst []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := len(dst) / 2
	written := 0
	for written < frames {
		if len(s.carry) > 0 {
			n := copy(dst[written*2:], s.carry)
			s.carry = s.carry[n:]
			written += n / 2
			continue
		}
		s.renderBlock()
		frame := s.interleave()
		n := copy(dst[written*2:], frame)
		written += n / 2
		if n < len(frame) {
			s.carry = append([]float32(nil), frame[n:]...)
		}
	}
}

func (s *Source) renderBlock() {
	triggers := s.pending
	s.pending = nil
	s.proc.Process(s.pool, s.blockSize, s.inBuf, s.outBuf, triggers)
}

func (s *Source) interleave() []float32 {
	out := make([]float32, s.blockSize*2)
	left := s.outBuf[0].F32
	right := left
	if len(s.outBuf) > 1 {
		right = s.outBuf[1].F32
	}
	for i := 0; i < s.blockSize; i++ {
		out[i*2] = left[i]
		out[i*2+1] = right[i]
	}
	return out
}

// OutputPrimitivesAreAudio reports whether proc's output channels are
// float or double, the only primitives this Source knows how to turn
// into audio samples.
func OutputPrimitivesAreAudio(proc *processor.Processor) bool {
	for _, p := range proc.OutputChannelPrimitives() {
		if p != program.PrimitiveFloat && p != program.PrimitiveDouble {
			return false
		}
	}
	return true
}
