package processor

import (
	"encoding/binary"
	"math"

	"github.com/cbegin/chordrt-go/internal/exec"
)

// RenderOffline drives p through enough blocks of blockSize samples to
// cover seconds of audio, with no host audio input, and returns the
// concatenated interleaved samples for outputChannels 0 and 1 (a mono
// program's single channel is duplicated across both). triggers maps
// a block index to the sample offsets within that block at which a
// voice should be triggered.
func RenderOffline(p *Processor, pool *exec.Pool, blockSize int, seconds float64, triggers map[int][]int) []float32 {
	sampleRate := p.prog.Variant.SampleRate
	frames := int(float64(sampleRate) * seconds)
	blocks := (frames + blockSize - 1) / blockSize

	inputs := make([]ChannelSamples, len(p.inputFloatHandles)+len(p.inputDoubleHandles))
	for i := range inputs {
		inputs[i] = ChannelSamples{F32: make([]float32, blockSize)}
	}
	outputs := make([]ChannelSamples, len(p.outputChannels))
	for i := range outputs {
		outputs[i] = ChannelSamples{F32: make([]float32, blockSize)}
	}

	out := make([]float32, 0, frames*2)
	for b := 0; b < blocks; b++ {
		p.Process(pool, blockSize, inputs, outputs, triggers[b])
		left := outputs[0].F32
		right := left
		if len(outputs) > 1 {
			right = outputs[1].F32
		}
		for i := 0; i < blockSize; i++ {
			out = append(out, left[i], right[i])
		}
	}
	wantFrames := frames
	if len(out) > wantFrames*2 {
		out = out[:wantFrames*2]
	}
	return out
}

// EncodeWAVFloat32LE writes samples (interleaved, channels-wide
// frames) as a canonical 32-bit IEEE-float PCM WAV file.
func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}
