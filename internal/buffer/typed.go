package buffer

import (
	"encoding/binary"
	"math"
)

// Typed views marshal a buffer's raw byte storage to/from Go slices.
// A zero-copy unsafe aliasing would shave a memcpy per block, but this
// environment can never run `go vet`/`go test` to catch a misuse of
// that unsafe cast, so a safe copy-based view is the better trade here
// (see DESIGN.md).

func (m *Manager) ReadFloat32(h Handle, n int) []float32 {
	b := m.Bytes(h)
	out := make([]float32, n)
	for i := range out {
		off := i * 4
		if off+4 > len(b) {
			break
		}
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
	}
	return out
}

func (m *Manager) WriteFloat32(h Handle, values []float32) {
	b := m.Bytes(h)
	for i, v := range values {
		off := i * 4
		if off+4 > len(b) {
			break
		}
		binary.LittleEndian.PutUint32(b[off:], math.Float32bits(v))
	}
}

func (m *Manager) ReadFloat64(h Handle, n int) []float64 {
	b := m.Bytes(h)
	out := make([]float64, n)
	for i := range out {
		off := i * 8
		if off+8 > len(b) {
			break
		}
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
	}
	return out
}

func (m *Manager) WriteFloat64(h Handle, values []float64) {
	b := m.Bytes(h)
	for i, v := range values {
		off := i * 8
		if off+8 > len(b) {
			break
		}
		binary.LittleEndian.PutUint64(b[off:], math.Float64bits(v))
	}
}

func (m *Manager) ReadInt32(h Handle, n int) []int32 {
	b := m.Bytes(h)
	out := make([]int32, n)
	for i := range out {
		off := i * 4
		if off+4 > len(b) {
			break
		}
		out[i] = int32(binary.LittleEndian.Uint32(b[off:]))
	}
	return out
}

func (m *Manager) WriteInt32(h Handle, values []int32) {
	b := m.Bytes(h)
	for i, v := range values {
		off := i * 4
		if off+4 > len(b) {
			break
		}
		binary.LittleEndian.PutUint32(b[off:], uint32(v))
	}
}

// ReadBoolWords/WriteBoolWords marshal a bool buffer's packed bytes
// to/from 64-bit words (the same packing nativeapi.Argument.BoolBuf
// uses), n is the word count needed to cover sampleCount valid bits.
func (m *Manager) ReadBoolWords(h Handle, n int) []uint64 {
	b := m.Bytes(h)
	out := make([]uint64, n)
	for i := range out {
		var w uint64
		for byteIdx := 0; byteIdx < 8; byteIdx++ {
			off := i*8 + byteIdx
			if off >= len(b) {
				break
			}
			w |= uint64(b[off]) << uint(byteIdx*8)
		}
		out[i] = w
	}
	return out
}

func (m *Manager) WriteBoolWords(h Handle, words []uint64) {
	b := m.Bytes(h)
	for i, w := range words {
		for byteIdx := 0; byteIdx < 8; byteIdx++ {
			off := i*8 + byteIdx
			if off >= len(b) {
				break
			}
			b[off] = byte(w >> uint(byteIdx*8))
		}
	}
}
