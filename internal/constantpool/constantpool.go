// Package constantpool deduplicates constant values, constant arrays,
// strings, and constant-fill buffers behind stable, manager-owned
// storage that native modules can read directly (spec §4.4). The
// backing slices are ordinary Go allocations; they are not padded or
// aligned to Alignment.
package constantpool

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/cbegin/chordrt-go/internal/program"
)

// Alignment is the AVX-width byte alignment original_source's
// Foundation/Core/Platform.Macros.h fixes for SIMD access, the same
// value internal/buffer rounds its allocations to. Nothing in this
// package pads or aligns its storage to it.
const Alignment = 32

// InputString is a stable, manager-owned view of a deduplicated string.
type InputString struct {
	Runes []rune
}

// ConstantArray is a stable, manager-owned view of a deduplicated
// constant array of T.
type ConstantArray[T comparable] struct {
	Values []T
}

// ConstantBuffer represents a constant-fill block: a logical buffer
// whose every sample equals Value, backed by one allocation shared by
// every call site requesting the same {primitive, value} pair
// (spec §4.4). The allocation is a plain Go slice, not SIMD-aligned.
type ConstantBuffer[T any] struct {
	Value   T
	Samples []T // backing store, replicated; read-only after creation
}

// Manager owns every deduplicated allocation for one program's
// lifetime. Each primitive type gets its own dedup table, a Go map keyed
// on the full contents (the encoded element bytes for arrays, the value
// itself for constant buffers), so equal contents always find the same
// entry and no collision handling is needed.
type Manager struct {
	mu sync.Mutex

	strings map[string]*InputString

	floatArrays  map[string]*ConstantArray[float32]
	doubleArrays map[string]*ConstantArray[float64]
	intArrays    map[string]*ConstantArray[int32]
	boolArrays   map[string]*ConstantArray[bool]

	floatBuffers  map[float32]*ConstantBuffer[float32]
	doubleBuffers map[float64]*ConstantBuffer[float64]
	intBuffers    map[int32]*ConstantBuffer[int32]
	boolBuffers   map[bool]*ConstantBuffer[bool]
}

func NewManager() *Manager {
	return &Manager{
		strings:       map[string]*InputString{},
		floatArrays:   map[string]*ConstantArray[float32]{},
		doubleArrays:  map[string]*ConstantArray[float64]{},
		intArrays:     map[string]*ConstantArray[int32]{},
		boolArrays:    map[string]*ConstantArray[bool]{},
		floatBuffers:  map[float32]*ConstantBuffer[float32]{},
		doubleBuffers: map[float64]*ConstantBuffer[float64]{},
		intBuffers:    map[int32]*ConstantBuffer[int32]{},
		boolBuffers:   map[bool]*ConstantBuffer[bool]{},
	}
}

// EnsureString interns s, returning a manager-owned stable copy.
func (m *Manager) EnsureString(s []rune) *InputString {
	key := string(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.strings[key]; ok {
		return existing
	}
	is := &InputString{Runes: append([]rune(nil), s...)}
	m.strings[key] = is
	return is
}

// Fixed-width element encodings double as dedup keys: every element of
// a given array type occupies the same byte width, so concatenation
// alone (no delimiter) is unambiguous.

func floatArrayKey(values []float32) string {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return string(b)
}

func doubleArrayKey(values []float64) string {
	b := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return string(b)
}

func intArrayKey(values []int32) string {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(v))
	}
	return string(b)
}

func boolArrayKey(values []bool) string {
	b := make([]byte, len(values))
	for i, v := range values {
		if v {
			b[i] = 1
		}
	}
	return string(b)
}

func (m *Manager) EnsureFloatConstantArray(values []float32) *ConstantArray[float32] {
	key := floatArrayKey(values)
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.floatArrays[key]; ok {
		return existing
	}
	ca := &ConstantArray[float32]{Values: alignedCopy(values)}
	m.floatArrays[key] = ca
	return ca
}

func (m *Manager) EnsureDoubleConstantArray(values []float64) *ConstantArray[float64] {
	key := doubleArrayKey(values)
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.doubleArrays[key]; ok {
		return existing
	}
	ca := &ConstantArray[float64]{Values: alignedCopy(values)}
	m.doubleArrays[key] = ca
	return ca
}

func (m *Manager) EnsureIntConstantArray(values []int32) *ConstantArray[int32] {
	key := intArrayKey(values)
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.intArrays[key]; ok {
		return existing
	}
	ca := &ConstantArray[int32]{Values: alignedCopy(values)}
	m.intArrays[key] = ca
	return ca
}

func (m *Manager) EnsureBoolConstantArray(values []bool) *ConstantArray[bool] {
	key := boolArrayKey(values)
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.boolArrays[key]; ok {
		return existing
	}
	ca := &ConstantArray[bool]{Values: alignedCopy(values)}
	m.boolArrays[key] = ca
	return ca
}

// EnsureFloatConstantBuffer returns the shared constant-fill block for
// value, holding as many samples as the largest sampleCapacity any
// caller has requested so far. The Double, Int and Bool variants below
// work the same way.
func (m *Manager) EnsureFloatConstantBuffer(value float32, sampleCapacity int) *ConstantBuffer[float32] {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.floatBuffers[value]
	if !ok {
		cb = &ConstantBuffer[float32]{Value: value}
		m.floatBuffers[value] = cb
	}
	if len(cb.Samples) < sampleCapacity {
		cb.Samples = fillAligned(value, sampleCapacity)
	}
	return cb
}

func (m *Manager) EnsureDoubleConstantBuffer(value float64, sampleCapacity int) *ConstantBuffer[float64] {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.doubleBuffers[value]
	if !ok {
		cb = &ConstantBuffer[float64]{Value: value}
		m.doubleBuffers[value] = cb
	}
	if len(cb.Samples) < sampleCapacity {
		cb.Samples = fillAligned(value, sampleCapacity)
	}
	return cb
}

func (m *Manager) EnsureIntConstantBuffer(value int32, sampleCapacity int) *ConstantBuffer[int32] {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.intBuffers[value]
	if !ok {
		cb = &ConstantBuffer[int32]{Value: value}
		m.intBuffers[value] = cb
	}
	if len(cb.Samples) < sampleCapacity {
		cb.Samples = fillAligned(value, sampleCapacity)
	}
	return cb
}

func (m *Manager) EnsureBoolConstantBuffer(value bool, sampleCapacity int) *ConstantBuffer[bool] {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.boolBuffers[value]
	if !ok {
		cb = &ConstantBuffer[bool]{Value: value}
		m.boolBuffers[value] = cb
	}
	if len(cb.Samples) < sampleCapacity {
		cb.Samples = fillAligned(value, sampleCapacity)
	}
	return cb
}

func alignedCopy[T any](values []T) []T {
	out := make([]T, len(values))
	copy(out, values)
	return out
}

func fillAligned[T any](value T, n int) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = value
	}
	return out
}

// BufferByteLen reports the byte length sampleCount elements of
// primitive p occupy, honoring the 1-bit-per-sample bool packing rule
// (spec §3).
func BufferByteLen(p program.PrimitiveType, sampleCount int) int {
	bits := p.BitsPerElement() * sampleCount
	return (bits + 7) / 8
}
