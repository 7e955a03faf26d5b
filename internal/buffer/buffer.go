// Package buffer implements the logical-buffer registry, the R1/R2
// memory-sharing algorithm, and guarded runtime read/write access
// described in spec §4.5 — the densest, most invariant-heavy component
// of the engine.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/cbegin/chordrt-go/internal/program"
)

// Alignment is the SIMD byte alignment every physical allocation is
// rounded up to (matches internal/constantpool.Alignment).
const Alignment = 32

// GuardBytes is the sentinel region size appended to each physical
// block in guarded builds, filled with GuardSentinel and checked for
// corruption at finish-write (spec §4.5.4).
const GuardBytes = 16

const GuardSentinel = 0xAA

// Handle is an opaque index into a Manager's buffer table.
type Handle int32

const NoHandle Handle = -1

type Buffer struct {
	Primitive  program.PrimitiveType
	Samples    int // non-upsampled sample count
	Upsample   int32
	ByteCount  int
	IsConstant bool

	outputTask any // producer with sharing permission, nil if none
	usageCount int
	inputTask  any // first consumer recorded with canShareWithOutput=true

	groupIndex int

	data []byte // aliases the group's physical block once Allocate runs

	writeTask   atomic.Value // always holds a taskBox, never a bare `any`
	readerCount atomic.Int32
}

// taskBox gives atomic.Value a single concrete type to store
// regardless of what task identity it wraps (atomic.Value panics if
// Store sees varying concrete types).
type taskBox struct{ task any }

type nilTaskType struct{}

var nilTask any = nilTaskType{}

// Manager owns buffer registration, the concurrency matrix, the
// memory-sharing decision, and (in guarded mode) runtime access
// checks.
type Manager struct {
	mu          sync.Mutex
	buffers     []*Buffer
	concurrency [][]bool
	groups      [][]int // buffer indices, populated by Allocate
	guards      bool
	blockSize   int // current sample count set by BeginProcessing
}

func NewManager(guards bool) *Manager {
	return &Manager{guards: guards}
}

func byteCountFor(p program.PrimitiveType, samples int, upsample int32) int {
	bits := p.BitsPerElement() * samples * int(upsample)
	bytes := (bits + 7) / 8
	return alignUp(bytes, Alignment)
}

func alignUp(n, align int) int {
	if n%align == 0 {
		return n
	}
	return n + (align - n%align)
}

// AddBuffer registers a new logical buffer (spec §4.5.1).
func (m *Manager) AddBuffer(primitive program.PrimitiveType, nonUpsampledSampleCount int, upsample int32) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &Buffer{
		Primitive: primitive,
		Samples:   nonUpsampledSampleCount,
		Upsample:  upsample,
		ByteCount: byteCountFor(primitive, nonUpsampledSampleCount, upsample),
	}
	b.writeTask.Store(taskBox{task: nilTask})
	m.buffers = append(m.buffers, b)
	return Handle(len(m.buffers) - 1)
}

// NewHandleArray reserves a contiguous slot of n handles for a
// NativeModule array-of-buffer parameter (spec §4.5.1). Every element
// starts as NoHandle; the caller stores each element's handle once its
// own AddBuffer call resolves.
func NewHandleArray(n int) []Handle {
	out := make([]Handle, n)
	for i := range out {
		out[i] = NoHandle
	}
	return out
}

func (m *Manager) buf(h Handle) *Buffer {
	return m.buffers[h]
}

func (m *Manager) SetBufferOutputTaskForSharing(h Handle, task any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf(h).outputTask = task
}

// AddBufferInputTask records one more consumer of h; the first
// consumer passing canShareWithOutput=true becomes the buffer's
// sharing-eligible input task (spec §4.5.1).
func (m *Manager) AddBufferInputTask(h Handle, task any, canShareWithOutput bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.buf(h)
	b.usageCount++
	if canShareWithOutput && b.inputTask == nil {
		b.inputTask = task
	}
}

func (m *Manager) SetBufferConstant(h Handle, constant bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf(h).IsConstant = constant
}

func (m *Manager) IsBufferConstant(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf(h).IsConstant
}

func (m *Manager) BufferUpsample(h Handle) int32 {
	return m.buf(h).Upsample
}

// InitializeBufferConcurrency allocates the NxN symmetric concurrency
// matrix once registration is complete (spec §4.5.2).
func (m *Manager) InitializeBufferConcurrency() {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.buffers)
	m.concurrency = make([][]bool, n)
	for i := range m.concurrency {
		m.concurrency[i] = make([]bool, n)
	}
}

func (m *Manager) SetBuffersConcurrent(a, b Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.concurrency[a][b] = true
	m.concurrency[b][a] = true
}

func (m *Manager) SetBufferConcurrentWithAll(a Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.buffers {
		if Handle(i) == a {
			continue
		}
		m.concurrency[a][i] = true
		m.concurrency[i][int(a)] = true
	}
}
