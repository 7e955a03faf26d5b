package buffer

import (
	"testing"

	"github.com/cbegin/chordrt-go/internal/program"
)

func TestAddBufferByteCount(t *testing.T) {
	m := NewManager(false)
	h := m.AddBuffer(program.PrimitiveFloat, 128, 1)
	want := alignUp(128*4, Alignment)
	if m.buf(h).ByteCount != want {
		t.Fatalf("got %d want %d", m.buf(h).ByteCount, want)
	}
}

func TestR1FusesWithinTaskOutputAndInput(t *testing.T) {
	m := NewManager(false)
	taskA, taskB := "taskA", "taskB"

	// produced by taskA, consumed only by taskB with sharing allowed.
	in := m.AddBuffer(program.PrimitiveFloat, 64, 1)
	m.SetBufferOutputTaskForSharing(in, taskA)
	m.AddBufferInputTask(in, taskB, true)

	// taskB's own output.
	out := m.AddBuffer(program.PrimitiveFloat, 64, 1)
	m.SetBufferOutputTaskForSharing(out, taskB)

	m.InitializeBufferConcurrency()
	if err := m.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if m.GroupIndex(in) != m.GroupIndex(out) {
		t.Fatalf("expected in/out buffers to share a group, got %d vs %d", m.GroupIndex(in), m.GroupIndex(out))
	}
}

func TestR2MergesNonConcurrentEqualSizedGroups(t *testing.T) {
	m := NewManager(false)
	a := m.AddBuffer(program.PrimitiveFloat, 32, 1)
	b := m.AddBuffer(program.PrimitiveFloat, 32, 1)
	m.InitializeBufferConcurrency() // a, b never marked concurrent
	if err := m.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if m.GroupIndex(a) != m.GroupIndex(b) {
		t.Fatal("expected non-concurrent equal-sized buffers to merge")
	}
}

func TestConcurrentBuffersNeverShare(t *testing.T) {
	m := NewManager(false)
	a := m.AddBuffer(program.PrimitiveFloat, 32, 1)
	b := m.AddBuffer(program.PrimitiveFloat, 32, 1)
	m.InitializeBufferConcurrency()
	m.SetBuffersConcurrent(a, b)
	if err := m.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if m.GroupIndex(a) == m.GroupIndex(b) {
		t.Fatal("expected concurrent buffers to never share a group")
	}
}

func TestDifferentByteCountsNeverShare(t *testing.T) {
	m := NewManager(false)
	a := m.AddBuffer(program.PrimitiveFloat, 32, 1)
	b := m.AddBuffer(program.PrimitiveFloat, 64, 1)
	m.InitializeBufferConcurrency()
	if err := m.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if m.GroupIndex(a) == m.GroupIndex(b) {
		t.Fatal("expected different byte counts to never share a group")
	}
}

func TestGuardedWriteReadLifecycle(t *testing.T) {
	m := NewManager(true)
	h := m.AddBuffer(program.PrimitiveFloat, 16, 1)
	m.InitializeBufferConcurrency()
	if err := m.Allocate(); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	task := "writer"
	if err := m.StartBufferWrite(h, task); err != nil {
		t.Fatalf("StartBufferWrite: %v", err)
	}
	if err := m.StartBufferWrite(h, "other"); err == nil {
		t.Fatal("expected double write to fail")
	}
	if err := m.FinishBufferWrite(h, task); err != nil {
		t.Fatalf("FinishBufferWrite: %v", err)
	}

	if err := m.StartBufferRead(h); err != nil {
		t.Fatalf("StartBufferRead: %v", err)
	}
	if err := m.StartBufferWrite(h, task); err == nil {
		t.Fatal("expected write during active read to fail")
	}
	if err := m.FinishBufferRead(h); err != nil {
		t.Fatalf("FinishBufferRead: %v", err)
	}
}
