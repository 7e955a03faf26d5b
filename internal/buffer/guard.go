package buffer

import "fmt"

// BeginProcessing records the sample count for the upcoming block. In
// guarded builds this is where a future per-block bookkeeping reset
// would happen; currently it's a pure recording step (spec §4.5.4).
func (m *Manager) BeginProcessing(sampleCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockSize = sampleCount
}

// StartBufferWrite claims h for task via CAS on writeTask, verifying
// there are no readers (or exactly one, iff h is this task's own
// sharing-eligible input). Guarded builds only; no-ops when guards are
// disabled (spec §4.5.4: "in release builds the calls compile away").
func (m *Manager) StartBufferWrite(h Handle, task any) error {
	if !m.guards {
		return nil
	}
	b := m.buf(h)
	if !b.writeTask.CompareAndSwap(taskBox{task: nilTask}, taskBox{task: task}) {
		return fmt.Errorf("buffer: startBufferWrite on buffer already being written")
	}
	readers := b.readerCount.Load()
	sharedAsOwnInput := b.inputTask == task
	if readers != 0 && !(readers == 1 && sharedAsOwnInput) {
		b.writeTask.Store(taskBox{task: nilTask})
		return fmt.Errorf("buffer: startBufferWrite found unexpected reader count %d", readers)
	}
	if len(b.data) > b.ByteCount {
		fillGuard(b.data[b.ByteCount:])
	}
	return nil
}

// FinishBufferWrite releases the write claim, verifying the reader
// count didn't change underneath it and that guard bytes are intact.
func (m *Manager) FinishBufferWrite(h Handle, task any) error {
	if !m.guards {
		return nil
	}
	b := m.buf(h)
	if !b.writeTask.CompareAndSwap(taskBox{task: task}, taskBox{task: nilTask}) {
		return fmt.Errorf("buffer: finishBufferWrite by a task that did not hold the write claim")
	}
	if len(b.data) > b.ByteCount && !guardIntact(b.data[b.ByteCount:]) {
		return fmt.Errorf("buffer: guard region overwritten on buffer")
	}
	return nil
}

func (m *Manager) StartBufferRead(h Handle) error {
	if !m.guards {
		return nil
	}
	b := m.buf(h)
	if wt := b.writeTask.Load(); wt != (taskBox{task: nilTask}) {
		return fmt.Errorf("buffer: startBufferRead while a write is in progress")
	}
	b.readerCount.Add(1)
	return nil
}

func (m *Manager) FinishBufferRead(h Handle) error {
	if !m.guards {
		return nil
	}
	b := m.buf(h)
	if b.readerCount.Add(-1) < 0 {
		return fmt.Errorf("buffer: finishBufferRead underflowed reader count")
	}
	return nil
}
