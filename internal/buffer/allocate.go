package buffer

import "fmt"

// canShareWithinTask is R1's pairing predicate: same element width and
// same upsample factor, so one output sample is written exactly once
// per consumed input sample (spec §4.5.3).
func canShareWithinTask(a, b *Buffer) bool {
	return a.Primitive.BitsPerElement() == b.Primitive.BitsPerElement() && a.Upsample == b.Upsample
}

// canShareAcrossTasks is the byte-count half of R2's group-merge
// predicate: equal byte count. groupsCanMerge adds the other half, that
// no cross pair is marked concurrent. Exact byte-count match is the current,
// stricter policy spec §9 discusses relaxing to "fits within"; this
// implementation keeps the stricter rule (see DESIGN.md Open Question
// resolutions).
func (m *Manager) canShareAcrossTasks(a, b *Buffer) bool {
	return a.ByteCount == b.ByteCount
}

func (m *Manager) concurrent(i, j int) bool {
	if m.concurrency == nil {
		return false
	}
	return m.concurrency[i][j]
}

// Allocate runs R1 (within-task fusion), R2 (across-task greedy
// reuse), then physical layout, assigning every buffer a slice into
// one shared backing array per group (spec §4.5.3).
func (m *Manager) Allocate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.buffers)
	groups := make([][]int, n)
	for i := range groups {
		groups[i] = []int{i}
	}
	groupOf := make([]int, n)
	for i := range groupOf {
		groupOf[i] = i
	}

	// R1: within-task fusion.
	byOutputTask := map[any][]int{}
	byInputTask := map[any][]int{}
	for i, b := range m.buffers {
		if b.outputTask != nil {
			byOutputTask[b.outputTask] = append(byOutputTask[b.outputTask], i)
		}
		if b.usageCount == 1 && b.inputTask != nil && b.outputTask != nil {
			byInputTask[b.inputTask] = append(byInputTask[b.inputTask], i)
		}
	}
	paired := make([]bool, n)
	tasksSeen := map[any]bool{}
	for task := range byOutputTask {
		tasksSeen[task] = true
	}
	for task := range byInputTask {
		tasksSeen[task] = true
	}
	for task := range tasksSeen {
		outputs := byOutputTask[task]
		inputs := byInputTask[task]
		for _, oi := range outputs {
			if paired[oi] {
				continue
			}
			for _, ii := range inputs {
				if paired[ii] || ii == oi {
					continue
				}
				if canShareWithinTask(m.buffers[oi], m.buffers[ii]) {
					m.mergeGroups(groups, groupOf, groupOf[oi], groupOf[ii])
					paired[oi] = true
					paired[ii] = true
					break
				}
			}
		}
	}

	// Compact to the list of still-populated, distinct groups.
	seen := map[int]bool{}
	var order []int
	for i := 0; i < n; i++ {
		g := groupOf[i]
		if !seen[g] {
			seen[g] = true
			order = append(order, g)
		}
	}

	// R2: greedy across-task merge, lower-into-higher so later
	// iterations can re-examine the merged-into group.
	for i := 0; i < len(order); i++ {
		gi := order[i]
		if gi < 0 || len(groups[gi]) == 0 {
			continue
		}
		for j := i + 1; j < len(order); j++ {
			gj := order[j]
			if len(groups[gi]) == 0 {
				break
			}
			if len(groups[gj]) == 0 {
				continue
			}
			if m.groupsCanMerge(groups[gi], groups[gj]) {
				m.mergeGroups(groups, groupOf, gj, gi)
			}
		}
	}

	var final [][]int
	for _, g := range groups {
		if len(g) > 0 {
			final = append(final, g)
		}
	}

	for gi, members := range final {
		byteCount := m.buffers[members[0]].ByteCount
		for _, idx := range members {
			if m.buffers[idx].ByteCount != byteCount {
				return fmt.Errorf("buffer: group %d has mismatched byte counts (%d vs %d)", gi, m.buffers[idx].ByteCount, byteCount)
			}
		}
		blockSize := byteCount
		if m.guards {
			blockSize += GuardBytes
		}
		block := make([]byte, blockSize)
		for _, idx := range members {
			b := m.buffers[idx]
			b.data = block // full block, including any trailing guard region
			b.groupIndex = gi
			if m.guards {
				fillGuard(block[byteCount:])
			}
		}
	}
	m.groups = final
	return nil
}

func (m *Manager) groupsCanMerge(gi, gj []int) bool {
	for _, a := range gi {
		for _, b := range gj {
			if !m.canShareAcrossTasks(m.buffers[a], m.buffers[b]) {
				return false
			}
			if m.concurrent(a, b) {
				return false
			}
		}
	}
	return true
}

func (m *Manager) mergeGroups(groups [][]int, groupOf []int, into, from int) {
	if into == from {
		return
	}
	for _, idx := range groups[from] {
		groupOf[idx] = into
	}
	groups[into] = append(groups[into], groups[from]...)
	groups[from] = nil
}

func fillGuard(region []byte) {
	for i := range region {
		region[i] = GuardSentinel
	}
}

func guardIntact(region []byte) bool {
	for _, v := range region {
		if v != GuardSentinel {
			return false
		}
	}
	return true
}

// GroupCount reports how many distinct physical allocations Allocate
// produced; tests use this to assert sharing actually happened.
func (m *Manager) GroupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// GroupIndex reports which physical group h was assigned to.
func (m *Manager) GroupIndex(h Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf(h).groupIndex
}

// Bytes returns the logical (non-guard) storage backing h. Valid only
// after Allocate.
func (m *Manager) Bytes(h Handle) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.buf(h)
	return b.data[:b.ByteCount]
}
