// Package voicealloc implements the fixed-capacity voice slot
// allocator: an LRU "active" list and an "inactive" stack, with
// per-block activated/deactivated tracking (spec §4.9).
package voicealloc

// Activation records a voice slot's index and the sample offset within
// the block at which it was triggered.
type Activation struct {
	VoiceIndex int
	SampleIdx  int
}

// Allocator manages maxVoices fixed slots. The oldest active voice is
// evicted first when a trigger arrives with no free slots (spec §4.9).
type Allocator struct {
	maxVoices int
	active    []int // oldest at index 0
	inactive  []int // stack; pop from the end

	activated   []Activation
	deactivated []int
}

// New builds an allocator with every voice initially inactive. Slot 0
// pops first, so the inactive stack is pre-filled in reverse (spec
// §4.9).
func New(maxVoices int) *Allocator {
	inactive := make([]int, maxVoices)
	for i := 0; i < maxVoices; i++ {
		inactive[maxVoices-1-i] = i
	}
	return &Allocator{maxVoices: maxVoices, inactive: inactive}
}

// BeginBlockVoiceAllocation clears the per-block activated/deactivated
// lists.
func (a *Allocator) BeginBlockVoiceAllocation() {
	a.activated = a.activated[:0]
	a.deactivated = a.deactivated[:0]
}

// TriggerVoice triggers a new voice at sampleIdx within the current
// block, evicting the oldest active voice if no inactive slot remains.
func (a *Allocator) TriggerVoice(sampleIdx int) {
	if len(a.inactive) == 0 {
		evicted := a.active[0]
		a.active = a.active[1:]
		a.inactive = append(a.inactive, evicted)
		a.recordDeactivated(evicted)
		a.removePendingActivation(evicted)
	}

	idx := a.inactive[len(a.inactive)-1]
	a.inactive = a.inactive[:len(a.inactive)-1]
	a.active = append(a.active, idx)
	a.activated = append(a.activated, Activation{VoiceIndex: idx, SampleIdx: sampleIdx})
}

// DeactivateVoice moves idx from active to inactive, e.g. on a
// release/note-off event outside the trigger path.
func (a *Allocator) DeactivateVoice(idx int) {
	for i, v := range a.active {
		if v == idx {
			a.active = append(a.active[:i], a.active[i+1:]...)
			a.inactive = append(a.inactive, idx)
			a.recordDeactivated(idx)
			return
		}
	}
}

func (a *Allocator) recordDeactivated(idx int) {
	for _, d := range a.deactivated {
		if d == idx {
			return
		}
	}
	a.deactivated = append(a.deactivated, idx)
}

// removePendingActivation drops idx from this block's activated list
// if it was activated earlier in the same block, so an activation that
// was then evicted is never reported (spec §4.9). A voice recycled by
// the trigger that evicted it appears once in each list.
func (a *Allocator) removePendingActivation(idx int) {
	for i, act := range a.activated {
		if act.VoiceIndex == idx {
			a.activated = append(a.activated[:i], a.activated[i+1:]...)
			return
		}
	}
}

// Activated returns this block's triggered voices in trigger order.
func (a *Allocator) Activated() []Activation { return a.activated }

// Deactivated returns this block's voices that left the active set.
func (a *Allocator) Deactivated() []int { return a.deactivated }

// ActiveVoices returns the current active list, oldest first.
func (a *Allocator) ActiveVoices() []int { return a.active }

// ActiveCount reports the number of currently active voices.
func (a *Allocator) ActiveCount() int { return len(a.active) }
