// Package buffer provides the bounded classification history kept by the
// stream client. Each slot stores an atomic pointer so dashboard readers
// either see a complete event or the previous one, never a partially written
// structure, and the single writer never takes a lock.
package buffer

import (
	"sync/atomic"

	"phasefeed/phase"
)

// DefaultCapacity is one minute of history at one classification per second.
const DefaultCapacity = 60

// History is a fixed-capacity FIFO of classification events. Add appends at
// the tail; once more than Capacity events have been added the oldest is
// overwritten. Only one goroutine may call Add; any goroutine may read.
type History struct {
	slots    []atomic.Pointer[phase.Event]
	capacity int
	total    atomic.Uint64 // Total events added (may exceed capacity)
}

// NewHistory allocates a history with the given capacity. Non-positive
// capacities fall back to DefaultCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{
		slots:    make([]atomic.Pointer[phase.Event], capacity),
		capacity: capacity,
	}
}

// Add appends ev, assigning its sequence number, and returns the stored copy.
func (h *History) Add(ev phase.Event) phase.Event {
	seq := h.total.Load() + 1
	stored := ev.Clone()
	stored.Seq = seq

	idx := (seq - 1) % uint64(h.capacity)
	// Publish the slot before the counter so readers bounded by total never
	// observe a slot that has not been written yet.
	h.slots[idx].Store(&stored)
	h.total.Store(seq)
	return stored.Clone()
}

// Len returns the number of events currently retained.
func (h *History) Len() int {
	total := h.total.Load()
	if total > uint64(h.capacity) {
		return h.capacity
	}
	return int(total)
}

// Capacity returns the maximum number of retained events.
func (h *History) Capacity() int {
	return h.capacity
}

// Total returns the number of events ever added.
func (h *History) Total() uint64 {
	return h.total.Load()
}

// Snapshot returns the retained events oldest first. The result and the
// confidence slices inside it are copies the caller may modify freely.
func (h *History) Snapshot() []phase.Event {
	recent := h.collect(h.capacity)
	out := make([]phase.Event, len(recent))
	for i, ev := range recent {
		out[len(recent)-1-i] = ev.Clone()
	}
	return out
}

// Recent returns up to n of the newest events, newest first.
func (h *History) Recent(n int) []phase.Event {
	recent := h.collect(n)
	out := make([]phase.Event, len(recent))
	for i, ev := range recent {
		out[i] = ev.Clone()
	}
	return out
}

// Latest returns the newest event, if any.
func (h *History) Latest() (phase.Event, bool) {
	recent := h.collect(1)
	if len(recent) == 0 {
		return phase.Event{}, false
	}
	return recent[0].Clone(), true
}

// collect walks the ring backward from the newest sequence number. The Seq
// check skips slots that were overwritten by a concurrent Add.
func (h *History) collect(n int) []*phase.Event {
	if n <= 0 {
		return nil
	}
	total := h.total.Load()
	available := int(total)
	if available > h.capacity {
		available = h.capacity
	}
	if n > available {
		n = available
	}
	result := make([]*phase.Event, 0, n)
	minSeq := total - uint64(available)
	for seq := total; seq > minSeq && len(result) < n; seq-- {
		slot := (seq - 1) % uint64(h.capacity)
		if ev := h.slots[slot].Load(); ev != nil && ev.Seq == seq {
			result = append(result, ev)
		}
	}
	return result
}
