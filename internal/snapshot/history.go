package snapshot

// History keeps the most recent snapshots addressed by tick, for comparing
// predicted state with late authoritative state.
type History struct {
	slots  []*Snapshot
	latest *Snapshot
}

// NewHistory returns a ring holding capacity ticks (minimum 1).
func NewHistory(capacity int) *History {
	return &History{slots: make([]*Snapshot, max(1, capacity))}
}

// Put stores s, replacing whatever occupied its slot.
func (h *History) Put(s *Snapshot) {
	h.slots[int(s.Tick%uint32(len(h.slots)))] = s
	if h.latest == nil || s.Tick >= h.latest.Tick {
		h.latest = s
	}
}

// At returns the snapshot stored for tick, if it has not been overwritten.
func (h *History) At(tick uint32) (*Snapshot, bool) {
	s := h.slots[int(tick%uint32(len(h.slots)))]
	if s == nil || s.Tick != tick {
		return nil, false
	}
	return s, true
}

// Latest returns the snapshot with the highest tick stored so far.
func (h *History) Latest() (*Snapshot, bool) {
	return h.latest, h.latest != nil
}

// DropAfter forgets snapshots newer than tick, used after a rollback
// invalidates predicted ticks.
func (h *History) DropAfter(tick uint32) {
	for i, s := range h.slots {
		if s != nil && s.Tick > tick {
			h.slots[i] = nil
		}
	}
	h.latest = nil
	for _, s := range h.slots {
		if s != nil && (h.latest == nil || s.Tick > h.latest.Tick) {
			h.latest = s
		}
	}
}

// Cap returns the ring capacity.
func (h *History) Cap() int {
	return len(h.slots)
}
