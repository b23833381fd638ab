package netid

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrPoolExhausted is returned when no index in the allocator range is free.
	ErrPoolExhausted = errors.New("netid: pool exhausted")

	// ErrGenerationExhausted is returned when an index has been recycled
	// MaxGeneration times and cannot be issued again.
	ErrGenerationExhausted = errors.New("netid: generation exhausted")

	// ErrInvalidRange is returned by NewAllocator for min > max or negative bounds.
	ErrInvalidRange = errors.New("netid: invalid range")
)

// Range is an inclusive interval of indices owned by one allocator.
type Range struct {
	Min int
	Max int
}

// Contains reports whether index lies in the range.
func (r Range) Contains(index uint16) bool {
	return int(index) >= r.Min && int(index) <= r.Max
}

// Overlaps reports whether r and o share at least one index.
func (r Range) Overlaps(o Range) bool {
	return r.Min <= o.Max && o.Min <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Min, r.Max)
}

// Stats is a point-in-time view of allocator bookkeeping.
type Stats struct {
	Live   int
	Queued int
	Cursor uint16
}

// Allocator issues generation-tagged IDs from a fixed index range.
//
// It is a slot map: a dense generation table addressed by (index - min)
// plus a FIFO free queue. Not safe for concurrent use; the simulation
// drives it from a single goroutine.
type Allocator struct {
	min uint16
	max uint16

	// slot tables, grown lazily, addressed by index-min
	generations []uint16
	live        []bool
	queued      []bool

	free     []uint16
	freeHead int

	cursor uint16
}

// NewAllocator creates an allocator for r. Max is clamped to MaxIndex.
func NewAllocator(r Range) (*Allocator, error) {
	if r.Min < 0 || r.Max < 0 || r.Min > MaxIndex || r.Min > r.Max {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRange, r)
	}
	if r.Max > MaxIndex {
		r.Max = MaxIndex
	}
	return &Allocator{
		min:    uint16(r.Min),
		max:    uint16(r.Max),
		cursor: uint16(r.Min),
	}, nil
}

// Range returns the (clamped) index range.
func (a *Allocator) Range() Range {
	return Range{Min: int(a.min), Max: int(a.max)}
}

// Next issues a new ID. Released indices are reused in FIFO order before
// fresh ones are taken.
func (a *Allocator) Next() (ID, error) {
	index, ok := a.popFree()
	if !ok {
		index, ok = a.nextFresh()
		if !ok {
			return None, fmt.Errorf("%w: range %s", ErrPoolExhausted, a.Range())
		}
	}

	slot := a.slot(index)
	a.grow(slot)
	if a.generations[slot] == MaxGeneration {
		return None, fmt.Errorf("%w: index %d", ErrGenerationExhausted, index)
	}
	a.generations[slot]++
	a.live[slot] = true

	return New(a.generations[slot], index), nil
}

// popFree takes the oldest queued index that is still free.
// Entries whose index went live again through Sync are skipped.
func (a *Allocator) popFree() (uint16, bool) {
	for a.freeHead < len(a.free) {
		index := a.free[a.freeHead]
		a.freeHead++
		a.compactFree()

		slot := a.slot(index)
		if !a.queued[slot] {
			// stale duplicate entry
			continue
		}
		a.queued[slot] = false
		if a.live[slot] {
			slog.Debug("netid: skipping queued index re-registered by sync", "index", index)
			continue
		}
		return index, true
	}
	return 0, false
}

func (a *Allocator) compactFree() {
	if a.freeHead == len(a.free) {
		a.free = a.free[:0]
		a.freeHead = 0
		return
	}
	if a.freeHead > 64 && a.freeHead*2 > len(a.free) {
		n := copy(a.free, a.free[a.freeHead:])
		a.free = a.free[:n]
		a.freeHead = 0
	}
}

// nextFresh walks the cursor once around the range looking for an index
// that is neither live nor waiting in the free queue.
func (a *Allocator) nextFresh() (uint16, bool) {
	span := int(a.max-a.min) + 1
	for range span {
		index := a.cursor
		if a.cursor == a.max {
			a.cursor = a.min
		} else {
			a.cursor++
		}
		if a.used(index) {
			continue
		}
		return index, true
	}
	return 0, false
}

// used reports whether index is live, queued, or retired after reaching
// MaxGeneration.
func (a *Allocator) used(index uint16) bool {
	slot := a.slot(index)
	if slot >= len(a.generations) {
		return false
	}
	return a.live[slot] || a.queued[slot] || a.generations[slot] == MaxGeneration
}

// Release returns id's index to the free queue. Scene ids, foreign ids and
// ids that are not the live generation for their index are ignored.
func (a *Allocator) Release(id ID) {
	if id.IsScene() {
		return
	}
	index := id.Index()
	if index < a.min || index > a.max {
		return
	}
	slot := a.slot(index)
	if slot >= len(a.generations) || a.generations[slot] != id.Generation() || !a.live[slot] {
		slog.Debug("netid: ignoring stale release", "id", id)
		return
	}

	a.live[slot] = false
	if a.queued[slot] {
		return
	}
	a.queued[slot] = true
	a.free = append(a.free, index)
}

// Sync registers an authoritative id as live regardless of local state.
// The caller guarantees any conflicting local object is already gone.
func (a *Allocator) Sync(id ID) {
	if id.IsScene() {
		return
	}
	index := id.Index()
	if index < a.min || index > a.max {
		return
	}
	slot := a.slot(index)
	a.grow(slot)
	a.generations[slot] = id.Generation()
	a.live[slot] = true

	if a.cursor <= index {
		if index == a.max {
			a.cursor = a.min
		} else {
			a.cursor = index + 1
		}
	}
}

// IsValid reports whether id still names the tracked generation of its index.
// Scene ids are always valid.
func (a *Allocator) IsValid(id ID) bool {
	if id.IsScene() {
		return true
	}
	index := id.Index()
	if index < a.min || index > a.max {
		return false
	}
	slot := a.slot(index)
	return slot < len(a.generations) && a.generations[slot] == id.Generation()
}

// IsLive reports whether id is valid and currently issued.
func (a *Allocator) IsLive(id ID) bool {
	if id.IsScene() {
		return true
	}
	if !a.IsValid(id) {
		return false
	}
	return a.live[a.slot(id.Index())]
}

// Owns reports whether id's index belongs to this allocator.
func (a *Allocator) Owns(id ID) bool {
	index := id.Index()
	return index >= a.min && index <= a.max
}

// MoveTo sets the fresh cursor, clamped into range.
func (a *Allocator) MoveTo(index int) {
	switch {
	case index < int(a.min):
		a.cursor = a.min
	case index > int(a.max):
		a.cursor = a.max
	default:
		a.cursor = uint16(index)
	}
}

// Current returns the fresh cursor.
func (a *Allocator) Current() uint16 {
	return a.cursor
}

// Stats returns live and queued counts.
func (a *Allocator) Stats() Stats {
	st := Stats{Cursor: a.cursor}
	for slot := range a.generations {
		if a.live[slot] {
			st.Live++
		}
		if a.queued[slot] {
			st.Queued++
		}
	}
	return st
}

// QueueLen returns the number of physical entries in the free queue,
// including stale duplicates that will be skipped when popped.
func (a *Allocator) QueueLen() int {
	return len(a.free) - a.freeHead
}

func (a *Allocator) slot(index uint16) int {
	return int(index - a.min)
}

func (a *Allocator) grow(slot int) {
	if slot < len(a.generations) {
		return
	}
	n := slot + 1
	a.generations = append(a.generations, make([]uint16, n-len(a.generations))...)
	a.live = append(a.live, make([]bool, n-len(a.live))...)
	a.queued = append(a.queued, make([]bool, n-len(a.queued))...)
}
