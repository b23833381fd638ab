// Package snapshot holds the per-tick replicated state and the merge rules
// used for prediction, rollback comparison and transmission.
package snapshot

import (
	"maps"
	"slices"
	"time"

	"github.com/udisondev/netsync/internal/netid"
	"github.com/udisondev/netsync/internal/player"
)

// Inputs buffers raw per-player input keyed by the tick it applies to.
type Inputs map[player.ID]map[uint32][]byte

// Set stores input for p at tick.
func (in Inputs) Set(p player.ID, tick uint32, data []byte) {
	byTick, ok := in[p]
	if !ok {
		byTick = make(map[uint32][]byte)
		in[p] = byTick
	}
	byTick[tick] = data
}

// Get returns input for p at tick.
func (in Inputs) Get(p player.ID, tick uint32) ([]byte, bool) {
	data, ok := in[p][tick]
	return data, ok
}

// Players returns players with buffered input in ascending order.
func (in Inputs) Players() []player.ID {
	return slices.Sorted(maps.Keys(in))
}

// Ticks returns ticks buffered for p in ascending order.
func (in Inputs) Ticks(p player.ID) []uint32 {
	return slices.Sorted(maps.Keys(in[p]))
}

// Clone copies both map levels. Input payloads are shared.
func (in Inputs) Clone() Inputs {
	if in == nil {
		return nil
	}
	out := make(Inputs, len(in))
	for p, byTick := range in {
		out[p] = maps.Clone(byTick)
	}
	return out
}

// Snapshot is the replicated state of one simulation tick.
//
// A snapshot is built once per tick and afterwards changed only through
// Merge, MergeShared and FillMissingFrom.
type Snapshot struct {
	Tick      uint32
	StartedAt time.Time
	Factory   *FactoryState
	Inputs    Inputs

	data *Data
	// borrowed is set when data is aliased with another snapshot;
	// the next write copies it first.
	borrowed bool
}

// New returns a snapshot for tick with no object data.
func New(tick uint32, startedAt time.Time) *Snapshot {
	return &Snapshot{Tick: tick, StartedAt: startedAt}
}

// NewFull returns a populated snapshot. It takes ownership of its arguments.
func NewFull(tick uint32, startedAt time.Time, factory *FactoryState, data *Data, inputs Inputs) *Snapshot {
	return &Snapshot{
		Tick:      tick,
		StartedAt: startedAt,
		Factory:   factory,
		Inputs:    inputs,
		data:      data,
	}
}

// Data returns the object data, possibly nil. Callers must not modify it.
func (s *Snapshot) Data() *Data {
	return s.data
}

// Shared reports whether the data container is aliased with another snapshot.
func (s *Snapshot) Shared() bool {
	return s.borrowed
}

// Clone returns a deep copy that shares only immutable state payloads.
func (s *Snapshot) Clone() *Snapshot {
	return &Snapshot{
		Tick:      s.Tick,
		StartedAt: s.StartedAt,
		Factory:   s.Factory.Clone(),
		Inputs:    s.Inputs.Clone(),
		data:      s.data.Clone(),
	}
}

// Merge folds received into s:
//   - tick, start time, factory state and inputs are taken from received;
//   - every object in received is inserted or replaced;
//   - objects only s holds are kept;
//   - dynamic objects missing from the merged factory state are removed.
//
// s never aliases received's containers. A nil received is a no-op.
func (s *Snapshot) Merge(received *Snapshot) {
	s.merge(received, false)
}

// MergeShared is Merge without copying: when s has no data yet it adopts
// received's container and both snapshots copy on their next write.
// Factory state and inputs are adopted by reference and must be treated as
// read-only by both snapshots.
func (s *Snapshot) MergeShared(received *Snapshot) {
	s.merge(received, true)
}

func (s *Snapshot) merge(received *Snapshot, shared bool) {
	if received == nil {
		return
	}

	s.Tick = received.Tick
	s.StartedAt = received.StartedAt
	if shared {
		s.Factory = received.Factory
		s.Inputs = received.Inputs
	} else {
		s.Factory = received.Factory.Clone()
		s.Inputs = received.Inputs.Clone()
	}

	switch {
	case received.data == nil:
	case s.data == nil && shared:
		s.data = received.data
		s.borrowed = true
		received.borrowed = true
	case s.data == nil:
		s.data = received.data.Clone()
	default:
		s.own()
		s.data.upsert(received.data)
	}

	s.dropDestroyed()
}

// dropDestroyed removes dynamic objects absent from the factory state.
// Scene objects are never part of the factory state and always stay.
// Without factory bookkeeping nothing is removed.
func (s *Snapshot) dropDestroyed() {
	if s.Factory == nil || s.data.Len() == 0 {
		return
	}
	alive := func(id netid.ID) bool {
		return id.IsScene() || s.Factory.Contains(id)
	}
	stale := false
	s.data.Each(func(id netid.ID, _ []byte) bool {
		stale = !alive(id)
		return !stale
	})
	if !stale {
		return
	}
	s.own()
	s.data.retain(alive)
}

// FillMissingFrom copies objects present in source but absent from s.
// Objects s already holds are never overwritten.
func (s *Snapshot) FillMissingFrom(source *Snapshot) {
	if source == nil || source.data.Len() == 0 {
		return
	}
	if s.data == nil {
		s.data = source.data.Clone()
		return
	}
	if s.data.missingFrom(source.data) == 0 {
		return
	}
	s.own()
	s.data.fill(source.data)
}

// own makes s the sole owner of a non-nil data container.
func (s *Snapshot) own() {
	switch {
	case s.data == nil:
		s.data = &Data{}
	case s.borrowed:
		s.data = s.data.Clone()
	}
	s.borrowed = false
}
