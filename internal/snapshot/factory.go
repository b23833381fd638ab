package snapshot

import (
	"sort"

	"github.com/udisondev/netsync/internal/netid"
	"github.com/udisondev/netsync/internal/player"
)

// Spawn records one dynamically created object: enough for a peer to create
// it locally and to route it to the right predictability partition.
type Spawn struct {
	ID    netid.ID
	Kind  uint16
	Owner player.ID
}

// FactoryState is the set of dynamic objects that exist at a tick, ordered by id.
// An id missing from it has been destroyed.
type FactoryState struct {
	spawns []Spawn
}

// NewFactoryState builds a factory state from spawns in any order.
func NewFactoryState(spawns ...Spawn) *FactoryState {
	f := &FactoryState{spawns: make([]Spawn, 0, len(spawns))}
	for _, s := range spawns {
		f.Add(s)
	}
	return f
}

func (f *FactoryState) search(id netid.ID) (int, bool) {
	i := sort.Search(len(f.spawns), func(i int) bool { return f.spawns[i].ID >= id })
	return i, i < len(f.spawns) && f.spawns[i].ID == id
}

// Add inserts or replaces a spawn record.
func (f *FactoryState) Add(s Spawn) {
	i, ok := f.search(s.ID)
	if ok {
		f.spawns[i] = s
		return
	}
	f.spawns = append(f.spawns, Spawn{})
	copy(f.spawns[i+1:], f.spawns[i:])
	f.spawns[i] = s
}

// Remove deletes the record for id.
func (f *FactoryState) Remove(id netid.ID) {
	if i, ok := f.search(id); ok {
		f.spawns = append(f.spawns[:i], f.spawns[i+1:]...)
	}
}

// Contains reports whether id is a live dynamic object.
func (f *FactoryState) Contains(id netid.ID) bool {
	if f == nil {
		return false
	}
	_, ok := f.search(id)
	return ok
}

// Get returns the spawn record for id.
func (f *FactoryState) Get(id netid.ID) (Spawn, bool) {
	if f == nil {
		return Spawn{}, false
	}
	i, ok := f.search(id)
	if !ok {
		return Spawn{}, false
	}
	return f.spawns[i], true
}

// Len returns the number of live dynamic objects.
func (f *FactoryState) Len() int {
	if f == nil {
		return 0
	}
	return len(f.spawns)
}

// Spawns returns records in ascending id order. Callers must not modify the slice.
func (f *FactoryState) Spawns() []Spawn {
	if f == nil {
		return nil
	}
	return f.spawns
}

// Clone returns an independent copy.
func (f *FactoryState) Clone() *FactoryState {
	if f == nil {
		return nil
	}
	return &FactoryState{spawns: append([]Spawn(nil), f.spawns...)}
}
