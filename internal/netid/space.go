package netid

import (
	"fmt"
	"sort"
)

// Space groups allocators for disjoint partitions of the index space, e.g.
// one for world-owned objects and one per player. It replaces a process-wide
// generator: each session owns its Space.
type Space[K comparable] struct {
	keys   []K
	allocs []*Allocator
}

// NewSpace returns an empty Space.
func NewSpace[K comparable]() *Space[K] {
	return &Space[K]{}
}

// Add creates an allocator for key over r. Ranges must not overlap and keys
// must be unique.
func (s *Space[K]) Add(key K, r Range) (*Allocator, error) {
	for i, k := range s.keys {
		if k == key {
			return nil, fmt.Errorf("netid: partition %v already defined", key)
		}
		if s.allocs[i].Range().Overlaps(r) {
			return nil, fmt.Errorf("netid: partition %v range %s overlaps %v %s",
				key, r, k, s.allocs[i].Range())
		}
	}
	a, err := NewAllocator(r)
	if err != nil {
		return nil, fmt.Errorf("partition %v: %w", key, err)
	}
	s.keys = append(s.keys, key)
	s.allocs = append(s.allocs, a)
	return a, nil
}

// For returns the allocator registered under key.
func (s *Space[K]) For(key K) (*Allocator, bool) {
	for i, k := range s.keys {
		if k == key {
			return s.allocs[i], true
		}
	}
	return nil, false
}

// Owner returns the partition key owning id's index.
func (s *Space[K]) Owner(id ID) (K, bool) {
	for i, a := range s.allocs {
		if a.Owns(id) {
			return s.keys[i], true
		}
	}
	var zero K
	return zero, false
}

func (s *Space[K]) owning(id ID) *Allocator {
	for _, a := range s.allocs {
		if a.Owns(id) {
			return a
		}
	}
	return nil
}

// Release routes id to its owning allocator. Ids outside every partition are ignored.
func (s *Space[K]) Release(id ID) {
	if a := s.owning(id); a != nil {
		a.Release(id)
	}
}

// Sync routes an authoritative id to its owning allocator.
func (s *Space[K]) Sync(id ID) {
	if a := s.owning(id); a != nil {
		a.Sync(id)
	}
}

// IsValid reports whether id is valid in its owning allocator. Scene ids are
// always valid; dynamic ids outside every partition are not.
func (s *Space[K]) IsValid(id ID) bool {
	if id.IsScene() {
		return true
	}
	a := s.owning(id)
	return a != nil && a.IsValid(id)
}

// Ranges returns partition ranges ordered by Min.
func (s *Space[K]) Ranges() []Range {
	out := make([]Range, 0, len(s.allocs))
	for _, a := range s.allocs {
		out = append(out, a.Range())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Min < out[j].Min })
	return out
}
