package registry

import (
	"errors"
	"fmt"

	"github.com/udisondev/netsync/internal/netid"
	"github.com/udisondev/netsync/internal/player"
	"github.com/udisondev/netsync/internal/snapshot"
)

// Object is a synchronized simulation object. Each object type supplies its
// own state codec and domain equality; the registry never inspects state bytes.
type Object interface {
	ID() netid.ID
	Name() string
	Kind() uint16

	// PredictedBy names the observer allowed to simulate the object locally:
	// a concrete player, player.All, player.World or player.None.
	PredictedBy() player.ID
	// VisibleTo reports whether p receives the object's state at all.
	VisibleTo(p player.ID) bool
	// HasInput reports whether the object consumes player input.
	HasInput() bool

	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
	// StateEqual compares two serialized states with numeric tolerance.
	StateEqual(a, b []byte) bool
}

// Spawner creates and disposes of dynamic objects announced by a peer's
// factory state.
type Spawner interface {
	Spawn(s snapshot.Spawn) (Object, error)
	Despawn(obj Object)
}

// Filter selects which predictability partition an Apply call touches.
type Filter uint8

const (
	FilterBoth Filter = iota
	FilterPredictable
	FilterUnpredictable
)

func (f Filter) String() string {
	switch f {
	case FilterPredictable:
		return "predictable"
	case FilterUnpredictable:
		return "unpredictable"
	}
	return "both"
}

func (f Filter) accepts(predictable bool) bool {
	switch f {
	case FilterPredictable:
		return predictable
	case FilterUnpredictable:
		return !predictable
	}
	return true
}

var (
	// ErrDuplicateID is wrapped by DuplicateError.
	ErrDuplicateID = errors.New("registry: duplicate id")
	// ErrNotScene is returned by RegisterScene for ids with a non-zero generation.
	ErrNotScene = errors.New("registry: scene object with dynamic id")
	// ErrNoPartition is returned by Create when no allocator serves the owner.
	ErrNoPartition = errors.New("registry: no id partition for owner")
)

// DuplicateError reports two objects claiming the same id.
type DuplicateError struct {
	ID       netid.ID
	Existing string
	Incoming string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("registry: id %s (index %d) registered by %q, rejected for %q",
		e.ID, e.ID.Index(), e.Existing, e.Incoming)
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicateID
}
