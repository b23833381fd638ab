package model

import (
	"errors"
	"fmt"

	"github.com/udisondev/netsync/internal/netid"
	"github.com/udisondev/netsync/internal/registry"
	"github.com/udisondev/netsync/internal/snapshot"
)

// ErrUnknownKind is returned when a factory entry names a kind the spawner
// cannot build.
var ErrUnknownKind = errors.New("model: unknown object kind")

// Spawner materializes bodies announced by a peer's factory state.
// Not safe for concurrent use; it is driven by the registry.
type Spawner struct {
	bodies map[netid.ID]*Body
}

// NewSpawner creates an empty spawner.
func NewSpawner() *Spawner {
	return &Spawner{bodies: make(map[netid.ID]*Body)}
}

// Spawn builds a zero-state body for s. State arrives with the object's
// first payload.
func (sp *Spawner) Spawn(s snapshot.Spawn) (registry.Object, error) {
	if s.Kind != KindBody {
		return nil, fmt.Errorf("spawn %s kind %d: %w", s.ID, s.Kind, ErrUnknownKind)
	}
	b := NewBody(s.ID, s.Owner, BodyState{})
	sp.bodies[s.ID] = b
	return b, nil
}

// Despawn forgets obj.
func (sp *Spawner) Despawn(obj registry.Object) {
	delete(sp.bodies, obj.ID())
}

// Body returns a spawned body.
func (sp *Spawner) Body(id netid.ID) (*Body, bool) {
	b, ok := sp.bodies[id]
	return b, ok
}

// Len returns the number of live spawned bodies.
func (sp *Spawner) Len() int {
	return len(sp.bodies)
}
