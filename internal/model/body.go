// Package model contains the reference replicated object used by the sync
// server and its clients.
package model

import (
	"fmt"
	"math"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/udisondev/netsync/internal/netid"
	"github.com/udisondev/netsync/internal/player"
)

// KindBody is the factory kind of Body.
const KindBody uint16 = 1

// Epsilon is the per-axis tolerance used by Body.StateEqual.
const Epsilon = 0.01

// BodyState is the replicated part of a Body.
// Encoded as a msgpack array so the layout stays stable across field renames.
type BodyState struct {
	_msgpack struct{} `msgpack:",as_array"`

	X      float32 `msgpack:"x"`
	Y      float32 `msgpack:"y"`
	VX     float32 `msgpack:"vx"`
	VY     float32 `msgpack:"vy"`
	Health int32   `msgpack:"hp"`
}

// Input is the per-tick control payload a player sends for its own body.
type Input struct {
	_msgpack struct{} `msgpack:",as_array"`

	VX float32 `msgpack:"vx"`
	VY float32 `msgpack:"vy"`
}

// MarshalInput encodes in.
func MarshalInput(in Input) ([]byte, error) {
	return msgpack.Marshal(&in)
}

// UnmarshalInput decodes an input payload.
func UnmarshalInput(data []byte) (Input, error) {
	var in Input
	if err := msgpack.Unmarshal(data, &in); err != nil {
		return Input{}, fmt.Errorf("decode input: %w", err)
	}
	return in, nil
}

// Body is a point mass with velocity and health.
type Body struct {
	id       netid.ID
	name     string
	owner    player.ID
	audience []player.ID // empty: visible to everyone
	input    bool

	State BodyState
}

// NewBody creates a body. A body owned by a concrete player consumes input
// and is predicted by that player.
func NewBody(id netid.ID, owner player.ID, state BodyState) *Body {
	return &Body{
		id:    id,
		name:  fmt.Sprintf("body-%s", id),
		owner: owner,
		input: owner.IsConcrete(),
		State: state,
	}
}

// NewSceneBody creates a statically placed world body at scene index.
func NewSceneBody(index uint16, x, y float32) *Body {
	b := NewBody(netid.New(0, index), player.World, BodyState{X: x, Y: y})
	b.name = fmt.Sprintf("scene-%d", index)
	return b
}

// RestrictTo limits visibility to the listed players. Without arguments the
// body becomes visible to everyone again.
func (b *Body) RestrictTo(players ...player.ID) {
	b.audience = slices.Clone(players)
}

func (b *Body) ID() netid.ID { return b.id }
func (b *Body) Name() string { return b.name }
func (b *Body) Kind() uint16 { return KindBody }
func (b *Body) PredictedBy() player.ID { return b.owner }
func (b *Body) HasInput() bool { return b.input }

func (b *Body) VisibleTo(p player.ID) bool {
	return len(b.audience) == 0 || slices.Contains(b.audience, p)
}

// MarshalState encodes the replicated state.
func (b *Body) MarshalState() ([]byte, error) {
	return msgpack.Marshal(&b.State)
}

// UnmarshalState replaces the replicated state.
func (b *Body) UnmarshalState(data []byte) error {
	var st BodyState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode body %s: %w", b.id, err)
	}
	b.State = st
	return nil
}

// StateEqual compares two encoded states: positions and velocities within
// Epsilon, health exactly. Undecodable states are never equal.
func (b *Body) StateEqual(x, y []byte) bool {
	var sx, sy BodyState
	if msgpack.Unmarshal(x, &sx) != nil || msgpack.Unmarshal(y, &sy) != nil {
		return false
	}
	return near(sx.X, sy.X) && near(sx.Y, sy.Y) &&
		near(sx.VX, sy.VX) && near(sx.VY, sy.VY) &&
		sx.Health == sy.Health
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) <= Epsilon
}

// ApplyInput sets the velocity from a decoded input.
func (b *Body) ApplyInput(in Input) {
	b.State.VX = in.VX
	b.State.VY = in.VY
}

// Step advances the body by dt seconds.
func (b *Body) Step(dt float32) {
	b.State.X += b.State.VX * dt
	b.State.Y += b.State.VY * dt
}
