package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/netsync/internal/netid"
	"github.com/udisondev/netsync/internal/player"
	"github.com/udisondev/netsync/internal/registry"
	"github.com/udisondev/netsync/internal/snapshot"
)

var _ registry.Object = (*Body)(nil)
var _ registry.Spawner = (*Spawner)(nil)

func TestBody_StateRoundTrip(t *testing.T) {
	b := NewBody(netid.New(1, 5), 2, BodyState{X: 1.5, Y: -3, VX: 0.25, Health: 100})

	data, err := b.MarshalState()
	require.NoError(t, err)

	other := NewBody(netid.New(1, 5), 2, BodyState{})
	require.NoError(t, other.UnmarshalState(data))
	assert.Equal(t, b.State, other.State)

	again, err := other.MarshalState()
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding must be deterministic")
}

func TestBody_UnmarshalGarbage(t *testing.T) {
	b := NewBody(netid.New(1, 5), 2, BodyState{X: 7})
	err := b.UnmarshalState([]byte{0xc1})
	require.Error(t, err)
	assert.Equal(t, float32(7), b.State.X, "state untouched on error")
}

func TestBody_StateEqual(t *testing.T) {
	b := NewBody(netid.New(1, 1), player.World, BodyState{})
	enc := func(st BodyState) []byte {
		data, err := (&Body{State: st}).MarshalState()
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name string
		a, b BodyState
		want bool
	}{
		{"identical", BodyState{X: 1, Health: 5}, BodyState{X: 1, Health: 5}, true},
		{"within epsilon", BodyState{X: 1, VY: 2}, BodyState{X: 1.005, VY: 1.995}, true},
		{"position drift", BodyState{X: 1}, BodyState{X: 1.5}, false},
		{"health differs", BodyState{Health: 5}, BodyState{Health: 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.StateEqual(enc(tt.a), enc(tt.b)))
		})
	}

	assert.False(t, b.StateEqual([]byte{0xc1}, enc(BodyState{})))
}

func TestBody_Visibility(t *testing.T) {
	b := NewBody(netid.New(1, 1), 0, BodyState{})
	assert.True(t, b.VisibleTo(3))
	assert.True(t, b.HasInput())
	assert.Equal(t, player.ID(0), b.PredictedBy())

	b.RestrictTo(0, 1)
	assert.True(t, b.VisibleTo(1))
	assert.False(t, b.VisibleTo(3))

	b.RestrictTo()
	assert.True(t, b.VisibleTo(3))

	npc := NewBody(netid.New(1, 2), player.World, BodyState{})
	assert.False(t, npc.HasInput())
}

func TestBody_InputAndStep(t *testing.T) {
	b := NewBody(netid.New(1, 1), 0, BodyState{X: 1, Y: 1})

	data, err := MarshalInput(Input{VX: 2, VY: -4})
	require.NoError(t, err)
	in, err := UnmarshalInput(data)
	require.NoError(t, err)

	b.ApplyInput(in)
	b.Step(0.5)

	assert.Equal(t, float32(2), b.State.X)
	assert.Equal(t, float32(-1), b.State.Y)

	_, err = UnmarshalInput([]byte{0xc1})
	assert.Error(t, err)
}

func TestSpawner(t *testing.T) {
	sp := NewSpawner()

	obj, err := sp.Spawn(snapshot.Spawn{ID: netid.New(1, 100), Kind: KindBody, Owner: 1})
	require.NoError(t, err)
	assert.Equal(t, player.ID(1), obj.PredictedBy())
	assert.Equal(t, 1, sp.Len())

	b, ok := sp.Body(netid.New(1, 100))
	require.True(t, ok)
	assert.Same(t, obj, b)

	_, err = sp.Spawn(snapshot.Spawn{ID: netid.New(1, 101), Kind: 99})
	assert.ErrorIs(t, err, ErrUnknownKind)

	sp.Despawn(obj)
	assert.Equal(t, 0, sp.Len())
}
