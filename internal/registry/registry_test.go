package registry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/netsync/internal/netid"
	"github.com/udisondev/netsync/internal/player"
	"github.com/udisondev/netsync/internal/snapshot"
	"github.com/udisondev/netsync/internal/throttle"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testObject holds a single byte of state; states within one unit are equal.
type testObject struct {
	id      netid.ID
	name    string
	owner   player.ID
	hidden  map[player.ID]bool
	input   bool
	value   byte
	failEnc bool
}

func (o *testObject) ID() netid.ID { return o.id }
func (o *testObject) Name() string { return o.name }
func (o *testObject) Kind() uint16 { return 7 }
func (o *testObject) PredictedBy() player.ID { return o.owner }
func (o *testObject) VisibleTo(p player.ID) bool { return !o.hidden[p] }
func (o *testObject) HasInput() bool { return o.input }

func (o *testObject) MarshalState() ([]byte, error) {
	if o.failEnc {
		return nil, errors.New("boom")
	}
	return []byte{o.value}, nil
}

func (o *testObject) UnmarshalState(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("want 1 byte, got %d", len(data))
	}
	o.value = data[0]
	return nil
}

func (o *testObject) StateEqual(a, b []byte) bool {
	d := int(a[0]) - int(b[0])
	return d >= -1 && d <= 1
}

type testSpawner struct {
	spawned   []snapshot.Spawn
	despawned []netid.ID
	objects   map[netid.ID]*testObject
	fail      bool
}

func (s *testSpawner) Spawn(sp snapshot.Spawn) (Object, error) {
	if s.fail {
		return nil, errors.New("no prefab")
	}
	s.spawned = append(s.spawned, sp)
	obj := &testObject{id: sp.ID, name: fmt.Sprintf("spawned-%s", sp.ID), owner: sp.Owner}
	if s.objects == nil {
		s.objects = make(map[netid.ID]*testObject)
	}
	s.objects[sp.ID] = obj
	return obj, nil
}

func (s *testSpawner) Despawn(obj Object) {
	s.despawned = append(s.despawned, obj.ID())
}

func newTestSpace(t *testing.T) *netid.Space[player.ID] {
	t.Helper()
	space := netid.NewSpace[player.ID]()
	_, err := space.Add(player.World, netid.Range{Min: 1, Max: 99})
	require.NoError(t, err)
	_, err = space.Add(1, netid.Range{Min: 100, Max: 199})
	require.NoError(t, err)
	_, err = space.Add(2, netid.Range{Min: 200, Max: 299})
	require.NoError(t, err)
	return space
}

func newTestRegistry(t *testing.T, local player.ID, spawner Spawner) *Registry {
	t.Helper()
	cfg := throttle.Config{Stages: []throttle.Stage{{Duration: 0, Frequency: 2}}}
	return New(local, newTestSpace(t), cfg, spawner)
}

func ids(objs []Object) []netid.ID {
	out := make([]netid.ID, len(objs))
	for i, o := range objs {
		out[i] = o.ID()
	}
	return out
}

func TestRegistry_RegisterIndexesViews(t *testing.T) {
	r := newTestRegistry(t, 1, nil)

	mine := &testObject{id: netid.New(1, 100), name: "mine", owner: 1, input: true}
	shared := &testObject{id: netid.New(1, 5), name: "shared", owner: player.All}
	theirs := &testObject{id: netid.New(1, 200), name: "theirs", owner: 2, input: true}
	server := &testObject{id: netid.New(1, 6), name: "server", owner: player.World}
	hidden := &testObject{id: netid.New(1, 7), name: "hidden", owner: 1, hidden: map[player.ID]bool{1: true}}

	for _, o := range []*testObject{theirs, hidden, mine, server, shared} {
		require.NoError(t, r.Register(o))
	}

	assert.Equal(t, 5, r.Len())
	assert.Equal(t, []netid.ID{shared.id, server.id, mine.id, theirs.id}, ids(r.All()))
	assert.Equal(t, []netid.ID{mine.id, theirs.id}, ids(r.WithInput()))
	assert.Equal(t, []netid.ID{shared.id, mine.id}, ids(r.Predictable()))
	assert.Equal(t, []netid.ID{server.id, theirs.id}, ids(r.Unpredictable()))
	assert.True(t, r.Factory().Contains(hidden.id), "hidden objects still exist")

	obj, ok := r.Unregister(mine.id)
	require.True(t, ok)
	assert.Same(t, mine, obj)
	assert.Equal(t, []netid.ID{shared.id}, ids(r.Predictable()))
	assert.False(t, r.Factory().Contains(mine.id))

	_, ok = r.Unregister(mine.id)
	assert.False(t, ok)
}

func TestRegistry_ServerSeesEverything(t *testing.T) {
	r := newTestRegistry(t, player.World, nil)
	obj := &testObject{id: netid.New(1, 1), name: "a", owner: player.World, hidden: map[player.ID]bool{player.World: true}}
	require.NoError(t, r.Register(obj))

	assert.Len(t, r.All(), 1)
	assert.Len(t, r.Predictable(), 1)
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	require.NoError(t, r.Register(&testObject{id: netid.New(0, 3), name: "crate"}))

	err := r.Register(&testObject{id: netid.New(0, 3), name: "barrel"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)

	var dup *DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "crate", dup.Existing)
	assert.Equal(t, "barrel", dup.Incoming)
	assert.Contains(t, err.Error(), "index 3")
}

func TestRegistry_RegisterSceneIsAtomic(t *testing.T) {
	r := newTestRegistry(t, 1, nil)

	err := r.RegisterScene([]Object{
		&testObject{id: netid.New(0, 1), name: "door"},
		&testObject{id: netid.New(0, 2), name: "lever"},
		&testObject{id: netid.New(0, 1), name: "door-copy"},
	})
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "door", dup.Existing)
	assert.Equal(t, "door-copy", dup.Incoming)
	assert.Equal(t, 0, r.Len(), "nothing registered after a conflict")

	err = r.RegisterScene([]Object{&testObject{id: netid.New(1, 1), name: "dynamic"}})
	assert.ErrorIs(t, err, ErrNotScene)

	require.NoError(t, r.RegisterScene([]Object{
		&testObject{id: netid.New(0, 1), name: "door"},
		&testObject{id: netid.New(0, 2), name: "lever"},
	}))
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 0, r.Factory().Len(), "scene objects are not factory-tracked")
}

func TestRegistry_CreateAndDestroy(t *testing.T) {
	r := newTestRegistry(t, 1, nil)

	build := func(name string, owner player.ID) func(netid.ID) (Object, error) {
		return func(id netid.ID) (Object, error) {
			return &testObject{id: id, name: name, owner: owner}, nil
		}
	}

	mine, err := r.Create(1, build("bolt", 1))
	require.NoError(t, err)
	assert.Equal(t, netid.New(1, 100), mine.ID())

	// player 5 has no partition; falls back to world
	other, err := r.Create(5, build("rock", 5))
	require.NoError(t, err)
	assert.Equal(t, netid.New(1, 1), other.ID())

	_, ok := r.Destroy(mine.ID())
	require.True(t, ok)
	assert.False(t, r.Factory().Contains(mine.ID()))

	again, err := r.Create(1, build("bolt2", 1))
	require.NoError(t, err)
	assert.Equal(t, netid.New(2, 100), again.ID(), "released index comes back one generation later")
}

func TestRegistry_CreateErrors(t *testing.T) {
	space := netid.NewSpace[player.ID]()
	_, err := space.Add(1, netid.Range{Min: 10, Max: 10})
	require.NoError(t, err)
	r := New(1, space, throttle.Config{}, nil)

	_, err = r.Create(3, func(id netid.ID) (Object, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrNoPartition)

	_, err = r.Create(1, func(id netid.ID) (Object, error) { return nil, errors.New("bad prefab") })
	require.Error(t, err)

	// the failed build released its id
	obj, err := r.Create(1, func(id netid.ID) (Object, error) {
		return &testObject{id: id, name: "ok", owner: 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(10), obj.ID().Index())

	_, err = r.Create(1, func(id netid.ID) (Object, error) { return nil, nil })
	assert.ErrorIs(t, err, netid.ErrPoolExhausted)
}

func TestRegistry_CollectAndAssemble(t *testing.T) {
	r := newTestRegistry(t, player.World, nil)

	a := &testObject{id: netid.New(1, 2), name: "a", owner: player.World, value: 10}
	b := &testObject{id: netid.New(1, 1), name: "b", owner: 1, value: 20}
	c := &testObject{id: netid.New(1, 3), name: "c", owner: player.World, hidden: map[player.ID]bool{2: true}}
	for _, o := range []*testObject{a, b, c} {
		require.NoError(t, r.Register(o))
	}
	r.BufferInput(1, 1, []byte{9})

	full, err := r.Collect(1, t0)
	require.NoError(t, err)
	assert.Equal(t, []netid.ID{b.id, a.id, c.id}, full.Data().IDs())
	assert.Equal(t, 3, full.Factory.Len())
	got, ok := full.Inputs.Get(1, 1)
	require.True(t, ok)
	assert.Equal(t, []byte{9}, got)

	first := r.AssembleFor(full, 2)
	assert.Equal(t, []netid.ID{b.id, a.id}, first.Data().IDs(), "invisible object omitted")
	assert.False(t, first.Factory.Contains(c.id))

	// unchanged states may now be skipped, but a first contact gets everything
	full, err = r.Collect(2, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, full.Inputs, "input is shipped once")

	assert.Equal(t, 0, r.AssembleFor(full, 2).Data().Len())
	fresh := r.AssembleFor(full, 1)
	assert.Equal(t, []netid.ID{b.id, a.id, c.id}, fresh.Data().IDs())
	assert.Equal(t, 3, fresh.Factory.Len(), "throttled objects stay in the factory state")

	// tick 3 is a send tick for every object
	full, err = r.Collect(3, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []netid.ID{b.id, a.id}, r.AssembleFor(full, 2).Data().IDs())

	// a change is sent even on a skip tick
	a.value = 50
	full, err = r.Collect(4, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []netid.ID{a.id}, r.AssembleFor(full, 2).Data().IDs())
	assert.Equal(t, []netid.ID{a.id}, r.AssembleFor(full, 1).Data().IDs())

	r.ForgetObserver(2)
	assert.Equal(t, []netid.ID{b.id, a.id}, r.AssembleFor(full, 2).Data().IDs())
}

func TestRegistry_AssembleSendsObjectComingIntoView(t *testing.T) {
	cfg := throttle.Config{Stages: []throttle.Stage{{Duration: 0, Frequency: 10}}}
	r := New(player.World, newTestSpace(t), cfg, nil)

	seen := &testObject{id: netid.New(1, 1), name: "seen", owner: player.World, value: 1}
	late := &testObject{id: netid.New(1, 2), name: "late", owner: player.World, value: 5,
		hidden: map[player.ID]bool{2: true}}
	require.NoError(t, r.Register(seen))
	require.NoError(t, r.Register(late))

	for tick := uint32(1); tick <= 2; tick++ {
		full, err := r.Collect(tick, t0)
		require.NoError(t, err)
		r.AssembleFor(full, 2)
	}

	// both objects are in a skip stage from here on
	late.hidden = nil
	for tick := uint32(3); tick <= 5; tick++ {
		full, err := r.Collect(tick, t0)
		require.NoError(t, err)
		out := r.AssembleFor(full, 2)
		assert.True(t, out.Factory.Contains(late.id), "tick %d", tick)
		if tick == 3 {
			assert.Equal(t, []netid.ID{late.id}, out.Data().IDs(), "state follows the object into view")
		} else {
			assert.Zero(t, out.Data().Len(), "tick %d", tick)
		}
	}

	// hidden again and back: the observer dropped it, so it is sent again
	late.hidden = map[player.ID]bool{2: true}
	full, err := r.Collect(6, t0)
	require.NoError(t, err)
	assert.False(t, r.AssembleFor(full, 2).Factory.Contains(late.id))

	late.hidden = nil
	full, err = r.Collect(7, t0)
	require.NoError(t, err)
	assert.Equal(t, []netid.ID{late.id}, r.AssembleFor(full, 2).Data().IDs())
}

func TestRegistry_UnregisterForgetsDelivery(t *testing.T) {
	cfg := throttle.Config{Stages: []throttle.Stage{{Duration: 0, Frequency: 10}}}
	r := New(player.World, newTestSpace(t), cfg, nil)

	obj := &testObject{id: netid.New(1, 1), name: "obj", owner: player.World, value: 1}
	require.NoError(t, r.Register(obj))
	full, err := r.Collect(1, t0)
	require.NoError(t, err)
	r.AssembleFor(full, 2)

	_, ok := r.Unregister(obj.id)
	require.True(t, ok)
	for _, known := range r.delivered {
		assert.NotContains(t, known, obj.id)
	}
}

func TestRegistry_CollectMarshalError(t *testing.T) {
	r := newTestRegistry(t, player.World, nil)
	require.NoError(t, r.Register(&testObject{id: netid.New(1, 1), name: "broken", failEnc: true}))

	_, err := r.Collect(1, t0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestRegistry_ApplyRoutesByFilter(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	mine := &testObject{id: netid.New(1, 100), name: "mine", owner: 1}
	theirs := &testObject{id: netid.New(1, 200), name: "theirs", owner: 2}
	require.NoError(t, r.Register(mine))
	require.NoError(t, r.Register(theirs))

	factory := snapshot.NewFactoryState(
		snapshot.Spawn{ID: mine.id, Owner: 1},
		snapshot.Spawn{ID: theirs.id, Owner: 2},
	)
	s := snapshot.NewFull(5, t0, factory, snapshot.NewData(
		snapshot.Entry{ID: mine.id, State: []byte{11}},
		snapshot.Entry{ID: theirs.id, State: []byte{22}},
		snapshot.Entry{ID: netid.New(1, 150), State: []byte{33}},
	), nil)

	require.NoError(t, r.Apply(s, FilterUnpredictable))
	assert.Equal(t, byte(0), mine.value)
	assert.Equal(t, byte(22), theirs.value)

	require.NoError(t, r.Apply(s, FilterPredictable))
	assert.Equal(t, byte(11), mine.value)

	mine.value, theirs.value = 0, 0
	require.NoError(t, r.Apply(s, FilterBoth))
	assert.Equal(t, byte(11), mine.value)
	assert.Equal(t, byte(22), theirs.value)

	assert.NoError(t, r.Apply(nil, FilterBoth))
}

func TestRegistry_ApplyUnmarshalError(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	obj := &testObject{id: netid.New(0, 4), name: "scenery", owner: player.World}
	require.NoError(t, r.Register(obj))

	s := snapshot.NewFull(1, t0, nil, snapshot.NewData(snapshot.Entry{ID: obj.id, State: []byte{1, 2}}), nil)
	err := r.Apply(s, FilterBoth)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenery")
}

func TestRegistry_ApplyFactorySpawnsAndDestroys(t *testing.T) {
	spawner := &testSpawner{}
	r := newTestRegistry(t, 1, spawner)

	oldTheirs := &testObject{id: netid.New(1, 200), name: "old", owner: 2}
	mine := &testObject{id: netid.New(1, 100), name: "mine", owner: 1}
	require.NoError(t, r.Register(oldTheirs))
	require.NoError(t, r.Register(mine))

	newTheirs := netid.New(2, 200)
	newMine := netid.New(1, 101)
	factory := snapshot.NewFactoryState(
		snapshot.Spawn{ID: newTheirs, Kind: 7, Owner: 2},
		snapshot.Spawn{ID: newMine, Kind: 7, Owner: 1},
	)
	s := snapshot.NewFull(9, t0, factory, snapshot.NewData(
		snapshot.Entry{ID: newTheirs, State: []byte{5}},
		snapshot.Entry{ID: newMine, State: []byte{6}},
	), nil)

	require.NoError(t, r.Apply(s, FilterUnpredictable))

	assert.Equal(t, []netid.ID{oldTheirs.id}, spawner.despawned)
	require.Len(t, spawner.spawned, 1)
	assert.Equal(t, newTheirs, spawner.spawned[0].ID)
	assert.Equal(t, byte(5), spawner.objects[newTheirs].value)
	assert.True(t, r.IDs().IsValid(newTheirs))
	assert.False(t, r.IDs().IsValid(oldTheirs.id))

	// the predictable partition was left alone
	_, ok := r.Lookup(mine.id)
	assert.True(t, ok)
	_, ok = r.Lookup(newMine)
	assert.False(t, ok)

	require.NoError(t, r.Apply(s, FilterPredictable))
	_, ok = r.Lookup(mine.id)
	assert.False(t, ok)
	_, ok = r.Lookup(newMine)
	assert.True(t, ok)
	assert.Equal(t, byte(6), spawner.objects[newMine].value)
}

func TestRegistry_ApplySpawnError(t *testing.T) {
	spawner := &testSpawner{fail: true}
	r := newTestRegistry(t, 1, spawner)

	id := netid.New(1, 10)
	s := snapshot.NewFull(1, t0, snapshot.NewFactoryState(snapshot.Spawn{ID: id, Owner: player.World}), nil, nil)

	require.Error(t, r.Apply(s, FilterBoth))
	alloc, ok := r.IDs().For(player.World)
	require.True(t, ok)
	assert.False(t, alloc.IsLive(id))
}

func TestRegistry_PredictableEqual(t *testing.T) {
	r := newTestRegistry(t, 1, nil)
	mine := &testObject{id: netid.New(1, 100), name: "mine", owner: 1}
	theirs := &testObject{id: netid.New(1, 200), name: "theirs", owner: 2}
	require.NoError(t, r.Register(mine))
	require.NoError(t, r.Register(theirs))

	snap := func(entries ...snapshot.Entry) *snapshot.Snapshot {
		return snapshot.NewFull(1, t0, nil, snapshot.NewData(entries...), nil)
	}

	local := snap(
		snapshot.Entry{ID: mine.id, State: []byte{10}},
		snapshot.Entry{ID: theirs.id, State: []byte{10}},
	)

	tests := []struct {
		name     string
		received *snapshot.Snapshot
		want     bool
	}{
		{"identical", snap(snapshot.Entry{ID: mine.id, State: []byte{10}}), true},
		{"within tolerance", snap(snapshot.Entry{ID: mine.id, State: []byte{11}}), true},
		{"predicted diverged", snap(snapshot.Entry{ID: mine.id, State: []byte{30}}), false},
		{"unpredictable diverged", snap(snapshot.Entry{ID: theirs.id, State: []byte{30}}), true},
		{"presence differs", snap(snapshot.Entry{ID: netid.New(1, 150), State: []byte{30}}), true},
		{"empty", snap(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.PredictableEqual(local, tt.received))
		})
	}
}
