// Package registry owns the live synchronized objects of one peer and turns
// them into snapshots and back.
//
// A Registry is driven from the simulation goroutine only and holds no locks.
package registry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/udisondev/netsync/internal/netid"
	"github.com/udisondev/netsync/internal/player"
	"github.com/udisondev/netsync/internal/snapshot"
	"github.com/udisondev/netsync/internal/throttle"
)

type entry struct {
	obj      Object
	throttle *throttle.State
	// skip is the throttle decision of the last Collect.
	skip bool
}

// Registry indexes objects by id and by the local observer's views of them.
type Registry struct {
	local    player.ID
	ids      *netid.Space[player.ID]
	throttle throttle.Config
	spawner  Spawner

	entries map[netid.ID]*entry
	order   view // every registered id

	// views relative to the local observer; invisible objects are in none
	all           view
	withInput     view
	predictable   view
	unpredictable view

	factory   *snapshot.FactoryState
	inputs    snapshot.Inputs
	// delivered holds, per observer, the ids whose state it has received
	delivered map[player.ID]map[netid.ID]struct{}
}

// New creates a registry for the local observer. ids supplies identities for
// Create and receives releases; spawner may be nil on peers that never apply
// remote factory state.
func New(local player.ID, ids *netid.Space[player.ID], cfg throttle.Config, spawner Spawner) *Registry {
	return &Registry{
		local:     local,
		ids:       ids,
		throttle:  cfg,
		spawner:   spawner,
		entries:   make(map[netid.ID]*entry, 256),
		factory:   snapshot.NewFactoryState(),
		inputs:    snapshot.Inputs{},
		delivered: make(map[player.ID]map[netid.ID]struct{}),
	}
}

// Local returns the observer this registry serves.
func (r *Registry) Local() player.ID {
	return r.local
}

// IDs returns the identity space.
func (r *Registry) IDs() *netid.Space[player.ID] {
	return r.ids
}

func (r *Registry) visible(obj Object) bool {
	return r.local == player.World || obj.VisibleTo(r.local)
}

func (r *Registry) isPredictable(owner player.ID) bool {
	return owner == player.All || owner == r.local
}

// Register adds obj under its id. Dynamic objects are added to the factory
// state. A second object with the same id is rejected with *DuplicateError.
func (r *Registry) Register(obj Object) error {
	id := obj.ID()
	if existing, ok := r.entries[id]; ok {
		return &DuplicateError{ID: id, Existing: existing.obj.Name(), Incoming: obj.Name()}
	}
	r.insert(obj)
	return nil
}

func (r *Registry) insert(obj Object) {
	id := obj.ID()
	r.entries[id] = &entry{obj: obj, throttle: throttle.NewState(r.throttle)}
	r.order.add(id)
	if !id.IsScene() {
		r.factory.Add(snapshot.Spawn{ID: id, Kind: obj.Kind(), Owner: obj.PredictedBy()})
	}

	if !r.visible(obj) {
		return
	}
	r.all.add(id)
	if obj.HasInput() {
		r.withInput.add(id)
	}
	if r.isPredictable(obj.PredictedBy()) {
		r.predictable.add(id)
	} else {
		r.unpredictable.add(id)
	}
}

// RegisterScene registers statically placed objects. The whole batch is
// validated first; on error nothing is registered.
func (r *Registry) RegisterScene(objs []Object) error {
	seen := make(map[netid.ID]Object, len(objs))
	for _, obj := range objs {
		id := obj.ID()
		if !id.IsScene() {
			return fmt.Errorf("%w: %q has id %s", ErrNotScene, obj.Name(), id)
		}
		if existing, ok := r.entries[id]; ok {
			return &DuplicateError{ID: id, Existing: existing.obj.Name(), Incoming: obj.Name()}
		}
		if existing, ok := seen[id]; ok {
			return &DuplicateError{ID: id, Existing: existing.Name(), Incoming: obj.Name()}
		}
		seen[id] = obj
	}
	for _, obj := range objs {
		r.insert(obj)
	}
	slog.Debug("registry: scene registered", "objects", len(objs))
	return nil
}

// Unregister removes id from every view without releasing it.
func (r *Registry) Unregister(id netid.ID) (Object, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	r.order.remove(id)
	r.all.remove(id)
	r.withInput.remove(id)
	r.predictable.remove(id)
	r.unpredictable.remove(id)
	r.factory.Remove(id)
	for _, known := range r.delivered {
		delete(known, id)
	}
	return e.obj, true
}

// Create allocates an id from owner's partition (falling back to the world
// partition), builds the object and registers it.
func (r *Registry) Create(owner player.ID, build func(id netid.ID) (Object, error)) (Object, error) {
	alloc, ok := r.ids.For(owner)
	if !ok {
		alloc, ok = r.ids.For(player.World)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPartition, owner)
	}

	id, err := alloc.Next()
	if err != nil {
		return nil, fmt.Errorf("allocating id for %s: %w", owner, err)
	}
	obj, err := build(id)
	if err != nil {
		alloc.Release(id)
		return nil, fmt.Errorf("building object %s: %w", id, err)
	}
	if err := r.Register(obj); err != nil {
		alloc.Release(id)
		return nil, err
	}
	return obj, nil
}

// Destroy unregisters id and releases it for reuse.
func (r *Registry) Destroy(id netid.ID) (Object, bool) {
	obj, ok := r.Unregister(id)
	if !ok {
		return nil, false
	}
	r.ids.Release(id)
	return obj, true
}

// Lookup returns the object registered under id.
func (r *Registry) Lookup(id netid.ID) (Object, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

// Len returns the number of registered objects, visible or not.
func (r *Registry) Len() int {
	return len(r.entries)
}

func (r *Registry) objects(v view) []Object {
	out := make([]Object, len(v))
	for i, id := range v {
		out[i] = r.entries[id].obj
	}
	return out
}

// All returns objects visible to the local observer in id order.
func (r *Registry) All() []Object { return r.objects(r.all) }

// WithInput returns visible objects that consume input.
func (r *Registry) WithInput() []Object { return r.objects(r.withInput) }

// Predictable returns visible objects the local observer may predict.
func (r *Registry) Predictable() []Object { return r.objects(r.predictable) }

// Unpredictable returns visible objects the local observer may not predict.
func (r *Registry) Unpredictable() []Object { return r.objects(r.unpredictable) }

// Factory returns the live dynamic objects. Callers must not modify it.
func (r *Registry) Factory() *snapshot.FactoryState {
	return r.factory
}

// BufferInput stores player input to be shipped with the next collected snapshot.
func (r *Registry) BufferInput(p player.ID, tick uint32, data []byte) {
	r.inputs.Set(p, tick, data)
}

// Collect serializes every registered object in id order, runs each through
// its throttle and returns the full snapshot for tick. Buffered input is
// attached and cleared.
func (r *Registry) Collect(tick uint32, startedAt time.Time) (*snapshot.Snapshot, error) {
	data := snapshot.NewData()
	for _, id := range r.order {
		e := r.entries[id]
		st, err := e.obj.MarshalState()
		if err != nil {
			return nil, fmt.Errorf("marshal state of %q (%s): %w", e.obj.Name(), id, err)
		}
		e.skip = e.throttle.Update(st, e.obj.StateEqual)
		data.Set(id, st)
	}

	var inputs snapshot.Inputs
	if len(r.inputs) > 0 {
		inputs = r.inputs
		r.inputs = snapshot.Inputs{}
	}
	return snapshot.NewFull(tick, startedAt, r.factory.Clone(), data, inputs), nil
}

// AssembleFor narrows full to what observer receives: only objects visible
// to it, and of those only objects whose throttle did not allow skipping.
// A visible object whose state the observer does not hold yet is always
// sent, whether the observer is new or the object just came into view.
func (r *Registry) AssembleFor(full *snapshot.Snapshot, observer player.ID) *snapshot.Snapshot {
	known := r.delivered[observer]
	holds := make(map[netid.ID]struct{}, full.Data().Len())

	visibleTo := func(id netid.ID) (*entry, bool) {
		e, ok := r.entries[id]
		if !ok {
			return nil, false
		}
		return e, observer == player.World || e.obj.VisibleTo(observer)
	}

	factory := snapshot.NewFactoryState()
	for _, sp := range full.Factory.Spawns() {
		if _, ok := visibleTo(sp.ID); ok {
			factory.Add(sp)
		}
	}

	data := snapshot.NewData()
	full.Data().Each(func(id netid.ID, st []byte) bool {
		e, ok := visibleTo(id)
		if !ok {
			return true
		}
		holds[id] = struct{}{}
		if _, has := known[id]; has && e.skip {
			return true
		}
		data.Set(id, st)
		return true
	})
	// objects out of view are forgotten so they are sent in full on return
	r.delivered[observer] = holds

	return snapshot.NewFull(full.Tick, full.StartedAt, factory, data, full.Inputs)
}

// ForgetObserver drops delivery tracking so the next snapshot for p is complete again.
func (r *Registry) ForgetObserver(p player.ID) {
	delete(r.delivered, p)
}

func (r *Registry) inView(e *entry, filter Filter) bool {
	id := e.obj.ID()
	switch filter {
	case FilterPredictable:
		return r.predictable.has(id)
	case FilterUnpredictable:
		return r.unpredictable.has(id)
	}
	return r.all.has(id)
}

// Apply writes s into local objects. Factory state is applied first:
// dynamic objects missing from it are destroyed, unknown ones are spawned,
// both only within filter's partition. Then each payload is applied to its
// object if that object is in the filtered view; other payloads belong to a
// different partition and are ignored.
func (r *Registry) Apply(s *snapshot.Snapshot, filter Filter) error {
	if s == nil {
		return nil
	}
	if s.Factory != nil {
		if err := r.applyFactory(s.Factory, filter); err != nil {
			return err
		}
	}

	var applyErr error
	s.Data().Each(func(id netid.ID, st []byte) bool {
		e, ok := r.entries[id]
		if !ok || !r.inView(e, filter) {
			return true
		}
		if err := e.obj.UnmarshalState(st); err != nil {
			applyErr = fmt.Errorf("unmarshal state of %q (%s) at tick %d: %w", e.obj.Name(), id, s.Tick, err)
			return false
		}
		return true
	})
	return applyErr
}

func (r *Registry) applyFactory(factory *snapshot.FactoryState, filter Filter) error {
	// destroy before spawn: a stale generation at an index must be gone
	// before the authoritative one is synced
	var gone []netid.ID
	for _, id := range r.order {
		if id.IsScene() || factory.Contains(id) {
			continue
		}
		if filter.accepts(r.isPredictable(r.entries[id].obj.PredictedBy())) {
			gone = append(gone, id)
		}
	}
	for _, id := range gone {
		obj, _ := r.Destroy(id)
		if r.spawner != nil {
			r.spawner.Despawn(obj)
		}
	}

	if r.spawner == nil {
		return nil
	}
	for _, sp := range factory.Spawns() {
		if _, ok := r.entries[sp.ID]; ok {
			continue
		}
		if !filter.accepts(r.isPredictable(sp.Owner)) {
			continue
		}
		r.ids.Sync(sp.ID)
		obj, err := r.spawner.Spawn(sp)
		if err != nil {
			r.ids.Release(sp.ID)
			return fmt.Errorf("spawning %s kind %d: %w", sp.ID, sp.Kind, err)
		}
		if err := r.Register(obj); err != nil {
			return err
		}
	}
	return nil
}

// PredictableEqual compares local and received for objects the local
// observer predicts. Only ids present in both snapshots are checked; a
// mismatch means the prediction diverged and must be rolled back.
func (r *Registry) PredictableEqual(local, received *snapshot.Snapshot) bool {
	if local == nil || received == nil {
		return true
	}
	a, b := local.Data().Entries(), received.Data().Entries()
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].ID < b[j].ID:
			i++
		case a[i].ID > b[j].ID:
			j++
		default:
			id := a[i].ID
			if r.predictable.has(id) {
				obj := r.entries[id].obj
				if !obj.StateEqual(a[i].State, b[j].State) {
					slog.Debug("registry: predicted state diverged",
						"object", obj.Name(), "id", id, "tick", received.Tick)
					return false
				}
			}
			i++
			j++
		}
	}
	return true
}
