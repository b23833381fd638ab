// Package predict reconciles locally predicted ticks with authoritative
// snapshots received from the server.
package predict

import (
	"fmt"
	"log/slog"

	"github.com/udisondev/netsync/internal/player"
	"github.com/udisondev/netsync/internal/registry"
	"github.com/udisondev/netsync/internal/snapshot"
)

// Result describes what Receive did with one server snapshot.
type Result struct {
	Tick uint32
	// Stale is set for snapshots not newer than the confirmed baseline; they
	// are dropped.
	Stale bool
	// Unpredicted is set when no local prediction exists for Tick; the
	// server state was adopted for every object.
	Unpredicted bool
	// Rollback is set when the prediction for Tick diverged. Predictable
	// objects now hold the server state of Tick and every tick after it
	// must be simulated again.
	Rollback bool
}

// Reconciler keeps the client's predicted history and the last confirmed
// server state. Not safe for concurrent use; it runs on the simulation loop.
type Reconciler struct {
	reg       *registry.Registry
	predicted *snapshot.History
	confirmed *snapshot.Snapshot
}

// New creates a reconciler remembering up to historyTicks predicted ticks.
func New(reg *registry.Registry, historyTicks int) *Reconciler {
	return &Reconciler{
		reg:       reg,
		predicted: snapshot.NewHistory(historyTicks),
	}
}

// Record stores the locally collected snapshot of a predicted tick.
func (r *Reconciler) Record(s *snapshot.Snapshot) {
	r.predicted.Put(s)
}

// Predicted returns the recorded prediction for tick.
func (r *Reconciler) Predicted(tick uint32) (*snapshot.Snapshot, bool) {
	return r.predicted.At(tick)
}

// Confirmed returns the latest authoritative state, completed with objects
// the server left out because they did not change. Nil before the first
// snapshot arrives.
func (r *Reconciler) Confirmed() *snapshot.Snapshot {
	return r.confirmed
}

// Receive folds a server snapshot into the confirmed state and applies it.
//
// The server omits throttled objects, so the snapshot is merged over the
// previous confirmed state before any comparison. Objects the local player
// does not predict take the server state directly. Predicted objects are
// compared with the prediction recorded for the same tick and overwritten
// only on divergence. A nil snapshot is a no-op.
func (r *Reconciler) Receive(server *snapshot.Snapshot) (Result, error) {
	if server == nil {
		return Result{}, nil
	}
	res := Result{Tick: server.Tick}
	if r.confirmed != nil && server.Tick <= r.confirmed.Tick {
		slog.Debug("predict: stale snapshot dropped", "tick", server.Tick, "confirmed", r.confirmed.Tick)
		res.Stale = true
		return res, nil
	}

	var merged *snapshot.Snapshot
	if r.confirmed != nil {
		merged = r.confirmed.Clone()
		merged.Merge(server)
	} else {
		// first snapshot: nothing to merge over, adopt its containers
		merged = snapshot.New(server.Tick, server.StartedAt)
		merged.MergeShared(server)
	}
	r.confirmed = merged

	if err := r.reg.Apply(merged, registry.FilterUnpredictable); err != nil {
		return res, fmt.Errorf("apply unpredictable at tick %d: %w", server.Tick, err)
	}

	predicted, ok := r.predicted.At(server.Tick)
	switch {
	case !ok:
		res.Unpredicted = true
	case !r.factoryAgrees(predicted, merged) || !r.reg.PredictableEqual(predicted, merged):
		res.Rollback = true
	default:
		return res, nil
	}

	if err := r.reg.Apply(merged, registry.FilterPredictable); err != nil {
		return res, fmt.Errorf("apply predictable at tick %d: %w", server.Tick, err)
	}
	if res.Rollback {
		slog.Debug("predict: rollback", "tick", server.Tick)
		r.predicted.DropAfter(server.Tick)
		r.predicted.Put(merged.Clone())
	}
	return res, nil
}

// factoryAgrees reports whether the prediction created and destroyed the
// same predictable objects as the server.
func (r *Reconciler) factoryAgrees(predicted, confirmed *snapshot.Snapshot) bool {
	mine := r.predictableSpawns(predicted.Factory)
	theirs := r.predictableSpawns(confirmed.Factory)
	if len(mine) != len(theirs) {
		return false
	}
	for i := range mine {
		if mine[i] != theirs[i] {
			return false
		}
	}
	return true
}

func (r *Reconciler) predictableSpawns(f *snapshot.FactoryState) []snapshot.Spawn {
	var out []snapshot.Spawn
	for _, sp := range f.Spawns() {
		if sp.Owner == player.All || sp.Owner == r.reg.Local() {
			out = append(out, sp)
		}
	}
	return out
}
