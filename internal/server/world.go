package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/udisondev/netsync/internal/config"
	"github.com/udisondev/netsync/internal/model"
	"github.com/udisondev/netsync/internal/netid"
	"github.com/udisondev/netsync/internal/player"
	"github.com/udisondev/netsync/internal/registry"
	"github.com/udisondev/netsync/internal/snapshot"
	"github.com/udisondev/netsync/internal/wire"
)

const (
	eventQueueSize   = 1024
	archiveQueueSize = 16
)

var errWorldStopped = errors.New("world stopped")

type eventKind uint8

const (
	eventJoin eventKind = iota
	eventLeave
	eventInput
)

type event struct {
	kind    eventKind
	session *Session
	player  player.ID
	input   wire.Input
}

// World is the authoritative simulation. It owns the registry and is the
// only goroutine touching it; connections talk to it through events.
type World struct {
	cfg     config.Server
	reg     *registry.Registry
	encoder *wire.Encoder
	history *snapshot.History
	dt      float32

	// archiveEvery is zero unless an archive consumes Archived.
	archiveEvery uint32

	events  chan event
	archive chan *snapshot.Snapshot
	done    chan struct{}

	joined  map[player.ID]*Session
	avatars map[player.ID]netid.ID
	pending map[player.ID]map[uint32]model.Input

	tick atomic.Uint32
}

// NewWorld builds the world registry, places the scene and returns a world
// ready to Run.
func NewWorld(cfg config.Server, encoder *wire.Encoder) (*World, error) {
	space, err := cfg.IDs.Space()
	if err != nil {
		return nil, fmt.Errorf("building id space: %w", err)
	}
	tc, err := cfg.ThrottleConfig()
	if err != nil {
		return nil, fmt.Errorf("throttle: %w", err)
	}
	reg := registry.New(player.World, space, tc, nil)

	scene := make([]registry.Object, 0, len(cfg.Scene))
	for _, obj := range cfg.Scene {
		scene = append(scene, model.NewSceneBody(obj.Index, obj.X, obj.Y))
	}
	if err := reg.RegisterScene(scene); err != nil {
		return nil, fmt.Errorf("registering scene: %w", err)
	}

	return &World{
		cfg:     cfg,
		reg:     reg,
		encoder: encoder,
		history: snapshot.NewHistory(cfg.HistoryTicks),
		dt:      float32(cfg.TickInterval().Seconds()),
		events:  make(chan event, eventQueueSize),
		archive: make(chan *snapshot.Snapshot, archiveQueueSize),
		done:    make(chan struct{}),
		joined:  make(map[player.ID]*Session),
		avatars: make(map[player.ID]netid.ID),
		pending: make(map[player.ID]map[uint32]model.Input),
	}, nil
}

// Tick returns the last simulated tick.
func (w *World) Tick() uint32 {
	return w.tick.Load()
}

// Archived delivers every ArchiveEvery-th full snapshot. Snapshots are
// dropped when the consumer lags.
func (w *World) Archived() <-chan *snapshot.Snapshot {
	return w.archive
}

func (w *World) post(ctx context.Context, ev event) error {
	select {
	case w.events <- ev:
		return nil
	case <-w.done:
		return errWorldStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join spawns an avatar for the session on the next tick.
func (w *World) Join(ctx context.Context, s *Session) error {
	return w.post(ctx, event{kind: eventJoin, session: s, player: s.Player()})
}

// Leave destroys the avatar of p on the next tick.
func (w *World) Leave(ctx context.Context, p player.ID) error {
	return w.post(ctx, event{kind: eventLeave, player: p})
}

// Input queues player input for the tick it names.
func (w *World) Input(ctx context.Context, p player.ID, in wire.Input) error {
	return w.post(ctx, event{kind: eventInput, player: p, input: in})
}

// Run advances the simulation once per tick interval until ctx is done.
func (w *World) Run(ctx context.Context) error {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.TickInterval())
	defer ticker.Stop()

	slog.Info("world started", "tick_rate", w.cfg.TickRate, "scene", len(w.cfg.Scene))
	for {
		select {
		case <-ctx.Done():
			slog.Info("world stopped", "tick", w.Tick())
			return nil
		case now := <-ticker.C:
			if err := w.step(now); err != nil {
				return fmt.Errorf("tick %d: %w", w.Tick()+1, err)
			}
		}
	}
}

func (w *World) step(now time.Time) error {
	tick := w.tick.Load() + 1

	w.drainEvents(tick)
	w.applyInputs(tick)
	for _, obj := range w.reg.All() {
		if b, ok := obj.(*model.Body); ok {
			b.Step(w.dt)
		}
	}

	full, err := w.reg.Collect(tick, now)
	if err != nil {
		return err
	}
	w.history.Put(full)
	w.tick.Store(tick)

	w.broadcast(full)

	if w.archiveEvery > 0 && tick%w.archiveEvery == 0 {
		select {
		case w.archive <- full:
		default:
			slog.Warn("archive queue full, snapshot dropped", "tick", tick)
		}
	}
	return nil
}

func (w *World) drainEvents(tick uint32) {
	for {
		select {
		case ev := <-w.events:
			w.handle(ev, tick)
		default:
			return
		}
	}
}

func (w *World) handle(ev event, tick uint32) {
	switch ev.kind {
	case eventJoin:
		w.join(ev.session, tick)
	case eventLeave:
		w.leave(ev.player)
	case eventInput:
		if _, ok := w.joined[ev.player]; !ok {
			return
		}
		in, err := model.UnmarshalInput(ev.input.Data)
		if err != nil {
			slog.Warn("bad input", "player", ev.player, "tick", ev.input.Tick, "error", err)
			return
		}
		if ev.input.Tick+uint32(w.cfg.HistoryTicks) < tick {
			slog.Debug("stale input dropped", "player", ev.player, "tick", ev.input.Tick)
			return
		}
		queue, ok := w.pending[ev.player]
		if !ok {
			queue = make(map[uint32]model.Input)
			w.pending[ev.player] = queue
		}
		queue[ev.input.Tick] = in
		w.reg.BufferInput(ev.player, ev.input.Tick, ev.input.Data)
	}
}

func (w *World) join(s *Session, tick uint32) {
	p := s.Player()
	obj, err := w.reg.Create(p, func(id netid.ID) (registry.Object, error) {
		return model.NewBody(id, p, model.BodyState{Health: 100}), nil
	})
	if err != nil {
		slog.Error("avatar creation failed", "player", p, "error", err)
		s.CloseAsync()
		return
	}
	w.joined[p] = s
	w.avatars[p] = obj.ID()
	// the previous holder of this slot may have been delivered snapshots
	w.reg.ForgetObserver(p)

	hello := &wire.Hello{
		Player:   p,
		TickRate: uint32(w.cfg.TickRate),
		Tick:     tick,
		IDs:      w.cfg.IDs.Player(p),
	}
	msg, err := w.encoder.Encode(wire.Envelope{Hello: hello})
	if err != nil {
		slog.Error("encoding hello", "player", p, "error", err)
		return
	}
	_ = s.Send(msg)
	slog.Info("player joined", "player", p, "avatar", obj.ID(), "tick", tick)
	w.logPartition(p)
}

func (w *World) leave(p player.ID) {
	if _, ok := w.joined[p]; !ok {
		return
	}
	delete(w.joined, p)
	delete(w.pending, p)
	if id, ok := w.avatars[p]; ok {
		w.reg.Destroy(id)
		delete(w.avatars, p)
	}
	w.reg.ForgetObserver(p)
	slog.Info("player left", "player", p)
	w.logPartition(p)
}

// partitionStats reports the allocator bookkeeping of p's id partition.
func (w *World) partitionStats(p player.ID) netid.Stats {
	alloc, ok := w.reg.IDs().For(p)
	if !ok {
		return netid.Stats{}
	}
	return alloc.Stats()
}

func (w *World) logPartition(p player.ID) {
	st := w.partitionStats(p)
	slog.Debug("id partition", "player", p, "live", st.Live, "queued", st.Queued, "cursor", st.Cursor)
}

// applyInputs feeds each avatar the newest input due by tick.
func (w *World) applyInputs(tick uint32) {
	for p, queue := range w.pending {
		var (
			latest uint32
			found  bool
		)
		for t := range queue {
			if t <= tick && (!found || t > latest) {
				latest, found = t, true
			}
		}
		if !found {
			continue
		}
		in := queue[latest]
		for t := range queue {
			if t <= tick {
				delete(queue, t)
			}
		}

		obj, ok := w.reg.Lookup(w.avatars[p])
		if !ok {
			continue
		}
		if b, ok := obj.(*model.Body); ok {
			b.ApplyInput(in)
		}
	}
}

func (w *World) broadcast(full *snapshot.Snapshot) {
	for p, s := range w.joined {
		out := w.reg.AssembleFor(full, p)
		msg, err := w.encoder.Encode(wire.Envelope{Snapshot: out})
		if err != nil {
			slog.Error("encoding snapshot", "player", p, "tick", full.Tick, "error", err)
			continue
		}
		_ = s.Send(msg)
	}
}
