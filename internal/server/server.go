// Package server is the authoritative sync server: websocket sessions feeding
// a fixed-rate world simulation that broadcasts per-player snapshots.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/udisondev/netsync/internal/config"
	"github.com/udisondev/netsync/internal/player"
	"github.com/udisondev/netsync/internal/snapshot"
	"github.com/udisondev/netsync/internal/wire"
)

const (
	encodeBufSize   = 4 << 10
	shutdownTimeout = 3 * time.Second
)

// Archive stores full snapshots for replay.
type Archive interface {
	Save(ctx context.Context, s *snapshot.Snapshot) error
	PruneBefore(ctx context.Context, tick uint32) (int64, error)
}

// Journal records session lifetimes.
type Journal interface {
	Open(ctx context.Context, p player.ID, remoteAddr string, tick uint32) (int64, error)
	Close(ctx context.Context, id int64, tick uint32) error
}

// Options wires optional persistence. Nil fields disable the feature.
type Options struct {
	Archive Archive
	Journal Journal
}

// Server accepts websocket clients and runs the world.
type Server struct {
	cfg      config.Server
	opts     Options
	world    *World
	sessions *SessionManager
	encoder  *wire.Encoder
	upgrader websocket.Upgrader

	listener net.Listener
	mu       sync.Mutex
}

// New creates a server. cfg must already be validated.
func New(cfg config.Server, opts Options) (*Server, error) {
	encoder := wire.NewEncoder(encodeBufSize)
	world, err := NewWorld(cfg, encoder)
	if err != nil {
		return nil, err
	}
	if opts.Archive != nil && cfg.Database.ArchiveEvery > 0 {
		world.archiveEvery = uint32(cfg.Database.ArchiveEvery)
	}
	return &Server{
		cfg:      cfg,
		opts:     opts,
		world:    world,
		sessions: NewSessionManager(cfg.IDs.MaxPlayers),
		encoder:  encoder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// Addr returns the address the server is listening on.
// Returns nil if the server hasn't started yet.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Sessions returns the connected sessions.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// World returns the simulation.
func (s *Server) World() *World {
	return s.world
}

// Run listens on cfg.Addr() and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the world and accepts websocket clients from ln.
// Used for testing with custom listeners.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleSync)
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.world.Run(gctx)
	})

	if s.opts.Archive != nil {
		g.Go(func() error {
			s.archiveLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("sync server started", "address", ln.Addr(), "path", s.cfg.Path)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.sessions.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	p, err := s.sessions.Reserve()
	if err != nil {
		slog.Warn("rejecting client", "remote", r.RemoteAddr, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	sess := NewSession(conn, p, s.encoder, SessionConfig{
		SendQueueSize: s.cfg.SendQueueSize,
		WriteTimeout:  s.cfg.WriteTimeout,
		ReadTimeout:   s.cfg.ReadTimeout,
		InputRate:     s.cfg.InputRate,
		InputBurst:    s.cfg.InputBurst,
	})
	s.sessions.Register(sess)
	defer s.sessions.Release(p)

	ctx := r.Context()
	journalID := s.openJournal(ctx, sess)

	go sess.writePump()

	if err := s.world.Join(ctx, sess); err != nil {
		sess.CloseAsync()
		return
	}

	slog.Info("client connected", "player", p, "remote", sess.RemoteAddr())
	err = sess.readPump(func(in wire.Input) {
		if err := s.world.Input(ctx, p, in); err != nil {
			sess.CloseAsync()
		}
	})
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Debug("read loop ended", "player", p, "error", err)
	}
	sess.CloseAsync()

	// the request context may already be gone; leave must still reach the world
	leaveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.world.Leave(leaveCtx, p); err != nil && !errors.Is(err, errWorldStopped) {
		slog.Warn("leave not delivered", "player", p, "error", err)
	}
	s.closeJournal(leaveCtx, p, journalID)
	slog.Info("client disconnected", "player", p)
}

func (s *Server) openJournal(ctx context.Context, sess *Session) int64 {
	if s.opts.Journal == nil {
		return 0
	}
	id, err := s.opts.Journal.Open(ctx, sess.Player(), sess.RemoteAddr(), s.world.Tick())
	if err != nil {
		slog.Warn("journal open failed", "player", sess.Player(), "error", err)
		return 0
	}
	return id
}

func (s *Server) closeJournal(ctx context.Context, p player.ID, id int64) {
	if s.opts.Journal == nil || id == 0 {
		return
	}
	if err := s.opts.Journal.Close(ctx, id, s.world.Tick()); err != nil {
		slog.Warn("journal close failed", "player", p, "error", err)
	}
}

// archiveLoop persists snapshots handed over by the world and prunes the
// archive to the configured window.
func (s *Server) archiveLoop(ctx context.Context) {
	keep := uint32(s.cfg.Database.KeepTicks)
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-s.world.Archived():
			saveCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			if err := s.opts.Archive.Save(saveCtx, snap); err != nil {
				slog.Error("archiving snapshot", "tick", snap.Tick, "error", err)
			}
			if keep > 0 && snap.Tick > keep {
				if n, err := s.opts.Archive.PruneBefore(saveCtx, snap.Tick-keep); err != nil {
					slog.Warn("pruning archive", "error", err)
				} else if n > 0 {
					slog.Debug("archive pruned", "removed", n, "before", snap.Tick-keep)
				}
			}
			cancel()
		}
	}
}
