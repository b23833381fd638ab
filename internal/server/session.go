package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/udisondev/netsync/internal/player"
	"github.com/udisondev/netsync/internal/wire"
)

// Default write queue / timeout constants.
// Overridden by config values when available.
const (
	defaultSendQueueSize = 256
	defaultWriteTimeout  = 5 * time.Second
	defaultReadTimeout   = 30 * time.Second

	maxMessageSize = 64 << 10
)

var (
	errQueueFull     = errors.New("send queue full")
	errSessionClosed = errors.New("session closed")
)

// Session is one websocket connection bound to a player slot.
type Session struct {
	conn   *websocket.Conn
	player player.ID
	remote string

	// Per-session write queue, drained by writePump.
	sendCh    chan []byte // encoded envelopes owned by the encoder pool
	closeCh   chan struct{}
	closeOnce sync.Once

	encoder      *wire.Encoder
	writeTimeout time.Duration
	readTimeout  time.Duration

	// limiter drops input floods before they reach the tick loop.
	limiter *rate.Limiter
}

// SessionConfig carries the per-connection limits.
type SessionConfig struct {
	SendQueueSize int
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
	InputRate     float64
	InputBurst    int
}

// NewSession wraps an upgraded connection.
func NewSession(conn *websocket.Conn, p player.ID, encoder *wire.Encoder, cfg SessionConfig) *Session {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	limit := rate.Inf
	if cfg.InputRate > 0 {
		limit = rate.Limit(cfg.InputRate)
	}

	return &Session{
		conn:         conn,
		player:       p,
		remote:       conn.RemoteAddr().String(),
		sendCh:       make(chan []byte, cfg.SendQueueSize),
		closeCh:      make(chan struct{}),
		encoder:      encoder,
		writeTimeout: cfg.WriteTimeout,
		readTimeout:  cfg.ReadTimeout,
		limiter:      rate.NewLimiter(limit, max(1, cfg.InputBurst)),
	}
}

// Player returns the player slot of the session.
func (s *Session) Player() player.ID {
	return s.player
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.remote
}

// Done is closed once the session starts shutting down.
func (s *Session) Done() <-chan struct{} {
	return s.closeCh
}

// writePump is the only writer of the connection. It sends queued
// envelopes as binary frames and pings the peer between them. The
// connection is closed when it returns, which also ends readPump.
//
// Pattern: Gorilla WebSocket Chat.
func (s *Session) writePump() {
	ping := time.NewTicker(s.readTimeout * 9 / 10)
	defer func() {
		ping.Stop()
		s.conn.Close()
		// Drain remaining messages and return them to the pool
		for {
			select {
			case msg := <-s.sendCh:
				s.encoder.Release(msg)
			default:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-s.sendCh:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				s.encoder.Release(msg)
				slog.Warn("set write deadline failed", "player", s.player, "error", err)
				s.CloseAsync()
				return
			}
			err := s.conn.WriteMessage(websocket.BinaryMessage, msg)
			s.encoder.Release(msg)
			if err != nil {
				slog.Warn("write failed", "player", s.player, "error", err)
				s.CloseAsync()
				return
			}

		case <-ping.C:
			deadline := time.Now().Add(s.writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				slog.Debug("ping failed", "player", s.player, "error", err)
				s.CloseAsync()
				return
			}

		case <-s.closeCh:
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// readPump reads envelopes until the connection fails or the session is
// closed. Inputs above the rate limit are dropped. Only Input messages are
// accepted from clients.
func (s *Session) readPump(onInput func(wire.Input)) error {
	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	for {
		kind, payload, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}
		if kind != websocket.BinaryMessage {
			slog.Debug("non-binary frame ignored", "player", s.player)
			continue
		}
		if !s.limiter.Allow() {
			slog.Debug("input rate exceeded, message dropped", "player", s.player)
			continue
		}

		env, err := wire.Unmarshal(payload)
		if err != nil {
			slog.Warn("malformed message", "player", s.player, "error", err)
			continue
		}
		if env.Input == nil {
			slog.Warn("unexpected message from client", "player", s.player)
			continue
		}
		onInput(*env.Input)
	}
}

// Send queues an encoded envelope for async delivery.
// Non-blocking: a full queue means a slow client, which is disconnected.
// OWNERSHIP: takes ownership of msg; it goes back to the encoder pool.
func (s *Session) Send(msg []byte) error {
	select {
	case <-s.closeCh:
		s.encoder.Release(msg)
		return errSessionClosed
	default:
	}

	select {
	case s.sendCh <- msg:
		return nil
	default:
		s.encoder.Release(msg)
		slog.Warn("send queue full, disconnecting slow client", "player", s.player)
		s.CloseAsync()
		return errQueueFull
	}
}

// CloseAsync signals the writePump to stop without blocking.
// Safe to call multiple times.
func (s *Session) CloseAsync() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
}

// Close stops the writePump and closes the connection.
func (s *Session) Close() error {
	s.CloseAsync()
	return s.conn.Close()
}
