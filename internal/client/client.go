// Package client is a predicting sync client. It simulates its own avatar
// ahead of the server, reconciles every snapshot it receives and replays
// stored input after a rollback.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/udisondev/netsync/internal/config"
	"github.com/udisondev/netsync/internal/model"
	"github.com/udisondev/netsync/internal/player"
	"github.com/udisondev/netsync/internal/predict"
	"github.com/udisondev/netsync/internal/registry"
	"github.com/udisondev/netsync/internal/snapshot"
	"github.com/udisondev/netsync/internal/wire"
)

const (
	incomingQueueSize = 256
	handshakeTimeout  = 5 * time.Second
)

var (
	ErrNoHello          = errors.New("client: server did not greet")
	ErrConfigMismatch   = errors.New("client: server layout differs from local config")
	errUnexpectedServer = errors.New("client: unexpected message from server")
)

// Driver chooses the input for a predicted tick.
type Driver func(tick uint32) model.Input

// Stats counts reconciliation outcomes.
type Stats struct {
	Received    int
	Stale       int
	Unpredicted int
	Rollbacks   int
	Resimulated int
}

// Client is connected to one sync server. All methods except Dial must be
// called from the goroutine running Run, or after Run returns.
type Client struct {
	cfg     config.Server
	conn    *websocket.Conn
	hello   wire.Hello
	reg     *registry.Registry
	spawner *model.Spawner
	rec     *predict.Reconciler
	dt      float32

	tick     uint32
	inputs   map[uint32]model.Input
	incoming chan *snapshot.Snapshot
	stats    Stats
}

// Dial connects to url, waits for the greeting and checks it against cfg.
func Dial(ctx context.Context, url string, cfg config.Server) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	hello, err := readHello(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if int(hello.TickRate) != cfg.TickRate || hello.IDs != cfg.IDs.Player(hello.Player) {
		conn.Close()
		return nil, fmt.Errorf("%w: tick rate %d, ids %s", ErrConfigMismatch, hello.TickRate, hello.IDs)
	}

	c, err := newClient(conn, hello, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("connected", "url", url, "player", hello.Player, "tick", hello.Tick)
	return c, nil
}

func readHello(conn *websocket.Conn) (wire.Hello, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return wire.Hello{}, err
	}
	defer conn.SetReadDeadline(time.Time{})

	_, payload, err := conn.ReadMessage()
	if err != nil {
		return wire.Hello{}, fmt.Errorf("%w: %w", ErrNoHello, err)
	}
	env, err := wire.Unmarshal(payload)
	if err != nil {
		return wire.Hello{}, fmt.Errorf("%w: %w", ErrNoHello, err)
	}
	if env.Hello == nil {
		return wire.Hello{}, ErrNoHello
	}
	return *env.Hello, nil
}

func newClient(conn *websocket.Conn, hello wire.Hello, cfg config.Server) (*Client, error) {
	space, err := cfg.IDs.Space()
	if err != nil {
		return nil, fmt.Errorf("building id space: %w", err)
	}
	tc, err := cfg.ThrottleConfig()
	if err != nil {
		return nil, fmt.Errorf("throttle: %w", err)
	}

	spawner := model.NewSpawner()
	reg := registry.New(hello.Player, space, tc, spawner)
	scene := make([]registry.Object, 0, len(cfg.Scene))
	for _, obj := range cfg.Scene {
		scene = append(scene, model.NewSceneBody(obj.Index, obj.X, obj.Y))
	}
	if err := reg.RegisterScene(scene); err != nil {
		return nil, fmt.Errorf("registering scene: %w", err)
	}

	return &Client{
		cfg:      cfg,
		conn:     conn,
		hello:    hello,
		reg:      reg,
		spawner:  spawner,
		rec:      predict.New(reg, cfg.HistoryTicks),
		dt:       float32(cfg.TickInterval().Seconds()),
		tick:     hello.Tick,
		inputs:   make(map[uint32]model.Input),
		incoming: make(chan *snapshot.Snapshot, incomingQueueSize),
	}, nil
}

// Player returns the slot assigned by the server.
func (c *Client) Player() player.ID {
	return c.hello.Player
}

// Tick returns the last predicted tick.
func (c *Client) Tick() uint32 {
	return c.tick
}

// Registry exposes the local object registry.
func (c *Client) Registry() *registry.Registry {
	return c.reg
}

// Confirmed returns the latest server state, or nil.
func (c *Client) Confirmed() *snapshot.Snapshot {
	return c.rec.Confirmed()
}

// Stats returns reconciliation counters.
func (c *Client) Stats() Stats {
	return c.stats
}

// Avatar returns the body this client controls, once the server spawned it.
func (c *Client) Avatar() (*model.Body, bool) {
	for _, obj := range c.reg.WithInput() {
		if obj.PredictedBy() != c.hello.Player {
			continue
		}
		if b, ok := c.spawner.Body(obj.ID()); ok {
			return b, true
		}
	}
	return nil, false
}

// Run predicts one tick per tick interval, sending drive's input to the
// server, until ctx is done or the connection fails.
func (c *Client) Run(ctx context.Context, drive Driver) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.readLoop(gctx)
	})

	g.Go(func() error {
		defer c.close()
		ticker := time.NewTicker(c.cfg.TickInterval())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := c.reconcile(); err != nil {
					return err
				}
				if err := c.predict(drive); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) close() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.conn.Close()
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading: %w", err)
		}
		env, err := wire.Unmarshal(payload)
		if err != nil {
			slog.Warn("malformed message from server", "error", err)
			continue
		}
		if env.Snapshot == nil {
			return errUnexpectedServer
		}
		select {
		case c.incoming <- env.Snapshot:
		case <-ctx.Done():
			return nil
		}
	}
}

// reconcile folds every received snapshot into the local state.
func (c *Client) reconcile() error {
	for {
		select {
		case s := <-c.incoming:
			if err := c.receive(s); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Client) receive(s *snapshot.Snapshot) error {
	c.stats.Received++
	res, err := c.rec.Receive(s)
	if err != nil {
		return err
	}
	switch {
	case res.Stale:
		c.stats.Stale++
		return nil
	case res.Rollback:
		c.stats.Rollbacks++
	case res.Unpredicted:
		c.stats.Unpredicted++
	default:
		return nil
	}

	if res.Tick >= c.tick {
		// the server is ahead of the prediction; continue from its tick
		c.tick = res.Tick
		return nil
	}
	return c.resimulate(res.Tick)
}

// resimulate replays stored input from the tick after from up to the
// current tick, re-recording each prediction.
func (c *Client) resimulate(from uint32) error {
	for t := from + 1; t <= c.tick; t++ {
		if err := c.simulate(t, c.inputs[t]); err != nil {
			return err
		}
		c.stats.Resimulated++
	}
	return nil
}

func (c *Client) predict(drive Driver) error {
	next := c.tick + 1
	in := drive(next)
	c.inputs[next] = in
	if old := next - uint32(c.cfg.HistoryTicks); next > uint32(c.cfg.HistoryTicks) {
		delete(c.inputs, old)
	}

	if err := c.simulate(next, in); err != nil {
		return err
	}
	c.tick = next

	data, err := model.MarshalInput(in)
	if err != nil {
		return err
	}
	buf, err := wire.Marshal(wire.Envelope{Input: &wire.Input{Tick: next, Data: data}})
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("sending input: %w", err)
	}
	return nil
}

// simulate advances predictable objects by one tick and records the result.
func (c *Client) simulate(tick uint32, in model.Input) error {
	if avatar, ok := c.Avatar(); ok {
		avatar.ApplyInput(in)
	}
	for _, obj := range c.reg.Predictable() {
		if b, ok := obj.(*model.Body); ok {
			b.Step(c.dt)
		}
	}
	s, err := c.reg.Collect(tick, time.Now())
	if err != nil {
		return err
	}
	c.rec.Record(s)
	return nil
}
