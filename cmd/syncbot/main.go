// Command syncbot connects predicting clients to a sync server and walks
// their avatars in circles, logging reconciliation stats. Used for load and
// soak testing.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/netsync/internal/client"
	"github.com/udisondev/netsync/internal/config"
	"github.com/udisondev/netsync/internal/model"
)

const (
	ConfigPath = "config/syncserver.yaml"
	DefaultURL = "ws://127.0.0.1:7780/sync"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("NETSYNC_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	url := DefaultURL
	if u := os.Getenv("NETSYNC_URL"); u != "" {
		url = u
	}
	bots := 1
	if n := os.Getenv("NETSYNC_BOTS"); n != "" {
		if bots, err = strconv.Atoi(n); err != nil || bots <= 0 {
			return fmt.Errorf("NETSYNC_BOTS must be a positive integer, got %q", n)
		}
	}

	slog.Info("syncbot starting", "url", url, "bots", bots)

	g, gctx := errgroup.WithContext(ctx)
	for i := range bots {
		g.Go(func() error {
			return runBot(gctx, i, url, cfg)
		})
	}
	return g.Wait()
}

func runBot(ctx context.Context, n int, url string, cfg config.Server) error {
	c, err := client.Dial(ctx, url, cfg)
	if err != nil {
		return fmt.Errorf("bot %d: %w", n, err)
	}

	// each bot walks a circle of its own phase
	phase := float64(n) * math.Pi / 4
	period := float64(cfg.TickRate) * 4
	drive := func(tick uint32) model.Input {
		a := phase + 2*math.Pi*float64(tick)/period
		return model.Input{VX: float32(20 * math.Cos(a)), VY: float32(20 * math.Sin(a))}
	}

	start := time.Now()
	err = c.Run(ctx, drive)
	st := c.Stats()
	slog.Info("bot finished",
		"bot", n,
		"player", c.Player(),
		"ticks", c.Tick(),
		"received", st.Received,
		"rollbacks", st.Rollbacks,
		"resimulated", st.Resimulated,
		"stale", st.Stale,
		"uptime", time.Since(start).Round(time.Second))
	if err != nil {
		return fmt.Errorf("bot %d: %w", n, err)
	}
	return nil
}
