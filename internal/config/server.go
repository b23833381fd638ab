package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/udisondev/netsync/internal/netid"
	"github.com/udisondev/netsync/internal/player"
	"github.com/udisondev/netsync/internal/throttle"
)

// IDPartitions describes how the network id index space is split: one range
// for world-owned objects and one equally sized range per player slot.
// Scene objects use generation 0 and may reuse any index.
type IDPartitions struct {
	WorldMin   int `yaml:"world_min" toml:"world_min"`
	WorldMax   int `yaml:"world_max" toml:"world_max"`
	PlayerBase int `yaml:"player_base" toml:"player_base"`
	PlayerSize int `yaml:"player_size" toml:"player_size"`
	MaxPlayers int `yaml:"max_players" toml:"max_players"`
}

// World returns the world partition.
func (p IDPartitions) World() netid.Range {
	return netid.Range{Min: p.WorldMin, Max: p.WorldMax}
}

// Player returns the partition of player slot id.
func (p IDPartitions) Player(id player.ID) netid.Range {
	lo := p.PlayerBase + int(id)*p.PlayerSize
	return netid.Range{Min: lo, Max: lo + p.PlayerSize - 1}
}

// Space builds the full allocator layout. Server and clients build the same
// layout so every peer can resync ids allocated by any other.
func (p IDPartitions) Space() (*netid.Space[player.ID], error) {
	space := netid.NewSpace[player.ID]()
	if _, err := space.Add(player.World, p.World()); err != nil {
		return nil, err
	}
	for i := range p.MaxPlayers {
		if _, err := space.Add(player.ID(i), p.Player(player.ID(i))); err != nil {
			return nil, err
		}
	}
	return space, nil
}

func (p IDPartitions) validate() error {
	if p.MaxPlayers <= 0 {
		return fmt.Errorf("max_players must be positive, got %d", p.MaxPlayers)
	}
	if p.PlayerSize <= 0 {
		return fmt.Errorf("player_size must be positive, got %d", p.PlayerSize)
	}
	world := p.World()
	if world.Min < 0 || world.Min > world.Max || world.Max > netid.MaxIndex {
		return fmt.Errorf("world range %s is invalid", world)
	}
	last := p.Player(player.ID(p.MaxPlayers - 1))
	if p.PlayerBase < 0 || last.Max > netid.MaxIndex {
		return fmt.Errorf("player ranges [%d, %d] exceed index space", p.PlayerBase, last.Max)
	}
	if world.Overlaps(netid.Range{Min: p.PlayerBase, Max: last.Max}) {
		return fmt.Errorf("world range %s overlaps player ranges", world)
	}
	return nil
}

// SceneObject is a statically placed body known to every peer in advance.
type SceneObject struct {
	Index uint16  `yaml:"index" toml:"index"`
	X     float32 `yaml:"x" toml:"x"`
	Y     float32 `yaml:"y" toml:"y"`
}

// Server holds all configuration for the sync server.
type Server struct {
	// Network
	BindAddress string `yaml:"bind_address" toml:"bind_address"`
	Port        int    `yaml:"port" toml:"port"`
	Path        string `yaml:"path" toml:"path"`

	LogLevel string `yaml:"log_level" toml:"log_level"`

	// Simulation
	TickRate     int                    `yaml:"tick_rate" toml:"tick_rate"` // ticks per second
	Throttle     []throttle.StageMillis `yaml:"throttle" toml:"throttle"`
	IDs          IDPartitions           `yaml:"ids" toml:"ids"`
	HistoryTicks int                    `yaml:"history_ticks" toml:"history_ticks"`
	Scene        []SceneObject          `yaml:"scene" toml:"scene"`

	// Write queue / timeouts
	WriteTimeout  time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	SendQueueSize int           `yaml:"send_queue_size" toml:"send_queue_size"`

	// Input flood protection
	InputRate  float64 `yaml:"input_rate" toml:"input_rate"` // messages per second
	InputBurst int     `yaml:"input_burst" toml:"input_burst"`

	Database DatabaseConfig `yaml:"database" toml:"database"`
}

// DefaultServer returns Server config with sensible defaults.
func DefaultServer() Server {
	return Server{
		BindAddress: "0.0.0.0",
		Port:        7780,
		Path:        "/sync",
		LogLevel:    "info",
		TickRate:    50,
		Throttle:    throttle.DefaultStages(),
		IDs: IDPartitions{
			WorldMin:   1,
			WorldMax:   999,
			PlayerBase: 1000,
			PlayerSize: 1000,
			MaxPlayers: 64,
		},
		HistoryTicks: 64,
		Scene: []SceneObject{
			{Index: 1, X: 0, Y: 0},
			{Index: 2, X: 100, Y: 100},
		},
		WriteTimeout:  5 * time.Second,
		ReadTimeout:   30 * time.Second,
		SendQueueSize: 256,
		InputRate:     120,
		InputBurst:    30,
		Database:      DefaultDatabase(),
	}
}

// LoadServer loads sync server config from a YAML or TOML file.
// If the file doesn't exist, returns defaults.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// ThrottleConfig converts the millisecond throttle stages to ticks.
func (s Server) ThrottleConfig() (throttle.Config, error) {
	return throttle.NewConfig(s.Throttle, s.TickRate)
}

// TickInterval returns the wall-clock length of one tick.
func (s Server) TickInterval() time.Duration {
	return time.Second / time.Duration(s.TickRate)
}

// Validate reports the first inconsistency in s.
func (s Server) Validate() error {
	if s.TickRate <= 0 {
		return fmt.Errorf("tick_rate must be positive, got %d", s.TickRate)
	}
	if _, err := s.ThrottleConfig(); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	if err := s.IDs.validate(); err != nil {
		return fmt.Errorf("ids: %w", err)
	}
	if s.HistoryTicks <= 0 {
		return errors.New("history_ticks must be positive")
	}
	seen := make(map[uint16]bool, len(s.Scene))
	for _, obj := range s.Scene {
		if obj.Index == 0 || seen[obj.Index] {
			return fmt.Errorf("scene index %d is reserved or repeated", obj.Index)
		}
		seen[obj.Index] = true
	}
	if s.Path == "" || s.Path[0] != '/' {
		return fmt.Errorf("path must start with '/', got %q", s.Path)
	}
	return nil
}

// ParseLogLevel converts string log level to slog.Level.
// Defaults to Info if invalid or empty.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
