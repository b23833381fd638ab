// Package throttle decides per tick whether an object's unchanged state may
// be left out of the outgoing snapshot.
//
// An object starts in stage 0, which normally sends every tick. Each stage
// lasts Duration ticks and then hands over to the next one, which sends less
// often. Any change of state restarts at stage 0.
package throttle

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoStages is returned when a configuration has no stages.
var ErrNoStages = errors.New("throttle: no stages configured")

// Stage is one step of the schedule, expressed in ticks.
// Duration <= 0 means the stage never ends. Frequency <= 1 means every tick is sent.
type Stage struct {
	Duration  int
	Frequency int
}

// StageMillis is a Stage expressed in milliseconds, as found in configuration.
type StageMillis struct {
	DurationMs  int `yaml:"duration_ms" toml:"duration_ms"`
	FrequencyMs int `yaml:"frequency_ms" toml:"frequency_ms"`
}

// Config is an ordered list of stages.
type Config struct {
	Stages []Stage
}

// DefaultStages: every tick for 500ms, every 200ms for the next second,
// then once per second.
func DefaultStages() []StageMillis {
	return []StageMillis{
		{DurationMs: 500, FrequencyMs: 0},
		{DurationMs: 1000, FrequencyMs: 200},
		{DurationMs: 0, FrequencyMs: 1000},
	}
}

// NewConfig converts millisecond stages to ticks at tickRate ticks per second.
// Non-zero values round up and never drop below one tick.
func NewConfig(stages []StageMillis, tickRate int) (Config, error) {
	if len(stages) == 0 {
		return Config{}, ErrNoStages
	}
	if tickRate <= 0 {
		return Config{}, fmt.Errorf("throttle: tick rate must be positive, got %d", tickRate)
	}
	cfg := Config{Stages: make([]Stage, len(stages))}
	for i, s := range stages {
		cfg.Stages[i] = Stage{
			Duration:  msToTicks(s.DurationMs, tickRate),
			Frequency: msToTicks(s.FrequencyMs, tickRate),
		}
	}
	return cfg, nil
}

func msToTicks(ms, tickRate int) int {
	if ms <= 0 {
		return 0
	}
	return max(1, int(math.Ceil(float64(ms)*float64(tickRate)/1000)))
}

// EqualFunc compares two serialized states with the object's domain
// equality (numeric tolerance, not byte equality).
type EqualFunc func(a, b []byte) bool

// State is the per-object throttle state machine.
type State struct {
	cfg      Config
	stage    int
	ticks    int
	previous []byte
	hasPrev  bool
}

// NewState returns a state machine at stage 0 with no previous state.
func NewState(cfg Config) *State {
	return &State{cfg: cfg}
}

// Update feeds the current serialized state and reports whether sending it
// may be skipped this tick. The first call never skips.
func (s *State) Update(current []byte, equal EqualFunc) bool {
	if len(s.cfg.Stages) == 0 {
		s.remember(current)
		return false
	}

	s.ticks++

	same := s.hasPrev && equal(s.previous, current)
	if !same {
		s.stage = 0
		s.ticks = 0
	}

	stage := s.cfg.Stages[s.stage]
	if stage.Duration > 0 && s.ticks >= stage.Duration {
		if s.stage < len(s.cfg.Stages)-1 {
			s.stage++
		}
		s.ticks = 0
	}

	freq := s.cfg.Stages[s.stage].Frequency
	canSkip := same && freq > 1 && s.ticks%freq != 0
	if !canSkip {
		s.remember(current)
	}
	return canSkip
}

func (s *State) remember(current []byte) {
	s.previous = append(s.previous[:0], current...)
	s.hasPrev = true
}

// Stage returns the current stage index.
func (s *State) Stage() int {
	return s.stage
}

// Reset forgets the previous state so the next update is always sent.
func (s *State) Reset() {
	s.stage = 0
	s.ticks = 0
	s.previous = s.previous[:0]
	s.hasPrev = false
}
