package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig holds PostgreSQL connection parameters and the snapshot
// archive policy.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	User     string `yaml:"user" toml:"user"`
	Password string `yaml:"password" toml:"password"`
	DBName   string `yaml:"dbname" toml:"dbname"`
	SSLMode  string `yaml:"sslmode" toml:"sslmode"`

	// ArchiveEvery stores every n-th tick's snapshot (0 disables archiving).
	ArchiveEvery int `yaml:"archive_every" toml:"archive_every"`
	// KeepTicks prunes archived snapshots older than this many ticks.
	KeepTicks int `yaml:"keep_ticks" toml:"keep_ticks"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// DefaultDatabase returns a disabled local database configuration.
func DefaultDatabase() DatabaseConfig {
	return DatabaseConfig{
		Host:         "127.0.0.1",
		Port:         5432,
		User:         "netsync",
		Password:     "netsync",
		DBName:       "netsync",
		SSLMode:      "disable",
		ArchiveEvery: 50,
		KeepTicks:    50 * 60 * 10,
	}
}

// load reads path into cfg. The format follows the extension: .toml is
// TOML, anything else YAML. A missing file leaves cfg untouched.
func load(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	return nil
}
