// Package config loads the livesetd process configuration from a TOML
// file (SPEC_FULL.md §6.4). The teacher has no config loader; TOML typed
// config is a supplemented ambient concern.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level process configuration.
type Config struct {
	Environment string `toml:"environment"`

	Backend  string         `toml:"backend"` // "binlog" or "notify"
	MySQL    MySQLConfig    `toml:"mysql"`
	Postgres PostgresConfig `toml:"postgres"`

	HTTP HTTPConfig `toml:"http"`

	DefaultMinIntervalMs int `toml:"default_min_interval_ms"`
}

// MySQLConfig configures the replication-log backend.
type MySQLConfig struct {
	DSN      string `toml:"dsn"`
	Database string `toml:"database"`
	ServerID uint32 `toml:"server_id"`
}

// PostgresConfig configures the LISTEN/NOTIFY backend.
type PostgresConfig struct {
	DSN     string `toml:"dsn"`
	Channel string `toml:"channel"`
}

// HTTPConfig configures the subscriber-facing transport.
type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// DefaultMinInterval returns the configured default re-evaluation rate
// limit as a time.Duration.
func (c Config) DefaultMinInterval() time.Duration {
	return time.Duration(c.DefaultMinIntervalMs) * time.Millisecond
}

// Load reads and parses the TOML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{
		Environment:          "development",
		DefaultMinIntervalMs: 200,
		HTTP:                 HTTPConfig{Addr: ":8080"},
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Backend != "binlog" && cfg.Backend != "notify" {
		return nil, fmt.Errorf("config: backend must be \"binlog\" or \"notify\", got %q", cfg.Backend)
	}
	return cfg, nil
}
