// Package config loads the configuration of the tokenflow command from a
// YAML file, a .env file and TOKENFLOW_* environment variables, in that
// order of increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backends understood by the command.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOKENFLOW_"

const defaultConfigYAML = `# tokenflow configuration
backend: sqlite

# sqlite: file path; postgres: pgx DSN; redis: host:port; mongo: URI.
dsn: tokenflow.db

# redis key prefix and mongo database name.
prefix: "tokenflow:"
database: tokenflow

timers:
  shards: 1
  tick_interval: 100ms
  # bolt: timers.db

log:
  level: info
  format: text
`

// TimerConfig configures the temporal queue.
type TimerConfig struct {
	Shards       int           `yaml:"shards"`
	TickInterval time.Duration `yaml:"tick_interval"`

	// Bolt, when set, keeps timers in a bbolt file at this path.
	Bolt string `yaml:"bolt,omitempty"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config models the tokenflow configuration file.
type Config struct {
	Backend  string      `yaml:"backend"`
	DSN      string      `yaml:"dsn"`
	Prefix   string      `yaml:"prefix"`
	Database string      `yaml:"database"`
	Timers   TimerConfig `yaml:"timers"`
	Log      LogConfig   `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultConfigYAML), &cfg); err != nil {
		panic(fmt.Sprintf("config: invalid default configuration: %v", err))
	}
	return cfg
}

// DefaultYAML returns the commented default configuration file.
func DefaultYAML() string {
	return defaultConfigYAML
}

// Load reads the configuration. path may be empty, in which case only the
// defaults and the environment apply. A .env file in the working directory
// is loaded when present; variables already set in the environment win.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("BACKEND", &c.Backend)
	str("DSN", &c.DSN)
	str("PREFIX", &c.Prefix)
	str("DATABASE", &c.Database)
	str("TIMERS_BOLT", &c.Timers.Bolt)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup(EnvPrefix + "TIMERS_SHARDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sTIMERS_SHARDS: %w", EnvPrefix, err)
		}
		c.Timers.Shards = n
	}
	if v, ok := lookup(EnvPrefix + "TIMERS_TICK_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sTIMERS_TICK_INTERVAL: %w", EnvPrefix, err)
		}
		c.Timers.TickInterval = d
	}
	return nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres, BackendRedis, BackendMongo:
		if c.DSN == "" {
			return fmt.Errorf("config: backend %s needs a dsn", c.Backend)
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.Timers.Shards < 1 {
		return fmt.Errorf("config: timers.shards must be positive, got %d", c.Timers.Shards)
	}
	if c.Timers.TickInterval <= 0 {
		return fmt.Errorf("config: timers.tick_interval must be positive, got %s", c.Timers.TickInterval)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return lvl, nil
}

// Logger builds a logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
