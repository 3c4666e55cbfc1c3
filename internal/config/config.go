// Package config loads the server's process configuration from the
// environment and optional .env files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrInvalidConfig is returned when the environment holds unusable values.
var ErrInvalidConfig = errors.New("invalid server configuration")

// Config is the server configuration. Rule definitions live in the rules file.
type Config struct {
	Addr      string `env:"SEIGEN_ADDR" envDefault:":8080"`
	RulesFile string `env:"SEIGEN_RULES_FILE"` // Empty: default rule

	RedisAddr     string `env:"SEIGEN_REDIS_ADDR"` // Empty: no ban feed
	RedisPassword string `env:"SEIGEN_REDIS_PASSWORD"`
	RedisDB       int    `env:"SEIGEN_REDIS_DB" envDefault:"0"`
	RedisChannel  string `env:"SEIGEN_REDIS_CHANNEL" envDefault:"seigen:bans"`

	LogLevel  string `env:"SEIGEN_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SEIGEN_LOG_FORMAT" envDefault:"json"` // json | text

	// Per-client stats shown on /stats and the dashboard
	ClientStatsMax  int           `env:"SEIGEN_CLIENT_STATS_MAX" envDefault:"10000"`
	ClientStatsIdle time.Duration `env:"SEIGEN_CLIENT_STATS_IDLE" envDefault:"10m"`

	// Overrides the rules file's sweep_interval when set
	SweepInterval   time.Duration `env:"SEIGEN_SWEEP_INTERVAL"`
	ShutdownTimeout time.Duration `env:"SEIGEN_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads .env.local and .env, when present, and parses the environment.
// Variables already set in the process win over the files.
func Load() (Config, error) {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return Parse()
}

// Parse parses the process environment without touching .env files.
func Parse() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, errors.Join(ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: SEIGEN_LOG_FORMAT must be json or text, got %q", ErrInvalidConfig, c.LogFormat)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("%w: SEIGEN_SWEEP_INTERVAL cannot be negative", ErrInvalidConfig)
	}
	if c.ClientStatsMax < 1 {
		return fmt.Errorf("%w: SEIGEN_CLIENT_STATS_MAX must be at least 1", ErrInvalidConfig)
	}
	if c.ClientStatsIdle <= 0 {
		return fmt.Errorf("%w: SEIGEN_CLIENT_STATS_IDLE must be positive", ErrInvalidConfig)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: SEIGEN_SHUTDOWN_TIMEOUT must be positive", ErrInvalidConfig)
	}
	return nil
}

// Level returns the parsed log level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: SEIGEN_LOG_LEVEL: %v", ErrInvalidConfig, err)
	}
	return level, nil
}

// NewLogger builds the process logger.
func (c Config) NewLogger(w *os.File) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(c.LogFormat, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With(slog.String("service", "seigen"))
}
