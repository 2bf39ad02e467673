// Package config provides configuration management for the Embark
// bootstrap. Supports TOML configuration files with environment variable
// overrides.
package config

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error", or "off"
	Level string `toml:"level"`

	// Format is "text" or "json"
	Format string `toml:"format"`

	// Output is "stdout", "stderr", or a file path
	Output string `toml:"output"`
}

// JournalConfig holds failure journal configuration
type JournalConfig struct {
	// Enabled turns persistent failure journaling on
	Enabled bool `toml:"enabled"`

	// Path is the SQLite database file for journaled failures
	Path string `toml:"path"`

	// RetentionDays is how long journaled failures are kept
	RetentionDays int `toml:"retention_days"`

	// CleanupSchedule is a cron expression for retention pruning
	CleanupSchedule string `toml:"cleanup_schedule"`
}

// EventsConfig holds event bus and stream configuration
type EventsConfig struct {
	// BufferSize is the per-subscriber channel buffer
	BufferSize int `toml:"buffer_size"`

	// StreamEnabled exposes lifecycle events over websocket
	StreamEnabled bool `toml:"stream_enabled"`

	// StreamAddr is the websocket listen address
	StreamAddr string `toml:"stream_addr"`

	// StreamPath is the websocket endpoint path
	StreamPath string `toml:"stream_path"`

	// StreamRate limits events per second per observer
	StreamRate float64 `toml:"stream_rate"`

	// StreamBurst is the per-observer burst allowance
	StreamBurst int `toml:"stream_burst"`

	// WriteTimeout is the websocket write deadline
	WriteTimeout time.Duration `toml:"write_timeout"`
}

// AppConfig holds application identity configuration
type AppConfig struct {
	// Name identifies the application in logs and events
	Name string `toml:"name"`
}

// Config is the root Embark configuration
type Config struct {
	App     AppConfig     `toml:"app"`
	Logging LoggingConfig `toml:"logging"`
	Journal JournalConfig `toml:"journal"`
	Events  EventsConfig  `toml:"events"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name: "embark-app",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Journal: JournalConfig{
			Enabled:         false,
			Path:            "/var/lib/embark/failures.db",
			RetentionDays:   30,
			CleanupSchedule: "13 3 * * *",
		},
		Events: EventsConfig{
			BufferSize:   64,
			StreamAddr:   "127.0.0.1:8710",
			StreamPath:   "/events",
			StreamRate:   20,
			StreamBurst:  40,
			WriteTimeout: 5 * time.Second,
		},
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "off":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Logging.Format)
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("%w: journal enabled without a database path", ErrInvalidConfig)
	}
	if c.Journal.RetentionDays < 0 {
		return fmt.Errorf("%w: negative journal retention", ErrInvalidConfig)
	}

	if c.Events.StreamEnabled {
		if c.Events.StreamAddr == "" {
			return fmt.Errorf("%w: event stream enabled without a listen address", ErrInvalidConfig)
		}
		if c.Events.StreamPath == "" {
			return fmt.Errorf("%w: event stream enabled without a path", ErrInvalidConfig)
		}
	}
	if c.Events.BufferSize < 0 {
		return fmt.Errorf("%w: negative event buffer size", ErrInvalidConfig)
	}

	return nil
}
