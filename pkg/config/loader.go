package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// ConfigPaths returns the default locations searched for a config file
func ConfigPaths() []string {
	paths := []string{
		"embark.toml",
		"/etc/embark/embark.toml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "embark", "embark.toml"))
	}
	return paths
}

// Load loads configuration from a file path. An empty path searches the
// default locations and falls back to defaults when nothing is found.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDie loads configuration or exits on error
func LoadOrDie(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// applyEnvOverrides applies environment variable overrides to the
// configuration
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EMBARK_APP_NAME"); v != "" {
		cfg.App.Name = v
	}

	// Logging overrides
	if v := os.Getenv("EMBARK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EMBARK_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("EMBARK_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}

	// Journal overrides
	if v := os.Getenv("EMBARK_JOURNAL_ENABLED"); v != "" {
		cfg.Journal.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("EMBARK_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("EMBARK_JOURNAL_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.Journal.RetentionDays = days
		}
	}

	// Event stream overrides
	if v := os.Getenv("EMBARK_EVENTS_STREAM_ENABLED"); v != "" {
		cfg.Events.StreamEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("EMBARK_EVENTS_STREAM_ADDR"); v != "" {
		cfg.Events.StreamAddr = v
	}
}
