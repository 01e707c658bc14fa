// Package config provides configuration types and defaults for sessiond.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration options for the session daemon.
type Config struct {
	// DBPath is the path to the SQLite database file holding sessions,
	// messages, and history events.
	DBPath string `mapstructure:"db_path"`

	// WorktreesRoot is loaded from the worktrees_root key, but no component
	// reads it: managed worktrees are always created under
	// <repo_root>/.sessiond/worktrees.
	WorktreesRoot string `mapstructure:"worktrees_root"`

	// InterruptDeadline bounds how long a graceful interrupt waits for
	// the agent process to exit. When it passes, the Supervisor restores the
	// session to running and returns an error; the process is not killed.
	InterruptDeadline time.Duration `mapstructure:"interrupt_deadline"`

	// AgentOverride, if set, is the absolute path to the agent CLI
	// executable, bypassing PATH resolution.
	AgentOverride string `mapstructure:"agent_override"`

	// MaxConcurrentSessions is loaded and checked to be non-negative, but no
	// component reads it: the number of running sessions is not capped.
	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions"`

	// Tracing configures the OpenTelemetry span exporter.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig mirrors tracing.Config's shape so it can be populated from
// viper without importing the tracing package's yaml tags directly.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Defaults returns the baseline configuration applied before any config
// file or flag overrides it.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DBPath:                filepath.Join(home, ".config", "sessiond", "sessiond.db"),
		WorktreesRoot:         "",
		InterruptDeadline:     10 * time.Second,
		AgentOverride:         "",
		MaxConcurrentSessions: 0,
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the config for internally inconsistent values that
// viper's unmarshal step can't catch on its own.
func Validate(cfg Config) error {
	if cfg.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if cfg.InterruptDeadline <= 0 {
		return fmt.Errorf("interrupt_deadline must be positive, got %s", cfg.InterruptDeadline)
	}
	if cfg.MaxConcurrentSessions < 0 {
		return fmt.Errorf("max_concurrent_sessions must not be negative, got %d", cfg.MaxConcurrentSessions)
	}
	return nil
}
