// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the feverdream
// client.
//
// Configuration is loaded from a single YAML file specified by:
//   - FEVERDREAM_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar is the environment variable naming the config file.
const EnvVar = "FEVERDREAM_CONFIG"

// Duration is a time.Duration that unmarshals from YAML strings like
// "60s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library form of the duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the client configuration.
type Config struct {
	// HomeserverURL is the base URL of the Matrix homeserver
	// (e.g., "https://matrix.feverdream.chat").
	HomeserverURL string `yaml:"homeserver_url"`

	// StateDir holds the session record, the crypto store, and cache
	// snapshots. Created with 0700 on first use.
	StateDir string `yaml:"state_dir"`

	// Sync tunes the sync loop.
	Sync SyncConfig `yaml:"sync,omitempty"`

	// Encryption tunes the room encryption coordinator.
	Encryption EncryptionConfig `yaml:"encryption,omitempty"`
}

// SyncConfig tunes the sync loop.
type SyncConfig struct {
	// Interval is the sleep between successful sync rounds.
	// Defaults to 60s. Failed rounds sleep twice this.
	Interval Duration `yaml:"interval,omitempty"`

	// LongPollTimeout is the server-side /sync hold time.
	// Defaults to 30s.
	LongPollTimeout Duration `yaml:"long_poll_timeout,omitempty"`
}

// EncryptionConfig tunes the room encryption coordinator.
type EncryptionConfig struct {
	// StateProbeTimeout bounds the room encryption state lookup.
	// Defaults to 5s.
	StateProbeTimeout Duration `yaml:"state_probe_timeout,omitempty"`

	// PropagationDelay is the wait after sharing a room key before
	// retrying trial encryption. Defaults to 3s.
	PropagationDelay Duration `yaml:"propagation_delay,omitempty"`

	// SetupTimeout bounds the whole ensure-encryption operation on
	// the send path. Defaults to 15s.
	SetupTimeout Duration `yaml:"setup_timeout,omitempty"`
}

// Default returns a configuration with no homeserver and the state
// directory under the user's home. Commands that only need StateDir
// (whoami, logout) work without a config file; login requires a
// homeserver from flag or file.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		StateDir: filepath.Join(home, ".feverdream"),
	}
}

// Load reads the config file at path. If path is empty, the
// FEVERDREAM_CONFIG environment variable is consulted. Returns an
// error if neither names a file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file specified (set %s or pass --config)", EnvVar)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("homeserver_url is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	return nil
}
