// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the HAWKI client engine.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Server configures the HAWKI server endpoint.
	Server ServerConfig `yaml:"server"`

	// Auth configures how the client authenticates.
	Auth AuthConfig `yaml:"auth"`

	// Store configures the local replica.
	Store StoreConfig `yaml:"store"`

	// Sync configures the change-log reconciliation.
	Sync SyncConfig `yaml:"sync"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Server *ServerConfig `yaml:"server,omitempty"`
	Auth   *AuthConfig   `yaml:"auth,omitempty"`
	Store  *StoreConfig  `yaml:"store,omitempty"`
	Sync   *SyncConfig   `yaml:"sync,omitempty"`
}

// ServerConfig configures the HAWKI server endpoint.
type ServerConfig struct {
	// URL is the server base URL, e.g. https://hawki.example.org.
	URL string `yaml:"url"`

	// Timeout bounds individual API requests, as a Go duration
	// string ("30s"). Empty means no limit.
	Timeout string `yaml:"timeout"`
}

// TimeoutDuration parses the request timeout. Zero when unset.
func (s ServerConfig) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(s.Timeout)
}

// AuthConfig configures how the client authenticates.
type AuthConfig struct {
	// Username is the account to log in as.
	Username string `yaml:"username"`

	// TokenFile is a file holding the login token. The token never
	// appears in the config file itself.
	TokenFile string `yaml:"token_file"`
}

// StoreConfig configures the local replica.
type StoreConfig struct {
	// Path is the SQLite file backing the replica.
	// Default: ${HOME}/.cache/hawki/replica.db
	Path string `yaml:"path"`

	// PoolSize is the SQLite connection pool size. Zero picks the
	// store's default.
	PoolSize int `yaml:"pool_size"`
}

// SyncConfig configures the change-log reconciliation.
type SyncConfig struct {
	// ChunkLimit is the page size for change-log fetches. Zero picks
	// the engine's default.
	ChunkLimit int `yaml:"chunk_limit"`

	// Realtime enables the websocket channel; when false the client
	// only syncs on demand.
	Realtime bool `yaml:"realtime"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Timeout: "30s",
		},
		Store: StoreConfig{
			Path: filepath.Join(homeDir, ".cache", "hawki", "replica.db"),
		},
		Sync: SyncConfig{
			Realtime: true,
		},
	}
}

// Load loads configuration from the HAWKI_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if HAWKI_CONFIG is not set, this
// fails. This ensures deterministic, auditable configuration with no
// hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("HAWKI_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("HAWKI_CONFIG environment variable not set; " +
			"set it to the path of your hawki.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. YAML by
// default; files ending in .json or .jsonc are parsed as JSON with
// comments.
//
// The config file is the single source of truth. Environment variables
// do not override config values. The only expansion performed is
// ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// YAML is a JSON superset, so the same tags apply once the
		// comments are stripped.
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Server != nil {
		if overrides.Server.URL != "" {
			c.Server.URL = overrides.Server.URL
		}
		if overrides.Server.Timeout != "" {
			c.Server.Timeout = overrides.Server.Timeout
		}
	}

	if overrides.Auth != nil {
		if overrides.Auth.Username != "" {
			c.Auth.Username = overrides.Auth.Username
		}
		if overrides.Auth.TokenFile != "" {
			c.Auth.TokenFile = overrides.Auth.TokenFile
		}
	}

	if overrides.Store != nil {
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
		if overrides.Store.PoolSize != 0 {
			c.Store.PoolSize = overrides.Store.PoolSize
		}
	}

	if overrides.Sync != nil {
		if overrides.Sync.ChunkLimit != 0 {
			c.Sync.ChunkLimit = overrides.Sync.ChunkLimit
		}
		// Realtime is a bool, so we always apply it from overrides.
		c.Sync.Realtime = overrides.Sync.Realtime
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Auth.TokenFile = expandVars(c.Auth.TokenFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Server.URL == "" {
		errs = append(errs, fmt.Errorf("server.url is required"))
	}
	if _, err := c.Server.TimeoutDuration(); err != nil {
		errs = append(errs, fmt.Errorf("server.timeout: %w", err))
	}
	if c.Auth.Username == "" {
		errs = append(errs, fmt.Errorf("auth.username is required"))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Store.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("store.pool_size must not be negative"))
	}
	if c.Sync.ChunkLimit < 0 {
		errs = append(errs, fmt.Errorf("sync.chunk_limit must not be negative"))
	}

	return errors.Join(errs...)
}
