package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns
// the resulting Config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise
// returns a Config populated with all default values. This supports
// configuring everything through environment variables alone.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables. cliConfigPath, if
// non-empty, wins over the environment for the config file location.
func Resolve(env EnvOverrides, cliConfigPath string) (*Config, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cliConfigPath != "" {
		cfgPath = cliConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.BackendURL != "" {
		cfg.Backend.URL = env.BackendURL
	}

	if env.AnonKey != "" {
		cfg.Backend.AnonKey = env.AnonKey
	}

	if env.DataDir != "" {
		cfg.DataDir = env.DataDir
	}

	if env.LogLevel != "" {
		cfg.Logging.LogLevel = env.LogLevel
	}

	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// MirrorPath returns the mirror database location under the data dir.
func (c *Config) MirrorPath() string {
	return filepath.Join(c.DataDir, MirrorFileName)
}

// TokenPath returns the token file location under the data dir.
func (c *Config) TokenPath() string {
	return filepath.Join(c.DataDir, TokenFileName)
}

// ConflictsPath returns the persisted conflict queue location under
// the data dir.
func (c *Config) ConflictsPath() string {
	return filepath.Join(c.DataDir, ConflictsFileName)
}
