// Package config loads the YAML configuration file and resolves the paths
// used for local state (history database, session token, key file).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable overriding the config file location.
const ConfigPathEnv = "ATUIN_CONFIG_PATH"

// Config holds all client and server settings.
type Config struct {
	// SyncAddress is the base URL of the relay.
	SyncAddress string `yaml:"sync_address"`

	// DataDir holds the history database, session token and key file.
	DataDir string `yaml:"data_dir"`

	Sync   SyncConfig   `yaml:"sync"`
	Server ServerConfig `yaml:"server"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// SyncConfig tunes the sync engine. Page size and batch size bound memory
// per cycle; retries and timeout bound how long a run can stall on a flaky
// network.
type SyncConfig struct {
	PageSize       int `yaml:"page_size"`
	UploadBatch    int `yaml:"upload_batch"`
	MaxRetries     int `yaml:"max_retries"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// ServerConfig configures the relay when run with "atuin server".
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	DBPath string `yaml:"db_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SyncAddress: "http://127.0.0.1:8888",
		DataDir:     "~/.local/share/atuin",
		Sync: SyncConfig{
			PageSize:       100,
			UploadBatch:    100,
			MaxRetries:     3,
			TimeoutSeconds: 30,
		},
		Server: ServerConfig{
			Host:   "127.0.0.1",
			Port:   8888,
			DBPath: "~/.local/share/atuin/server.db",
		},
		LogLevel: "info",
	}
}

// DefaultPath returns the config file location, honoring ConfigPathEnv.
func DefaultPath() string {
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	return "~/.config/atuin/config.yaml"
}

// Load reads the YAML config at path merged over defaults. A missing file
// is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if os.IsNotExist(err) {
		return cfg.finish()
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", expanded, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", expanded, err)
	}
	return cfg.finish()
}

// finish expands paths and validates tunables.
func (c *Config) finish() (*Config, error) {
	dataDir, err := expandPath(c.DataDir)
	if err != nil {
		return nil, err
	}
	c.DataDir = dataDir

	dbPath, err := expandPath(c.Server.DBPath)
	if err != nil {
		return nil, err
	}
	c.Server.DBPath = dbPath

	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = Default().Sync.PageSize
	}
	if c.Sync.UploadBatch <= 0 {
		c.Sync.UploadBatch = Default().Sync.UploadBatch
	}
	if c.Sync.MaxRetries < 0 {
		c.Sync.MaxRetries = 0
	}
	if c.Sync.TimeoutSeconds <= 0 {
		c.Sync.TimeoutSeconds = Default().Sync.TimeoutSeconds
	}
	return c, nil
}

// Timeout returns the per-request network timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Sync.TimeoutSeconds) * time.Second
}

// DBPath is the local history database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

// SessionPath is the file holding the bearer session token.
func (c *Config) SessionPath() string {
	return filepath.Join(c.DataDir, "session")
}

// KeyPath is the file holding the derived encryption key.
func (c *Config) KeyPath() string {
	return filepath.Join(c.DataDir, "key")
}

// UsernamePath is the file remembering the logged-in account name.
func (c *Config) UsernamePath() string {
	return filepath.Join(c.DataDir, "username")
}

// expandPath replaces a leading ~ with the user's home directory.
func expandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolving home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
