// Package config loads daemon configuration from an optional TOML file with
// environment variable overrides. Everything has a workable default so the
// daemon starts with no configuration at all (auth disabled, data under the
// user's home directory).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all daemon configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Cleanup CleanupConfig `toml:"cleanup"`
	Runners RunnersConfig `toml:"runners"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// AuthToken guards the API. Empty disables authentication entirely —
	// a deliberate dev-mode default inherited from the original
	// deployment; the daemon warns loudly on startup when it is unset.
	AuthToken string `toml:"auth_token"`
	// Platforms is the closed set of accepted build targets.
	Platforms []string `toml:"platforms"`
	// KeepaliveSecs is the stream keepalive interval for SSE and
	// WebSocket watchers.
	KeepaliveSecs int `toml:"keepalive_secs"`
}

// StorageConfig holds bundle/artifact storage settings.
type StorageConfig struct {
	DataDir       string `toml:"data_dir"`
	MaxBundleMB   int64  `toml:"max_bundle_mb"`
	MaxArtifactMB int64  `toml:"max_artifact_mb"`
}

// CleanupConfig holds job retention settings.
type CleanupConfig struct {
	RetentionHours  int `toml:"retention_hours"`
	IntervalMinutes int `toml:"interval_minutes"`
}

// RunnersConfig holds runner liveness thresholds.
type RunnersConfig struct {
	ActiveThresholdSecs int `toml:"active_threshold_secs"`
	StaleThresholdSecs  int `toml:"stale_threshold_secs"`
	SweepIntervalSecs   int `toml:"sweep_interval_secs"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host:          "",
			Port:          3000,
			Platforms:     []string{"ios", "android"},
			KeepaliveSecs: 30,
		},
		Storage: StorageConfig{
			DataDir:       filepath.Join(home, ".buildrelay", "data"),
			MaxBundleMB:   500,
			MaxArtifactMB: 2048,
		},
		Cleanup: CleanupConfig{
			RetentionHours:  24,
			IntervalMinutes: 10,
		},
		Runners: RunnersConfig{
			ActiveThresholdSecs: 90,
			StaleThresholdSecs:  300,
			SweepIntervalSecs:   60,
		},
	}
}

// Load reads configuration from a TOML file (missing file means defaults),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	cfg.Server.AuthToken = envString("BUILDRELAY_TOKEN", cfg.Server.AuthToken)
	cfg.Server.Port = envInt("BUILDRELAY_PORT", cfg.Server.Port)
	cfg.Storage.DataDir = expandPath(envString("BUILDRELAY_DATA_DIR", cfg.Storage.DataDir))
	if d, ok := envDuration("BUILDRELAY_RETENTION"); ok {
		hours := int(d / time.Hour)
		if hours < 1 {
			hours = 1
		}
		cfg.Cleanup.RetentionHours = hours
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if len(c.Server.Platforms) == 0 {
		return fmt.Errorf("server.platforms must not be empty")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.MaxBundleMB <= 0 || c.Storage.MaxArtifactMB <= 0 {
		return fmt.Errorf("storage size limits must be positive")
	}
	if c.Cleanup.RetentionHours <= 0 || c.Cleanup.IntervalMinutes <= 0 {
		return fmt.Errorf("cleanup retention and interval must be positive")
	}
	if c.Runners.ActiveThresholdSecs <= 0 || c.Runners.StaleThresholdSecs <= 0 || c.Runners.SweepIntervalSecs <= 0 {
		return fmt.Errorf("runner thresholds must be positive")
	}
	return nil
}

// Addr returns the host:port the HTTP server should listen on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Retention returns the cleanup retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Cleanup.RetentionHours) * time.Hour
}

// Keepalive returns the stream keepalive interval.
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.Server.KeepaliveSecs) * time.Second
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
