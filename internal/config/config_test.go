package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Empty(t, cfg.Server.AuthToken)
	assert.Equal(t, []string{"ios", "android"}, cfg.Server.Platforms)
	assert.Equal(t, 24*time.Hour, cfg.Retention())
	assert.Equal(t, 30*time.Second, cfg.Keepalive())
	assert.Equal(t, int64(500), cfg.Storage.MaxBundleMB)
	assert.Equal(t, int64(2048), cfg.Storage.MaxArtifactMB)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 4100
auth_token = "s3cret"
platforms = ["ios"]

[cleanup]
retention_hours = 48
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.AuthToken)
	assert.Equal(t, []string{"ios"}, cfg.Server.Platforms)
	assert.Equal(t, 48*time.Hour, cfg.Retention())
	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Cleanup.IntervalMinutes)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BUILDRELAY_TOKEN", "from-env")
	t.Setenv("BUILDRELAY_PORT", "5005")
	t.Setenv("BUILDRELAY_RETENTION", "72h")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.AuthToken)
	assert.Equal(t, 5005, cfg.Server.Port)
	assert.Equal(t, 72*time.Hour, cfg.Retention())
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 99999
`), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "server.port")
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 4100\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, nil, func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()

	// Give the watcher a moment to install before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 4200\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 4200, cfg.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload never fired")
	}

	cancel()
	<-done
}
