package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", filepath.Join(t.TempDir(), "absent.yaml"),
		"--listen", "127.0.0.1:9999",
		"--capacity", "42",
		"--max-age", "1h",
		"--metrics",
	}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Listen)
	assert.Equal(t, 42, cfg.Store.Capacity)
	assert.Equal(t, time.Hour, cfg.Store.MaxAge)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadConfig_FileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  capacity: 500\nlog:\n  level: debug\n"), 0o644))

	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--log-level", "warn"}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Store.Capacity)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [\n"), 0o644))

	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path}))

	_, err := loadConfig(cmd)
	assert.Error(t, err)
}
