package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "meshlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
name: node1
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	require.Equal(t, "node1", cfg.Name)
	require.Equal(t, "development", cfg.Environment)
	require.Equal(t, 655, cfg.Listen.Port)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, 9655, cfg.Metrics.Port)
	require.Equal(t, "/metrics", cfg.Metrics.Path)
	require.Equal(t, 60*time.Second, cfg.Topology.SeenWindow)
	require.Equal(t, 10*time.Second, cfg.Topology.AgingInterval)
}

func TestLoadFromFileHonorsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
name: node1
listen:
  address: 0.0.0.0
  port: 8000
logging:
  level: debug
metrics:
  enabled: true
  port: 9000
`)
	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Listen.Port)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, 9000, cfg.Metrics.Port)
}

func TestEnvironmentOverridesTakePriority(t *testing.T) {
	path := writeConfig(t, `
name: node1
logging:
  level: info
`)
	t.Setenv("MESHLINK_LOG_LEVEL", "warn")
	t.Setenv("MESHLINK_METRICS_ENABLED", "true")
	t.Setenv("MESHLINK_LISTEN_PORT", "7000")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	require.Equal(t, "warn", cfg.Logging.Level)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, 7000, cfg.Listen.Port)
}

func TestLoadFromFileMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
