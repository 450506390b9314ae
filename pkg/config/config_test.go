package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchProtocolConstants(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 6*time.Minute, cfg.Exclusivity.FallbackTimeout)
	assert.Equal(t, 3*time.Second, cfg.Exclusivity.PollInterval)
	assert.Equal(t, 180*time.Second, cfg.Inactivity.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Inactivity.Warning)
	assert.Equal(t, 3*time.Minute, cfg.Refresh.Threshold)
	assert.Equal(t, 10*time.Second, cfg.Refresh.Cooldown)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "picowidget.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gateway:
  port: 9000
  allowed_origins: ["https://a.com"]
exclusivity:
  poll_interval: 5s
inactivity:
  timeout: 60s
  warning: 5s
`), 0o644))

	t.Setenv("PICOWIDGET_GATEWAY_PORT", "9100")
	t.Setenv("PICOWIDGET_PUSH_BACKEND", "redis")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Gateway.Port)
	assert.Equal(t, []string{"https://a.com"}, cfg.Gateway.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.Exclusivity.PollInterval)
	assert.Equal(t, 6*time.Minute, cfg.Exclusivity.FallbackTimeout)
	assert.Equal(t, 60*time.Second, cfg.Inactivity.Timeout)
	assert.Equal(t, "redis", cfg.Push.Backend)
	assert.Equal(t, "127.0.0.1:9100", cfg.Addr())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 18800, cfg.Gateway.Port)
}

func TestValidateRejectsWarningAboveTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Inactivity.Warning = cfg.Inactivity.Timeout
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Push.Backend = "kafka"
	assert.Error(t, cfg.Validate())
}
