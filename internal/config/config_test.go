package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Coordinator.StatusExpiration)
	assert.Equal(t, 5*time.Second, cfg.Coordinator.RefreshInterval)
	assert.Equal(t, 10*time.Second, cfg.Coordinator.RemoteTimeout)
	assert.Equal(t, 4, cfg.Coordinator.MinPrefixSize)
	assert.Equal(t, 16, cfg.Scheduler.RefreshWorkers)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flotilla.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
coordinator:
  listen: 0.0.0.0:9000
  environment: prod
  status_expiration: 1m
store:
  path: /var/lib/flotilla/state.db
provisioner:
  agents:
    - http://10.0.0.1:7771
    - http://10.0.0.2:7771
scheduler:
  refresh_workers: 8
`), 0644))
	t.Setenv("FLOTILLA_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Coordinator.Listen)
	assert.Equal(t, "prod", cfg.Coordinator.Environment)
	assert.Equal(t, time.Minute, cfg.Coordinator.StatusExpiration)
	assert.Equal(t, 5*time.Second, cfg.Coordinator.RefreshInterval)
	assert.Equal(t, "/var/lib/flotilla/state.db", cfg.Store.Path)
	assert.Equal(t, []string{"http://10.0.0.1:7771", "http://10.0.0.2:7771"}, cfg.Provisioner.Agents)
	assert.Equal(t, 8, cfg.Scheduler.RefreshWorkers)
	assert.Equal(t, 4, cfg.Scheduler.GlobalMax)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Coordinator.RemoteTimeout = 0
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote_timeout")
	assert.Contains(t, err.Error(), "log.format")
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "flotilla.yaml")
	cfg := Default()
	cfg.Coordinator.Environment = "staging"
	cfg.Coordinator.StatusExpiration = 45 * time.Second

	require.NoError(t, Write(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", loaded.Coordinator.Environment)
	assert.Equal(t, 45*time.Second, loaded.Coordinator.StatusExpiration)
}
