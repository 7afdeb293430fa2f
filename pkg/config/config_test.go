package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateRejectsOfflineThresholdBelowInterval(t *testing.T) {
	cfg := Default()
	cfg.Heartbeat.OfflineThresholdSeconds = 30
	cfg.Heartbeat.IntervalSeconds = 60
	assert.Error(t, cfg.Validate())
}

func TestLoadOverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
scheduler:
  queue_capacity: 500
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Scheduler.QueueCapacity)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().Heartbeat.OfflineThresholdSeconds, cfg.Heartbeat.OfflineThresholdSeconds)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
