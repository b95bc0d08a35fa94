package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "0.0.0.0", cfg.Hub.Host)
	assert.Equal(t, 9998, cfg.Hub.Port)
	assert.Equal(t, "ws://localhost:9998", cfg.Endpoint.HubURL)
	assert.NotEmpty(t, cfg.Endpoint.Identity)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval())
	assert.Equal(t, 75*time.Second, cfg.Heartbeat.StaleThreshold())
	assert.Equal(t, 60*time.Second, cfg.Command.DefaultTimeout())
	assert.Equal(t, 4, cfg.WorkerPool.Size)
	assert.Equal(t, 5*time.Second, cfg.Health.SampleInterval())
	assert.Equal(t, 10*1024*1024, cfg.Log.MaxBytes)
	assert.Equal(t, 5, cfg.Log.Backups)
	assert.Equal(t, 1000, cfg.Log.RingSize)
	assert.True(t, cfg.HotReload.Enabled)
	assert.Equal(t, 300*time.Millisecond, cfg.HotReload.Debounce())
	assert.Equal(t, int64(16<<20), cfg.Hub.MaxMessageBytes)
	require.NoError(t, cfg.Validate())
}

func TestLoad_KDLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hubwire.kdl")
	data := `
hub {
    host "127.0.0.1"
    port 7777
}
heartbeat {
    interval-s 10.0
    stale-multiplier 3.0
}
log {
    level "debug"
}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Hub.Host)
	assert.Equal(t, 7777, cfg.Hub.Port)
	assert.Equal(t, "127.0.0.1:7777", cfg.Hub.Addr())
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval())
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.StaleThreshold())
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched sections keep defaults.
	assert.Equal(t, 4, cfg.WorkerPool.Size)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.kdl"))
	require.NoError(t, err)
	assert.Equal(t, 9998, cfg.Hub.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OVERRIDE_HUB_PORT", "6001")
	t.Setenv("OVERRIDE_ENDPOINT_IDENTITY", "svc-account")
	t.Setenv("OVERRIDE_RECONNECT_JITTER", "0.1")
	t.Setenv("OVERRIDE_HOT_RELOAD_ENABLED", "false")
	t.Setenv("OVERRIDE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6001, cfg.Hub.Port)
	assert.Equal(t, "svc-account", cfg.Endpoint.Identity)
	assert.Equal(t, 0.1, cfg.Reconnect.Jitter)
	assert.False(t, cfg.HotReload.Enabled)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestEnvOverride_WinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hubwire.kdl")
	require.NoError(t, os.WriteFile(path, []byte(`hub { port 7000; }`), 0o644))
	t.Setenv("OVERRIDE_HUB_PORT", "8000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Hub.Port)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Hub.Port = 700000 }},
		{"zero heartbeat", func(c *Config) { c.Heartbeat.IntervalS = 0 }},
		{"stale multiplier below one", func(c *Config) { c.Heartbeat.StaleMultiplier = 0.5 }},
		{"backoff bounds", func(c *Config) { c.Reconnect.MaxS = 0.1 }},
		{"jitter out of range", func(c *Config) { c.Reconnect.Jitter = 1.5 }},
		{"zero pool", func(c *Config) { c.WorkerPool.Size = 0 }},
		{"zero ring", func(c *Config) { c.Log.RingSize = 0 }},
		{"zero max message", func(c *Config) { c.Hub.MaxMessageBytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDiff(t *testing.T) {
	old := Default()
	cur := Default()
	cur.Heartbeat.IntervalS = 15
	cur.Hub.Port = 1234
	cur.Log.Level = "debug"

	changes := Diff(old, cur)
	byKey := make(map[string]ChangeKind, len(changes))
	for _, ch := range changes {
		byKey[ch.Key] = ch.Kind
	}

	require.Len(t, changes, 3)
	assert.Equal(t, ChangeLive, byKey["heartbeat.interval-s"])
	assert.Equal(t, ChangeRestart, byKey["hub.port"])
	assert.Equal(t, ChangeLive, byKey["log.level"])
}

func TestDiff_NoChanges(t *testing.T) {
	assert.Empty(t, Diff(Default(), Default()))
}
