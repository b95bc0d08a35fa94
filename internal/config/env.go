package config

import (
	"os"
	"strconv"
)

// envPrefix is prepended to every override variable, e.g.
// OVERRIDE_HUB_PORT=9999 replaces hub.port.
const envPrefix = "OVERRIDE_"

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envUint64(name string, dst *uint64) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// applyEnv overlays OVERRIDE_-prefixed environment variables on the
// configuration. Unparseable values are ignored rather than fatal so a
// stray variable cannot keep the process from starting.
func applyEnv(c *Config) {
	envString("HUB_HOST", &c.Hub.Host)
	envInt("HUB_PORT", &c.Hub.Port)
	envString("HUB_PLUGIN_DIR", &c.Hub.PluginDir)
	envInt64("HUB_MAX_MESSAGE_BYTES", &c.Hub.MaxMessageBytes)
	envFloat("HUB_GRACE_S", &c.Hub.GraceS)

	envString("ENDPOINT_HUB_URL", &c.Endpoint.HubURL)
	envString("ENDPOINT_IDENTITY", &c.Endpoint.Identity)
	envString("ENDPOINT_HANDLERS_DIR", &c.Endpoint.HandlersDir)

	envFloat("HEARTBEAT_INTERVAL_S", &c.Heartbeat.IntervalS)
	envFloat("HEARTBEAT_STALE_MULTIPLIER", &c.Heartbeat.StaleMultiplier)

	envFloat("RECONNECT_INITIAL_S", &c.Reconnect.InitialS)
	envFloat("RECONNECT_MAX_S", &c.Reconnect.MaxS)
	envFloat("RECONNECT_MULTIPLIER", &c.Reconnect.Multiplier)
	envFloat("RECONNECT_JITTER", &c.Reconnect.Jitter)

	envFloat("COMMAND_DEFAULT_TIMEOUT_S", &c.Command.DefaultTimeoutS)
	envInt("WORKER_POOL_SIZE", &c.WorkerPool.Size)

	envFloat("HEALTH_SAMPLE_INTERVAL_S", &c.Health.SampleIntervalS)
	envInt("HEALTH_RING_SIZE", &c.Health.RingSize)
	envUint64("HEALTH_MAX_MEMORY_BYTES", &c.Health.MaxMemoryBytes)

	envString("LOG_DIR", &c.Log.Dir)
	envInt("LOG_MAX_BYTES", &c.Log.MaxBytes)
	envInt("LOG_BACKUPS", &c.Log.Backups)
	envInt("LOG_RING_SIZE", &c.Log.RingSize)
	envString("LOG_LEVEL", &c.Log.Level)

	envBool("HOT_RELOAD_ENABLED", &c.HotReload.Enabled)
	envInt64("HOT_RELOAD_DEBOUNCE_MS", &c.HotReload.DebounceMs)

	envInt("WATCHDOG_MAX_RESPAWNS", &c.Watchdog.MaxRespawns)
	envFloat("WATCHDOG_RESPAWN_WINDOW_S", &c.Watchdog.RespawnWinS)
	envString("WATCHDOG_SENTINEL", &c.Watchdog.SentinelName)
}
