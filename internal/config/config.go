// Package config provides the keyed configuration for the hub, the
// endpoint, and the watchdog. Configuration lives in a KDL file; unset
// values fall back to defaults and OVERRIDE_-prefixed environment
// variables win over both.
package config

import (
	"fmt"
	"os"
	"os/user"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// DefaultFileName is the well-known config file used when --config is
// not given; it is resolved relative to the working directory.
const DefaultFileName = "hubwire.kdl"

// Config is the top-level configuration structure.
type Config struct {
	Hub        HubConfig        `kdl:"hub"`
	Endpoint   EndpointConfig   `kdl:"endpoint"`
	Heartbeat  HeartbeatConfig  `kdl:"heartbeat"`
	Reconnect  ReconnectConfig  `kdl:"reconnect"`
	Command    CommandConfig    `kdl:"command"`
	WorkerPool WorkerPoolConfig `kdl:"worker-pool"`
	Health     HealthConfig     `kdl:"health"`
	Log        LogConfig        `kdl:"log"`
	HotReload  HotReloadConfig  `kdl:"hot-reload"`
	Watchdog   WatchdogConfig   `kdl:"watchdog"`
}

// HubConfig holds the hub listener settings.
type HubConfig struct {
	Host            string  `kdl:"host"`
	Port            int     `kdl:"port"`
	PluginDir       string  `kdl:"plugin-dir"`
	MaxMessageBytes int64   `kdl:"max-message-bytes"`
	GraceS          float64 `kdl:"grace-s"`
}

// Addr returns the host:port listen address.
func (h HubConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// Grace returns the extra time the router allows an endpoint beyond the
// forwarded timeout before synthesizing a TIMEOUT response.
func (h HubConfig) Grace() time.Duration {
	return time.Duration(h.GraceS * float64(time.Second))
}

// EndpointConfig holds the endpoint's dial and identity settings.
type EndpointConfig struct {
	HubURL      string `kdl:"hub-url"`
	Identity    string `kdl:"identity"`
	HandlersDir string `kdl:"handlers-dir"`
}

// HeartbeatConfig controls liveness pings and stale detection.
type HeartbeatConfig struct {
	IntervalS       float64 `kdl:"interval-s"`
	StaleMultiplier float64 `kdl:"stale-multiplier"`
}

// Interval returns the heartbeat cadence as a duration.
func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalS * float64(time.Second))
}

// StaleThreshold returns interval x multiplier.
func (h HeartbeatConfig) StaleThreshold() time.Duration {
	return time.Duration(h.IntervalS * h.StaleMultiplier * float64(time.Second))
}

// ReconnectConfig controls the endpoint's backoff schedule.
type ReconnectConfig struct {
	InitialS   float64 `kdl:"initial-s"`
	MaxS       float64 `kdl:"max-s"`
	Multiplier float64 `kdl:"multiplier"`
	Jitter     float64 `kdl:"jitter"`
}

// CommandConfig controls command execution defaults.
type CommandConfig struct {
	DefaultTimeoutS float64 `kdl:"default-timeout-s"`
}

// DefaultTimeout returns the global command deadline.
func (c CommandConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutS * float64(time.Second))
}

// WorkerPoolConfig bounds blocking-handler parallelism.
type WorkerPoolConfig struct {
	Size int `kdl:"size"`
}

// HealthConfig controls metric sampling.
type HealthConfig struct {
	SampleIntervalS float64 `kdl:"sample-interval-s"`
	RingSize        int     `kdl:"ring-size"`
	MaxMemoryBytes  uint64  `kdl:"max-memory-bytes"`
}

// SampleInterval returns the sampling cadence as a duration.
func (h HealthConfig) SampleInterval() time.Duration {
	return time.Duration(h.SampleIntervalS * float64(time.Second))
}

// LogConfig controls the rotating sink and the in-memory ring.
type LogConfig struct {
	Dir      string `kdl:"dir"`
	MaxBytes int    `kdl:"max-bytes"`
	Backups  int    `kdl:"backups"`
	RingSize int    `kdl:"ring-size"`
	Level    string `kdl:"level"`
}

// HotReloadConfig controls file watching for module and config reload.
type HotReloadConfig struct {
	Enabled    bool  `kdl:"enabled"`
	DebounceMs int64 `kdl:"debounce-ms"`
}

// Debounce returns the file-event debounce window.
func (h HotReloadConfig) Debounce() time.Duration {
	return time.Duration(h.DebounceMs) * time.Millisecond
}

// WatchdogConfig controls the endpoint supervisor.
type WatchdogConfig struct {
	MaxRespawns  int     `kdl:"max-respawns"`
	RespawnWinS  float64 `kdl:"respawn-window-s"`
	SentinelName string  `kdl:"sentinel"`
}

// RespawnWindow returns the respawn rate-limit window.
func (w WatchdogConfig) RespawnWindow() time.Duration {
	return time.Duration(w.RespawnWinS * float64(time.Second))
}

// Default returns the configuration with every key at its default.
func Default() *Config {
	identity := ""
	if u, err := user.Current(); err == nil {
		identity = u.Username
	}
	if identity == "" {
		identity, _ = os.Hostname()
	}
	return &Config{
		Hub: HubConfig{
			Host:            "0.0.0.0",
			Port:            9998,
			PluginDir:       "plugins",
			MaxMessageBytes: 16 << 20,
			GraceS:          2,
		},
		Endpoint: EndpointConfig{
			HubURL:      "ws://localhost:9998",
			Identity:    identity,
			HandlersDir: "plugins",
		},
		Heartbeat: HeartbeatConfig{
			IntervalS:       30,
			StaleMultiplier: 2.5,
		},
		Reconnect: ReconnectConfig{
			InitialS:   1,
			MaxS:       60,
			Multiplier: 2,
			Jitter:     0.2,
		},
		Command:    CommandConfig{DefaultTimeoutS: 60},
		WorkerPool: WorkerPoolConfig{Size: 4},
		Health: HealthConfig{
			SampleIntervalS: 5,
			RingSize:        720,
			MaxMemoryBytes:  2 << 30,
		},
		Log: LogConfig{
			Dir:      "logs",
			MaxBytes: 10 * 1024 * 1024,
			Backups:  5,
			RingSize: 1000,
			Level:    "info",
		},
		HotReload: HotReloadConfig{
			Enabled:    true,
			DebounceMs: 300,
		},
		Watchdog: WatchdogConfig{
			MaxRespawns:  5,
			RespawnWinS:  60,
			SentinelName: "restart.pending",
		},
	}
}

// Load reads a KDL config file, merges it over defaults, applies
// environment overrides, and validates the result. A missing file is
// not an error: defaults plus environment apply.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
			data = nil
		}
	}
	cfg, err := Parse(data)
	if err != nil && path != "" {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, err
}

// Parse unmarshals KDL data over defaults and applies environment
// overrides. The config reload path uses it so a changed file is fully
// validated before any subscriber sees it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := kdl.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system depends on.
func (c *Config) Validate() error {
	if c.Hub.Port < 0 || c.Hub.Port > 65535 {
		return fmt.Errorf("hub.port out of range: %d", c.Hub.Port)
	}
	if c.Heartbeat.IntervalS <= 0 {
		return fmt.Errorf("heartbeat.interval-s must be positive")
	}
	if c.Heartbeat.StaleMultiplier < 1 {
		return fmt.Errorf("heartbeat.stale-multiplier must be >= 1")
	}
	if c.Reconnect.InitialS <= 0 || c.Reconnect.MaxS < c.Reconnect.InitialS {
		return fmt.Errorf("reconnect backoff bounds invalid")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter must be in [0,1)")
	}
	if c.WorkerPool.Size <= 0 {
		return fmt.Errorf("worker-pool.size must be positive")
	}
	if c.Log.RingSize <= 0 {
		return fmt.Errorf("log.ring-size must be positive")
	}
	if c.Health.RingSize <= 0 {
		return fmt.Errorf("health.ring-size must be positive")
	}
	if c.Hub.MaxMessageBytes <= 0 {
		return fmt.Errorf("hub.max-message-bytes must be positive")
	}
	return nil
}

// ChangeKind classifies a config diff entry for reload subscribers.
type ChangeKind int

const (
	// ChangeLive can be applied to a running process.
	ChangeLive ChangeKind = iota
	// ChangeRestart requires a process restart to take effect.
	ChangeRestart
)

// Change records one differing key between two configurations.
type Change struct {
	Key  string
	Kind ChangeKind
}

// Diff compares two configurations and reports every differing key.
// Interval, threshold, and log-level changes are live; addresses,
// directories, and pool sizing require a restart.
func Diff(old, cur *Config) []Change {
	var out []Change
	add := func(key string, kind ChangeKind, differs bool) {
		if differs {
			out = append(out, Change{Key: key, Kind: kind})
		}
	}

	add("hub.host", ChangeRestart, old.Hub.Host != cur.Hub.Host)
	add("hub.port", ChangeRestart, old.Hub.Port != cur.Hub.Port)
	add("hub.plugin-dir", ChangeRestart, old.Hub.PluginDir != cur.Hub.PluginDir)
	add("hub.max-message-bytes", ChangeRestart, old.Hub.MaxMessageBytes != cur.Hub.MaxMessageBytes)
	add("hub.grace-s", ChangeLive, old.Hub.GraceS != cur.Hub.GraceS)
	add("endpoint.hub-url", ChangeRestart, old.Endpoint.HubURL != cur.Endpoint.HubURL)
	add("endpoint.identity", ChangeRestart, old.Endpoint.Identity != cur.Endpoint.Identity)
	add("endpoint.handlers-dir", ChangeRestart, old.Endpoint.HandlersDir != cur.Endpoint.HandlersDir)
	add("heartbeat.interval-s", ChangeLive, old.Heartbeat.IntervalS != cur.Heartbeat.IntervalS)
	add("heartbeat.stale-multiplier", ChangeLive, old.Heartbeat.StaleMultiplier != cur.Heartbeat.StaleMultiplier)
	add("reconnect.initial-s", ChangeLive, old.Reconnect.InitialS != cur.Reconnect.InitialS)
	add("reconnect.max-s", ChangeLive, old.Reconnect.MaxS != cur.Reconnect.MaxS)
	add("reconnect.multiplier", ChangeLive, old.Reconnect.Multiplier != cur.Reconnect.Multiplier)
	add("reconnect.jitter", ChangeLive, old.Reconnect.Jitter != cur.Reconnect.Jitter)
	add("command.default-timeout-s", ChangeLive, old.Command.DefaultTimeoutS != cur.Command.DefaultTimeoutS)
	add("worker-pool.size", ChangeRestart, old.WorkerPool.Size != cur.WorkerPool.Size)
	add("health.sample-interval-s", ChangeLive, old.Health.SampleIntervalS != cur.Health.SampleIntervalS)
	add("health.max-memory-bytes", ChangeLive, old.Health.MaxMemoryBytes != cur.Health.MaxMemoryBytes)
	add("health.ring-size", ChangeRestart, old.Health.RingSize != cur.Health.RingSize)
	add("watchdog.max-respawns", ChangeRestart, old.Watchdog.MaxRespawns != cur.Watchdog.MaxRespawns)
	add("watchdog.respawn-window-s", ChangeRestart, old.Watchdog.RespawnWinS != cur.Watchdog.RespawnWinS)
	add("watchdog.sentinel", ChangeRestart, old.Watchdog.SentinelName != cur.Watchdog.SentinelName)
	add("log.dir", ChangeRestart, old.Log.Dir != cur.Log.Dir)
	add("log.max-bytes", ChangeRestart, old.Log.MaxBytes != cur.Log.MaxBytes)
	add("log.backups", ChangeRestart, old.Log.Backups != cur.Log.Backups)
	add("log.ring-size", ChangeRestart, old.Log.RingSize != cur.Log.RingSize)
	add("log.level", ChangeLive, old.Log.Level != cur.Log.Level)
	add("hot-reload.enabled", ChangeRestart, old.HotReload.Enabled != cur.HotReload.Enabled)
	add("hot-reload.debounce-ms", ChangeLive, old.HotReload.DebounceMs != cur.HotReload.DebounceMs)

	return out
}
