// Package logging owns the process-wide log pipeline: a zerolog root
// logger fanned out to a size-rotated file sink and an in-memory ring
// for remote retrieval. Levels are adjustable at runtime, globally or
// per named logger.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hubwire/hubwire/internal/config"
)

// Manager wires zerolog to the rotating sink and the ring, and tracks
// runtime level overrides.
type Manager struct {
	ring    *Ring
	rotator *lumberjack.Logger
	sink    io.Writer

	mu        sync.RWMutex
	global    zerolog.Level
	perLogger map[string]zerolog.Level
	counts    map[string]uint64
}

// New builds the pipeline. The rotating file is <dir>/<name>.log; the
// dir is created on demand. Console output goes to stderr alongside the
// file so interactive runs stay readable.
func New(name string, cfg config.LogConfig) (*Manager, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir %s: %w", cfg.Dir, err)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, name+".log"),
		MaxSize:    cfg.MaxBytes / (1024 * 1024),
		MaxBackups: cfg.Backups,
	}
	if rotator.MaxSize <= 0 {
		rotator.MaxSize = 1
	}

	m := &Manager{
		ring:      NewRing(cfg.RingSize),
		rotator:   rotator,
		global:    level,
		perLogger: make(map[string]zerolog.Level),
		counts:    make(map[string]uint64),
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	m.sink = zerolog.MultiLevelWriter(console, rotator, ringWriter{m})
	return m, nil
}

// NewDiscard builds a manager whose output is dropped except for the
// ring. Tests use it to observe records without touching disk.
func NewDiscard(ringSize int) *Manager {
	m := &Manager{
		ring:      NewRing(ringSize),
		global:    zerolog.TraceLevel,
		perLogger: make(map[string]zerolog.Level),
		counts:    make(map[string]uint64),
	}
	m.sink = ringWriter{m}
	return m
}

// Logger returns a named sub-logger. The name participates in level
// overrides and in get_logs filtering.
func (m *Manager) Logger(name string) zerolog.Logger {
	// The logger itself stays wide open; filtering happens in the
	// writer so SetLevel takes effect on already-created loggers.
	return zerolog.New(filterWriter{m: m, name: name}).
		Level(zerolog.TraceLevel).
		With().Timestamp().Str("logger", name).Logger()
}

// Ring exposes the in-memory record buffer.
func (m *Manager) Ring() *Ring { return m.ring }

// SetLevel adjusts the global level (logger == "") or one named
// logger's level. Idempotent.
func (m *Manager) SetLevel(level string, logger string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if logger == "" {
		m.global = lvl
	} else {
		m.perLogger[logger] = lvl
	}
	return nil
}

// Level reports the effective level for a named logger.
func (m *Manager) Level(logger string) zerolog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if lvl, ok := m.perLogger[logger]; ok {
		return lvl
	}
	return m.global
}

// Stats reports record counts by level plus ring eviction count.
type Stats struct {
	ByLevel  map[string]uint64 `json:"by_level"`
	Retained int               `json:"retained"`
	Evicted  uint64            `json:"evicted"`
	Level    string            `json:"level"`
}

// GetStats returns a snapshot of logging statistics.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	byLevel := make(map[string]uint64, len(m.counts))
	for k, v := range m.counts {
		byLevel[k] = v
	}
	global := m.global
	m.mu.RUnlock()
	return Stats{
		ByLevel:  byLevel,
		Retained: m.ring.Len(),
		Evicted:  m.ring.Evicted(),
		Level:    global.String(),
	}
}

// Close flushes and closes the rotating sink.
func (m *Manager) Close() error {
	if m.rotator != nil {
		return m.rotator.Close()
	}
	return nil
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(s string) (zerolog.Level, error) {
	switch s {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// filterWriter drops events below the effective level of its logger,
// then forwards to the shared sink and counts by level.
type filterWriter struct {
	m    *Manager
	name string
}

func (w filterWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w filterWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.m.Level(w.name) {
		return len(p), nil
	}
	w.m.mu.Lock()
	w.m.counts[level.String()]++
	w.m.mu.Unlock()
	if lw, ok := w.m.sink.(zerolog.LevelWriter); ok {
		return lw.WriteLevel(level, p)
	}
	return w.m.sink.Write(p)
}

// ringWriter parses emitted JSON lines back into Records for the ring.
type ringWriter struct {
	m *Manager
}

func (w ringWriter) Write(p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return len(p), nil
	}
	rec := Record{Timestamp: time.Now().UTC()}
	if v, ok := raw[zerolog.LevelFieldName].(string); ok {
		rec.Level = v
		delete(raw, zerolog.LevelFieldName)
	}
	if v, ok := raw[zerolog.MessageFieldName].(string); ok {
		rec.Message = v
		delete(raw, zerolog.MessageFieldName)
	}
	if v, ok := raw["logger"].(string); ok {
		rec.Logger = v
		delete(raw, "logger")
	}
	if v, ok := raw[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			rec.Timestamp = ts
		}
		delete(raw, zerolog.TimestampFieldName)
	}
	if len(raw) > 0 {
		rec.Fields = raw
	}
	w.m.ring.Append(rec)
	return len(p), nil
}
