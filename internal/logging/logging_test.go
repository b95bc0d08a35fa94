package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RecordsReachRing(t *testing.T) {
	m := NewDiscard(16)
	require.NoError(t, m.SetLevel("info", ""))

	log := m.Logger("scheduler")
	log.Info().Str("command", "echo").Msg("dispatched")

	records := m.Ring().Snapshot(Filter{})
	require.Len(t, records, 1)
	assert.Equal(t, "info", records[0].Level)
	assert.Equal(t, "scheduler", records[0].Logger)
	assert.Equal(t, "dispatched", records[0].Message)
	assert.Equal(t, "echo", records[0].Fields["command"])
}

func TestManager_LevelFiltering(t *testing.T) {
	m := NewDiscard(16)
	require.NoError(t, m.SetLevel("warn", ""))

	log := m.Logger("reconnect")
	log.Debug().Msg("dropped")
	log.Info().Msg("dropped too")
	log.Warn().Msg("kept")

	records := m.Ring().Snapshot(Filter{})
	require.Len(t, records, 1)
	assert.Equal(t, "kept", records[0].Message)
}

func TestManager_PerLoggerLevel(t *testing.T) {
	m := NewDiscard(16)
	require.NoError(t, m.SetLevel("error", ""))
	require.NoError(t, m.SetLevel("debug", "heartbeat"))

	heartbeatLog := m.Logger("heartbeat")
	heartbeatLog.Debug().Msg("hb detail")
	schedulerLog := m.Logger("scheduler")
	schedulerLog.Info().Msg("suppressed")

	records := m.Ring().Snapshot(Filter{})
	require.Len(t, records, 1)
	assert.Equal(t, "heartbeat", records[0].Logger)
}

func TestManager_SetLevelIdempotent(t *testing.T) {
	m := NewDiscard(16)
	require.NoError(t, m.SetLevel("debug", ""))
	require.NoError(t, m.SetLevel("debug", ""))
	assert.Equal(t, zerolog.DebugLevel, m.Level("anything"))

	xLog := m.Logger("x")
	xLog.Debug().Msg("once")
	xLog.Debug().Msg("twice")
	assert.Len(t, m.Ring().Snapshot(Filter{Level: "debug"}), 2)
}

func TestManager_SetLevelRejectsUnknown(t *testing.T) {
	m := NewDiscard(16)
	assert.Error(t, m.SetLevel("loud", ""))
}

func TestManager_Stats(t *testing.T) {
	m := NewDiscard(16)
	require.NoError(t, m.SetLevel("info", ""))

	log := m.Logger("hub")
	log.Info().Msg("a")
	log.Info().Msg("b")
	log.Error().Msg("c")
	log.Debug().Msg("filtered")

	stats := m.GetStats()
	assert.Equal(t, uint64(2), stats.ByLevel["info"])
	assert.Equal(t, uint64(1), stats.ByLevel["error"])
	assert.Zero(t, stats.ByLevel["debug"])
	assert.Equal(t, 3, stats.Retained)
	assert.Equal(t, "info", stats.Level)
}
