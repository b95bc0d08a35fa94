// Package health samples process and system metrics on a fixed cadence,
// tracks command execution statistics reported by the scheduler, and
// derives an overall status from configured thresholds.
package health

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/hubwire/hubwire/internal/config"
)

// Status is the derived health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Thresholds for status derivation.
const (
	cpuCriticalPct   = 90.0
	cpuWarningPct    = 70.0
	cpuStreakSamples = 3
	memWarningFrac   = 0.8
	failCriticalRate = 0.5
	failWarningRate  = 0.2
	recentWindow     = 20
	emaAlpha         = 0.2
)

// Sample is one point-in-time health record.
type Sample struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	RSSBytes       uint64    `json:"rss_bytes"`
	OpenFDs        int32     `json:"open_fds"`
	UptimeS        float64   `json:"uptime_s"`
	CommandsTotal  uint64    `json:"commands_total"`
	CommandsOK     uint64    `json:"commands_succeeded"`
	CommandsFailed uint64    `json:"commands_failed"`
	CommandsTimeout uint64   `json:"commands_timeout"`
	InFlight       int64     `json:"commands_in_flight"`
	LatencyEMAs    float64   `json:"command_latency_ema_s"`
	HeartbeatRTTMs float64   `json:"heartbeat_rtt_ms"`
	Status         Status    `json:"status"`
}

// Monitor owns the sample ring and command statistics. All mutation
// goes through its methods; the sampling loop is the only writer of
// samples.
type Monitor struct {
	log   zerolog.Logger
	proc  *process.Process
	start time.Time

	mu       sync.Mutex
	cfg      config.HealthConfig
	ring     []Sample
	ringPos  int
	ringLen  int
	cpuEMA   float64
	cpuHigh  int
	cpuWarm  int
	total    uint64
	ok       uint64
	failed   uint64
	timedOut uint64
	inFlight int64
	recent   []bool
	latEMA   float64
	rttMs    float64
	status   Status
	onAlert  func(Status, Sample)
}

// New creates a monitor for the current process.
func New(cfg config.HealthConfig, log zerolog.Logger) *Monitor {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Monitor{
		log:    log,
		proc:   proc,
		start:  time.Now(),
		cfg:    cfg,
		ring:   make([]Sample, cfg.RingSize),
		status: StatusHealthy,
	}
}

// SetOnAlert registers a callback fired when the status transitions to
// unhealthy. The callback runs on the sampling goroutine.
func (m *Monitor) SetOnAlert(fn func(Status, Sample)) {
	m.mu.Lock()
	m.onAlert = fn
	m.mu.Unlock()
}

// Run samples until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	for {
		m.mu.Lock()
		interval := m.cfg.SampleInterval()
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			m.sampleOnce()
		}
	}
}

// UpdateConfig applies live-safe settings (interval, memory ceiling).
func (m *Monitor) UpdateConfig(cfg config.HealthConfig) {
	m.mu.Lock()
	m.cfg.SampleIntervalS = cfg.SampleIntervalS
	m.cfg.MaxMemoryBytes = cfg.MaxMemoryBytes
	m.mu.Unlock()
}

// RecordCommand accounts one finished command execution.
func (m *Monitor) RecordCommand(succeeded, timedOut bool, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	switch {
	case timedOut:
		m.timedOut++
		m.failed++
	case succeeded:
		m.ok++
	default:
		m.failed++
	}
	m.recent = append(m.recent, succeeded && !timedOut)
	if len(m.recent) > recentWindow {
		m.recent = m.recent[1:]
	}
	sec := elapsed.Seconds()
	if m.latEMA == 0 {
		m.latEMA = sec
	} else {
		m.latEMA = emaAlpha*sec + (1-emaAlpha)*m.latEMA
	}
}

// CommandStarted and CommandFinished track the in-flight gauge.
func (m *Monitor) CommandStarted() {
	m.mu.Lock()
	m.inFlight++
	m.mu.Unlock()
}

// CommandFinished decrements the in-flight gauge.
func (m *Monitor) CommandFinished() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
}

// RecordHeartbeatRTT stores the latest round-trip measurement.
func (m *Monitor) RecordHeartbeatRTT(rtt time.Duration) {
	m.mu.Lock()
	m.rttMs = float64(rtt.Microseconds()) / 1000.0
	m.mu.Unlock()
}

// Latest returns the most recent sample, or a synthesized one if the
// loop has not run yet.
func (m *Monitor) Latest() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ringLen == 0 {
		return m.buildSampleLocked(0, 0, 0)
	}
	idx := (m.ringPos - 1 + len(m.ring)) % len(m.ring)
	return m.ring[idx]
}

// History returns up to n most recent samples, oldest first.
func (m *Monitor) History(n int) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > m.ringLen {
		n = m.ringLen
	}
	out := make([]Sample, 0, n)
	first := (m.ringPos - n + len(m.ring)) % len(m.ring)
	for i := 0; i < n; i++ {
		out = append(out, m.ring[(first+i)%len(m.ring)])
	}
	return out
}

// Status returns the current derived status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) sampleOnce() {
	var cpuPct float64
	var rss uint64
	var fds int32
	if m.proc != nil {
		if v, err := m.proc.CPUPercent(); err == nil {
			cpuPct = v
		}
		if mi, err := m.proc.MemoryInfo(); err == nil && mi != nil {
			rss = mi.RSS
		}
		if n, err := m.proc.NumFDs(); err == nil {
			fds = n
		}
	}

	m.mu.Lock()
	if m.cpuEMA == 0 {
		m.cpuEMA = cpuPct
	} else {
		m.cpuEMA = emaAlpha*cpuPct + (1-emaAlpha)*m.cpuEMA
	}
	if m.cpuEMA > cpuCriticalPct {
		m.cpuHigh++
	} else {
		m.cpuHigh = 0
	}
	if m.cpuEMA > cpuWarningPct {
		m.cpuWarm++
	} else {
		m.cpuWarm = 0
	}

	sample := m.buildSampleLocked(cpuPct, rss, fds)
	prev := m.status
	m.status = sample.Status
	m.ring[m.ringPos] = sample
	m.ringPos = (m.ringPos + 1) % len(m.ring)
	if m.ringLen < len(m.ring) {
		m.ringLen++
	}
	alert := m.onAlert
	m.mu.Unlock()

	if sample.Status == StatusUnhealthy && prev != StatusUnhealthy {
		m.log.Warn().
			Float64("cpu_ema", m.cpuEMA).
			Uint64("rss", rss).
			Msg("health status degraded to unhealthy")
		if alert != nil {
			alert(sample.Status, sample)
		}
	}
}

func (m *Monitor) buildSampleLocked(cpuPct float64, rss uint64, fds int32) Sample {
	return Sample{
		Timestamp:       time.Now().UTC(),
		CPUPercent:      cpuPct,
		RSSBytes:        rss,
		OpenFDs:         fds,
		UptimeS:         time.Since(m.start).Seconds(),
		CommandsTotal:   m.total,
		CommandsOK:      m.ok,
		CommandsFailed:  m.failed,
		CommandsTimeout: m.timedOut,
		InFlight:        m.inFlight,
		LatencyEMAs:     m.latEMA,
		HeartbeatRTTMs:  m.rttMs,
		Status:          m.deriveLocked(rss),
	}
}

func (m *Monitor) deriveLocked(rss uint64) Status {
	failRate := m.recentFailRateLocked()

	if m.cpuHigh >= cpuStreakSamples {
		return StatusUnhealthy
	}
	if m.cfg.MaxMemoryBytes > 0 && rss > m.cfg.MaxMemoryBytes {
		return StatusUnhealthy
	}
	if len(m.recent) >= recentWindow && failRate > failCriticalRate {
		return StatusUnhealthy
	}
	if m.cpuWarm >= cpuStreakSamples {
		return StatusDegraded
	}
	if m.cfg.MaxMemoryBytes > 0 && float64(rss) > memWarningFrac*float64(m.cfg.MaxMemoryBytes) {
		return StatusDegraded
	}
	if len(m.recent) >= recentWindow/2 && failRate > failWarningRate {
		return StatusDegraded
	}
	return StatusHealthy
}

func (m *Monitor) recentFailRateLocked() float64 {
	if len(m.recent) == 0 {
		return 0
	}
	fails := 0
	for _, ok := range m.recent {
		if !ok {
			fails++
		}
	}
	return float64(fails) / float64(len(m.recent))
}
