package endpoint

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hubwire/hubwire/internal/config"
)

// reconnectState tracks the backoff schedule between dial attempts.
// The schedule resets to the initial delay on a successful register/
// welcome exchange, never merely on a successful dial.
type reconnectState struct {
	mu       sync.Mutex
	cfg      config.ReconnectConfig
	eb       *backoff.ExponentialBackOff
	attempts int
	lastTry  time.Time
}

func newReconnectState(cfg config.ReconnectConfig) *reconnectState {
	r := &reconnectState{cfg: cfg}
	r.eb = r.build()
	return r
}

func (r *reconnectState) build() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(r.cfg.InitialS * float64(time.Second))
	eb.MaxInterval = time.Duration(r.cfg.MaxS * float64(time.Second))
	eb.Multiplier = r.cfg.Multiplier
	eb.RandomizationFactor = r.cfg.Jitter
	eb.MaxElapsedTime = 0 // retry forever
	eb.Reset()
	return eb
}

// NextDelay returns the wait before the next attempt and bumps the
// attempt counter.
func (r *reconnectState) NextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	r.lastTry = time.Now()
	return r.eb.NextBackOff()
}

// Reset restores the initial delay after a completed handshake.
func (r *reconnectState) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.eb.Reset()
}

// UpdateConfig applies new backoff bounds; the current position in the
// schedule restarts.
func (r *reconnectState) UpdateConfig(cfg config.ReconnectConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.eb = r.build()
}

// Attempts reports consecutive failed attempts since the last reset.
func (r *reconnectState) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
