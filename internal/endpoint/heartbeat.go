package endpoint

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hubwire/hubwire/internal/health"
	"github.com/hubwire/hubwire/internal/protocol"
)

// heartbeater sends liveness pings on an interval and matches the
// hub's echoed acks back to their send times to measure RTT.
type heartbeater struct {
	log  zerolog.Logger
	hm   *health.Monitor
	send Sender

	mu       sync.Mutex
	interval time.Duration
	pending  map[string]time.Time
}

func newHeartbeater(interval time.Duration, hm *health.Monitor, log zerolog.Logger, send Sender) *heartbeater {
	return &heartbeater{
		log:      log,
		hm:       hm,
		send:     send,
		interval: interval,
		pending:  make(map[string]time.Time),
	}
}

// Run emits heartbeats until the context is canceled. A connection
// teardown cancels the context; pending acks are forgotten with it.
func (h *heartbeater) Run(ctx context.Context) {
	for {
		h.mu.Lock()
		interval := h.interval
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.pending = make(map[string]time.Time)
			h.mu.Unlock()
			return
		case <-time.After(interval):
		}

		env, err := protocol.New(protocol.TypeHeartbeat, nil)
		if err != nil {
			continue
		}
		h.mu.Lock()
		h.pending[env.ID] = time.Now()
		// Cap the pending table; an ack that never comes must not leak.
		if len(h.pending) > 16 {
			oldest, oldestAt := "", time.Now()
			for id, at := range h.pending {
				if at.Before(oldestAt) {
					oldest, oldestAt = id, at
				}
			}
			delete(h.pending, oldest)
		}
		h.mu.Unlock()

		if err := h.send(env); err != nil {
			h.log.Debug().Err(err).Msg("heartbeat send failed")
		}
	}
}

// Ack handles the hub's echo of a heartbeat id.
func (h *heartbeater) Ack(id string) {
	h.mu.Lock()
	sent, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	h.mu.Unlock()
	if ok {
		rtt := time.Since(sent)
		h.hm.RecordHeartbeatRTT(rtt)
		h.log.Trace().Dur("rtt", rtt).Msg("heartbeat ack")
	}
}

// SetInterval applies a live config change.
func (h *heartbeater) SetInterval(d time.Duration) {
	h.mu.Lock()
	h.interval = d
	h.mu.Unlock()
}
