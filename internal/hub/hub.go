package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hubwire/hubwire/internal/config"
	"github.com/hubwire/hubwire/internal/logging"
	"github.com/hubwire/hubwire/internal/protocol"
	"github.com/hubwire/hubwire/internal/transport"
)

// Hub is the central server. It accepts websocket peers, registers
// endpoints, routes admin commands, and sweeps stale connections.
type Hub struct {
	cfg *config.Config
	log zerolog.Logger

	registry *Registry
	router   *Router
	admin    *AdminRegistry
	started  time.Time

	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownMu sync.Mutex
	shutdown   bool
}

// New assembles a hub. Plugins load on Start.
func New(cfg *config.Config, lm *logging.Manager) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		log:      lm.Logger("hub"),
		registry: NewRegistry(),
		router:   NewRouter(cfg.Hub.Grace(), lm.Logger("router")),
		admin:    NewAdminRegistry(),
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.registerBuiltins()
	return h
}

// Start binds the listen address and begins accepting peers.
func (h *Hub) Start() error {
	if _, err := h.LoadPlugins(); err != nil {
		h.log.Warn().Err(err).Msg("plugin load failed, continuing with built-ins")
	}

	ln, err := net.Listen("tcp", h.cfg.Hub.Addr())
	if err != nil {
		return err
	}
	h.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.serveWS)
	h.server = &http.Server{Handler: mux}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error().Err(err).Msg("serve loop ended")
		}
	}()
	go h.staleSweeper()

	h.log.Info().Str("addr", ln.Addr().String()).Msg("hub listening")
	return nil
}

// Addr reports the bound listen address, useful when port 0 was
// requested.
func (h *Hub) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop gracefully shuts the hub down.
func (h *Hub) Stop(ctx context.Context) error {
	h.shutdownMu.Lock()
	if h.shutdown {
		h.shutdownMu.Unlock()
		return nil
	}
	h.shutdown = true
	h.shutdownMu.Unlock()

	h.cancel()
	var errs []error
	if h.server != nil {
		if err := h.server.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range h.registry.All() {
		p.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	h.log.Info().Msg("hub stopped")
	return errors.Join(errs...)
}

// serveWS upgrades an incoming connection and runs its peer loop.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := transport.Upgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	conn := transport.NewConn(ws, h.cfg.Hub.MaxMessageBytes)

	h.wg.Add(1)
	defer h.wg.Done()
	h.handlePeer(h.ctx, conn)
}

func (h *Hub) defaultTimeout() time.Duration {
	return h.cfg.Command.DefaultTimeout()
}

// staleSweeper periodically evicts endpoints whose traffic stopped for
// longer than the stale threshold; their pending commands fail with
// STALE_ENDPOINT.
func (h *Hub) staleSweeper() {
	defer h.wg.Done()

	threshold := h.cfg.Heartbeat.StaleThreshold()
	tick := threshold / 4
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-threshold)
		for _, p := range h.registry.Endpoints() {
			if p.LastSeen().After(cutoff) {
				continue
			}
			if !p.MarkStale() {
				continue
			}
			h.log.Warn().
				Int64("peer_id", p.ID).
				Str("identity", p.Identity()).
				Msg("endpoint stale, evicting")
			h.router.FailEndpoint(p.ID, protocol.CodeStaleEndpoint,
				"endpoint went stale")
			p.SendError(protocol.CodeStaleEndpoint, "no traffic within stale threshold")
			p.Close()
		}
	}
}
