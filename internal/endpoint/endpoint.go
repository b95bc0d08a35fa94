package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hubwire/hubwire/internal/config"
	"github.com/hubwire/hubwire/internal/health"
	"github.com/hubwire/hubwire/internal/hotreload"
	"github.com/hubwire/hubwire/internal/logging"
	"github.com/hubwire/hubwire/internal/protocol"
	"github.com/hubwire/hubwire/internal/transport"
)

// ErrEvicted is returned by Run when the hub replaced this endpoint
// with a newer connection bearing the same identity.
var ErrEvicted = errors.New("endpoint evicted by hub")

// Endpoint is the agent running inside one interactive session. It
// owns the hub connection, the handler registry, the scheduler, and the
// reliability services; nothing here is process-global.
type Endpoint struct {
	cfg        *config.Config
	configPath string
	version    string
	started    time.Time

	log   zerolog.Logger
	lm    *logging.Manager
	hm    *health.Monitor
	reg   *Registry
	sched *Scheduler
	hb    *heartbeater
	rs    *reconnectState
	hr    *hotreload.Manager

	mu             sync.Mutex
	conn           *transport.Conn
	pendingRestart *RestartRequest
}

// New assembles an endpoint from its configuration. The logging manager
// is shared with the process entry point; everything else is owned
// here.
func New(cfg *config.Config, configPath, version string, lm *logging.Manager) *Endpoint {
	e := &Endpoint{
		cfg:        cfg,
		configPath: configPath,
		version:    version,
		started:    time.Now(),
		lm:         lm,
		log:        lm.Logger("endpoint"),
		reg:        NewRegistry(),
		rs:         newReconnectState(cfg.Reconnect),
	}
	e.hm = health.New(cfg.Health, lm.Logger("health"))
	e.sched = NewScheduler(e.reg, e.hm, lm.Logger("scheduler"),
		cfg.WorkerPool.Size, cfg.Command.DefaultTimeout(), e.writeEnvelope)
	e.hb = newHeartbeater(cfg.Heartbeat.Interval(), e.hm, lm.Logger("heartbeat"), e.writeEnvelope)
	if cfg.HotReload.Enabled {
		e.hr = hotreload.New(cfg.Endpoint.HandlersDir, configPath, cfg,
			lm.Logger("hotreload"), e.ReloadScriptModules, e.applyConfig)
	}
	e.registerBuiltins()
	e.hm.SetOnAlert(e.emitHealthAlert)
	return e
}

// Registry exposes the handler registry so embedders can add their own
// automation handlers before Run.
func (e *Endpoint) Registry() *Registry { return e.reg }

// Run connects, registers, and serves until the context is canceled,
// the hub evicts this identity, or a restart is requested. A non-nil
// RestartRequest tells the caller to restart the process.
func (e *Endpoint) Run(ctx context.Context) (*RestartRequest, error) {
	go e.hm.Run(ctx)
	if e.hr != nil {
		go e.hr.Run(ctx)
	}
	if err := e.ReloadScriptModules(); err != nil {
		e.log.Warn().Err(err).Msg("initial script module scan failed")
	}

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if r := e.takePendingRestart(); r != nil {
			return r, nil
		}

		err := e.session(ctx)
		if r := e.takePendingRestart(); r != nil {
			return r, nil
		}
		if errors.Is(err, ErrEvicted) {
			return nil, ErrEvicted
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		delay := e.rs.NextDelay()
		e.log.Info().
			Err(err).
			Dur("retry_in", delay).
			Int("attempt", e.rs.Attempts()).
			Msg("hub connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs one connection lifetime: dial, register, serve.
func (e *Endpoint) session(ctx context.Context) error {
	conn, err := transport.Dial(e.cfg.Endpoint.HubURL, e.cfg.Hub.MaxMessageBytes)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", e.cfg.Endpoint.HubURL, err)
	}
	e.setConn(conn)
	defer func() {
		e.setConn(nil)
		e.sched.CancelAll()
		conn.Close()
	}()

	if err := e.register(conn); err != nil {
		return err
	}
	// Backoff resets only after the full register/welcome exchange.
	e.rs.Reset()
	e.log.Info().Str("identity", e.cfg.Endpoint.Identity).Msg("registered with hub")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.hb.Run(sessCtx)

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if protocol.IsProtocolError(err) {
				conn.CloseWithError(protocol.CodeProtocolError, err.Error())
			}
			return err
		}

		switch env.Type {
		case protocol.TypeCommand:
			e.sched.Dispatch(sessCtx, env)
		case protocol.TypeHeartbeat:
			e.hb.Ack(env.ID)
		case protocol.TypeError:
			var p protocol.ErrorPayload
			env.DecodePayload(&p)
			if p.Code == protocol.CodeEvicted {
				e.log.Warn().Str("message", p.Message).Msg("evicted by hub")
				return ErrEvicted
			}
			e.log.Warn().Str("code", p.Code).Str("message", p.Message).Msg("hub error")
		case protocol.TypeAck, protocol.TypeWelcome, protocol.TypeEvent:
			// No action; welcome after handshake and stray acks are benign.
		default:
			e.log.Debug().Str("type", string(env.Type)).Msg("unexpected envelope type")
		}
	}
}

// register performs the register/welcome handshake.
func (e *Endpoint) register(conn *transport.Conn) error {
	hostname, _ := os.Hostname()
	env, err := protocol.New(protocol.TypeRegister, protocol.RegisterPayload{
		Identity:     e.cfg.Endpoint.Identity,
		Capabilities: e.reg.Names(),
		Version:      e.version,
		SystemInfo: protocol.SystemInfo{
			Hostname:  hostname,
			Platform:  runtime.GOOS,
			PID:       os.Getpid(),
			StartTime: e.started.UTC(),
		},
	})
	if err != nil {
		return err
	}
	if err := conn.WriteEnvelope(env); err != nil {
		return err
	}

	reply, err := conn.ReadEnvelope()
	if err != nil {
		return fmt.Errorf("awaiting welcome: %w", err)
	}
	// The hub greets every connection with a welcome before it reads
	// register; the answer to register is the reply correlated to env.ID.
	for reply.Type == protocol.TypeWelcome && reply.ID != env.ID {
		if reply, err = conn.ReadEnvelope(); err != nil {
			return fmt.Errorf("awaiting welcome: %w", err)
		}
	}
	switch reply.Type {
	case protocol.TypeWelcome, protocol.TypeAck:
		var w protocol.WelcomePayload
		if err := reply.DecodePayload(&w); err != nil {
			return err
		}
		e.log.Debug().Int64("peer_id", w.PeerID).Msg("welcome received")
		return nil
	case protocol.TypeError:
		var p protocol.ErrorPayload
		reply.DecodePayload(&p)
		return fmt.Errorf("registration rejected: %s %s", p.Code, p.Message)
	default:
		return fmt.Errorf("unexpected reply to register: %s", reply.Type)
	}
}

// writeEnvelope sends over the current connection; a gone connection
// surfaces as an error the caller may ignore.
func (e *Endpoint) writeEnvelope(env *protocol.Envelope) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return transport.ErrClosed
	}
	return conn.WriteEnvelope(env)
}

func (e *Endpoint) setConn(conn *transport.Conn) {
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
}

// scheduleRestart arms the shutdown timer for restart_client. The
// success response goes out first; when the timer fires the connection
// is torn down and Run returns the request.
func (e *Endpoint) scheduleRestart(req RestartRequest) {
	delay := time.Duration(req.DelayS * float64(time.Second))
	e.log.Info().
		Float64("delay_s", req.DelayS).
		Bool("use_watchdog", req.UseWatchdog).
		Str("reason", req.Reason).
		Msg("restart scheduled")
	time.AfterFunc(delay, func() {
		if env, err := protocol.New(protocol.TypeEvent, protocol.EventPayload{Kind: "restarting"}); err == nil {
			e.writeEnvelope(env)
		}
		e.mu.Lock()
		e.pendingRestart = &req
		conn := e.conn
		e.mu.Unlock()
		if conn != nil {
			conn.CloseWithError(protocol.CodeRestarting, "endpoint restarting: "+req.Reason)
		}
	})
}

func (e *Endpoint) takePendingRestart() *RestartRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.pendingRestart
	e.pendingRestart = nil
	return r
}

// applyConfig handles live-safe config changes dispatched by the hot
// reload manager.
func (e *Endpoint) applyConfig(cfg *config.Config, changes []config.Change) {
	for _, ch := range changes {
		switch ch.Key {
		case "heartbeat.interval-s":
			e.hb.SetInterval(cfg.Heartbeat.Interval())
		case "command.default-timeout-s":
			e.sched.SetDefaultTimeout(cfg.Command.DefaultTimeout())
		case "health.sample-interval-s", "health.max-memory-bytes":
			e.hm.UpdateConfig(cfg.Health)
		case "log.level":
			if err := e.lm.SetLevel(cfg.Log.Level, ""); err != nil {
				e.log.Warn().Err(err).Msg("applying log level")
			}
		case "reconnect.initial-s", "reconnect.max-s", "reconnect.multiplier", "reconnect.jitter":
			e.rs.UpdateConfig(cfg.Reconnect)
		}
		e.log.Info().Str("key", ch.Key).Msg("config change applied")
	}
}

// emitHealthAlert pushes an unsolicited event when status turns
// unhealthy so operators see it without polling.
func (e *Endpoint) emitHealthAlert(status health.Status, sample health.Sample) {
	payload, err := protocol.New(protocol.TypeEvent, protocol.EventPayload{
		Kind: "health_alert",
		Data: mustJSON(map[string]any{
			"status": status,
			"sample": sample,
		}),
	})
	if err != nil {
		return
	}
	if err := e.writeEnvelope(payload); err != nil {
		e.log.Debug().Err(err).Msg("health alert not delivered")
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
