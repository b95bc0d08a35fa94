package endpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hubwire/hubwire/internal/health"
	"github.com/hubwire/hubwire/internal/protocol"
)

// Sender writes a response envelope back toward the hub. The transport
// serializes concurrent writes, so completions may call it directly.
type Sender func(*protocol.Envelope) error

// Scheduler dispatches command envelopes to handlers, enforces
// per-command deadlines, and guarantees that every accepted command
// produces exactly one well-formed response envelope carrying the
// original id (unless the connection is gone, in which case the hub
// fails the command to the admin).
type Scheduler struct {
	reg    *Registry
	hm     *health.Monitor
	log    zerolog.Logger
	send   Sender
	pool   chan struct{}

	mu             sync.Mutex
	defaultTimeout time.Duration
	inflight       map[string]context.CancelFunc
}

// NewScheduler creates a scheduler with a bounded worker pool for
// blocking handlers.
func NewScheduler(reg *Registry, hm *health.Monitor, log zerolog.Logger, poolSize int, defaultTimeout time.Duration, send Sender) *Scheduler {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Scheduler{
		reg:            reg,
		hm:             hm,
		log:            log,
		send:           send,
		pool:           make(chan struct{}, poolSize),
		defaultTimeout: defaultTimeout,
		inflight:       make(map[string]context.CancelFunc),
	}
}

// SetDefaultTimeout applies a live config change.
func (s *Scheduler) SetDefaultTimeout(d time.Duration) {
	s.mu.Lock()
	s.defaultTimeout = d
	s.mu.Unlock()
}

// InFlight reports the number of commands currently executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// CancelAll cancels every in-flight command. Called on connection loss;
// blocking handlers are not killed, their eventual results are dropped
// by the closed transport.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.inflight))
	for _, cancel := range s.inflight {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Dispatch routes one command envelope. Dispatch errors (unknown
// command, invalid params, zero timeout) respond immediately without
// invoking a handler; everything else runs under a deadline.
func (s *Scheduler) Dispatch(ctx context.Context, env *protocol.Envelope) {
	var payload protocol.CommandPayload
	if err := env.DecodePayload(&payload); err != nil || payload.Command == "" {
		s.respond(env.ID, protocol.NewError("", protocol.CodeInvalidParams, "command payload missing or malformed"))
		return
	}

	handler, ok := s.reg.Lookup(payload.Command)
	if !ok {
		s.respond(env.ID, protocol.NewError(payload.Command, protocol.CodeUnknownCommand,
			"no handler registered for "+payload.Command))
		return
	}

	timeout := s.effectiveTimeout(payload.TimeoutS, handler.DefaultTimeout)
	if timeout <= 0 {
		s.respond(env.ID, protocol.NewError(payload.Command, protocol.CodeTimeout,
			"command deadline elapsed before dispatch"))
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	s.track(env.ID, cancel)
	s.hm.CommandStarted()

	if handler.Kind == KindBlocking {
		go s.runBlocking(cmdCtx, cancel, env.ID, handler, payload)
		return
	}
	s.runCooperative(cmdCtx, cancel, env.ID, handler, payload)
}

func (s *Scheduler) effectiveTimeout(requested *float64, handlerDefault time.Duration) time.Duration {
	if requested != nil {
		return time.Duration(*requested * float64(time.Second))
	}
	if handlerDefault > 0 {
		return handlerDefault
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultTimeout
}

func (s *Scheduler) runCooperative(ctx context.Context, cancel context.CancelFunc, id string, h Handler, payload protocol.CommandPayload) {
	defer cancel()
	start := time.Now()
	resp, err := s.invoke(ctx, h, payload.Params)
	elapsed := time.Since(start)
	s.finish(ctx, id, h.Name, resp, err, elapsed, 0)
}

func (s *Scheduler) runBlocking(ctx context.Context, cancel context.CancelFunc, id string, h Handler, payload protocol.CommandPayload) {
	defer cancel()

	queued := time.Now()
	select {
	case s.pool <- struct{}{}:
	case <-ctx.Done():
		// Deadline includes queue wait; the command never ran.
		s.finish(ctx, id, h.Name, nil, ctx.Err(), 0, time.Since(queued))
		return
	}
	queueWait := time.Since(queued)

	type result struct {
		resp *protocol.Response
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		resp, err := s.invoke(ctx, h, payload.Params)
		<-s.pool
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		s.finish(ctx, id, h.Name, r.resp, r.err, time.Since(start), queueWait)
	case <-ctx.Done():
		// Abandoned: the goroutine keeps its pool slot until the
		// handler actually returns, then its result is dropped.
		s.log.Warn().Str("command", h.Name).Str("id", id).Msg("blocking handler abandoned at deadline")
		s.finish(ctx, id, h.Name, nil, ctx.Err(), time.Since(start), queueWait)
	}
}

// invoke runs the handler, converting panics into errors so one broken
// handler cannot take down the endpoint.
func (s *Scheduler) invoke(ctx context.Context, h Handler, params json.RawMessage) (resp *protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = protocol.NewCommandError(protocol.CodeHandlerFailed, "handler panic: %v", r)
		}
	}()
	return h.Fn(ctx, params)
}

// finish converts the handler outcome into a response envelope, writes
// it back, and accounts the execution.
func (s *Scheduler) finish(ctx context.Context, id, command string, resp *protocol.Response, err error, elapsed, queueWait time.Duration) {
	s.untrack(id)
	s.hm.CommandFinished()

	timedOut := false
	switch {
	case err != nil && ctx.Err() != nil:
		timedOut = true
		resp = protocol.NewError(command, protocol.CodeTimeout,
			"command deadline exceeded")
	case err != nil:
		resp = protocol.FromError(command, err)
	case resp == nil:
		resp = protocol.NewSuccess(command, nil)
	}
	resp.Metadata.Command = command
	resp.Metadata.ExecutionTime = elapsed.Seconds()
	resp.Metadata.QueueTime = queueWait.Seconds()

	s.hm.RecordCommand(resp.Success, timedOut, elapsed)
	s.respond(id, resp)
}

func (s *Scheduler) respond(id string, resp *protocol.Response) {
	env, err := protocol.NewReply(protocol.TypeResponse, id, resp)
	if err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("encoding response payload")
		fallback := protocol.NewError(resp.Metadata.Command, protocol.CodeHandlerFailed, "response not serializable")
		fallback.Metadata = resp.Metadata
		env, _ = protocol.NewReply(protocol.TypeResponse, id, fallback)
	}
	if err := s.send(env); err != nil {
		s.log.Debug().Err(err).Str("id", id).Msg("response dropped, connection gone")
	}
}

func (s *Scheduler) track(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight[id] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) untrack(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}
