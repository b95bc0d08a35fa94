package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hubwire/hubwire/internal/protocol"
)

// broadcastJob collects the per-endpoint results of one broadcast and
// delivers a single admin response when the last one resolves.
type broadcastJob struct {
	admin      *Peer
	originalID string
	command    string

	mu        sync.Mutex
	remaining int
	results   map[string]*protocol.Response
	delivered bool
}

// pendingCommand is one in-flight admin->endpoint forward. Every
// pending command either resolves with the endpoint's response or
// fails with a typed error; silent loss is impossible by construction.
type pendingCommand struct {
	corrID     string
	originalID string
	admin      *Peer // nil once the admin disconnected
	endpointID int64
	identity   string
	command    string
	issuedAt   time.Time
	timer      *time.Timer
	job        *broadcastJob // nil for plain forwards
}

// Router owns the pending-command table and the forward/broadcast
// contract.
type Router struct {
	log zerolog.Logger

	mu      sync.Mutex
	grace   time.Duration
	pending map[string]*pendingCommand

	forwarded int64
	completed int64
	timedOut  int64
	failed    int64
	discarded int64
}

// NewRouter creates a router with the given hub grace added to every
// forwarded deadline.
func NewRouter(grace time.Duration, log zerolog.Logger) *Router {
	return &Router{
		log:     log,
		grace:   grace,
		pending: make(map[string]*pendingCommand),
	}
}

// Forward sends one inner command to target on behalf of admin. The
// admin's response arrives later, tagged originalID, either from the
// endpoint or synthesized on deadline/disconnect.
func (r *Router) Forward(admin *Peer, originalID string, fw protocol.ForwardPayload, target *Peer, defaultTimeout time.Duration) {
	r.dispatch(admin, originalID, fw, target, defaultTimeout, nil)
}

// Broadcast fans the inner command out to every target and answers the
// admin once with the full result set, ordered by identity.
func (r *Router) Broadcast(admin *Peer, originalID string, fw protocol.ForwardPayload, targets []*Peer, defaultTimeout time.Duration) {
	if len(targets) == 0 {
		admin.SendResponse(originalID,
			protocol.NewSuccess(fw.InnerCommand, []any{}).WithMessage("no endpoints connected"))
		return
	}
	job := &broadcastJob{
		admin:      admin,
		originalID: originalID,
		command:    fw.InnerCommand,
		remaining:  len(targets),
		results:    make(map[string]*protocol.Response, len(targets)),
	}
	for _, target := range targets {
		r.dispatch(admin, originalID, fw, target, defaultTimeout, job)
	}
}

func (r *Router) dispatch(admin *Peer, originalID string, fw protocol.ForwardPayload, target *Peer, defaultTimeout time.Duration, job *broadcastJob) {
	timeout := defaultTimeout
	if fw.TimeoutS != nil {
		timeout = time.Duration(*fw.TimeoutS * float64(time.Second))
	}

	corrID := uuid.NewString()
	inner, err := protocol.NewReply(protocol.TypeCommand, corrID, protocol.CommandPayload{
		Command:  fw.InnerCommand,
		Params:   fw.InnerParams,
		TimeoutS: fw.TimeoutS,
	})
	if err != nil {
		r.deliver(admin, originalID, target.Identity(), job,
			protocol.NewError(fw.InnerCommand, protocol.CodeInvalidParams, err.Error()))
		return
	}

	p := &pendingCommand{
		corrID:     corrID,
		originalID: originalID,
		admin:      admin,
		endpointID: target.ID,
		identity:   target.Identity(),
		command:    fw.InnerCommand,
		issuedAt:   time.Now(),
		job:        job,
	}

	r.mu.Lock()
	grace := r.grace
	r.pending[corrID] = p
	r.forwarded++
	p.timer = time.AfterFunc(timeout+grace, func() { r.expire(corrID) })
	r.mu.Unlock()

	if err := target.Send(inner); err != nil {
		r.resolve(corrID, protocol.NewError(fw.InnerCommand, protocol.CodeDisconnect,
			"endpoint connection lost"), false)
	}
}

// HandleResponse matches an endpoint's response envelope to its pending
// command. Late responses (already expired) are discarded.
func (r *Router) HandleResponse(from *Peer, env *protocol.Envelope) {
	var resp protocol.Response
	if err := env.DecodePayload(&resp); err != nil {
		r.log.Warn().Err(err).Str("id", env.ID).Msg("malformed response payload")
		return
	}

	r.mu.Lock()
	p, ok := r.pending[env.ID]
	if ok && p.endpointID != from.ID {
		// A response for this correlation id from the wrong peer never
		// reaches the admin.
		ok = false
	}
	if !ok {
		r.discarded++
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug().Str("id", env.ID).Int64("from", from.ID).Msg("late or unknown response discarded")
		return
	}
	r.resolve(env.ID, &resp, true)
}

// expire synthesizes a TIMEOUT response for a pending command whose
// deadline (plus hub grace) elapsed.
func (r *Router) expire(corrID string) {
	r.mu.Lock()
	p, ok := r.pending[corrID]
	if ok {
		r.timedOut++
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.resolve(corrID, protocol.NewError(p.command, protocol.CodeTimeout,
		"no response from endpoint within deadline"), false)
}

// FailEndpoint resolves every pending command targeting the given
// endpoint with the supplied error code.
func (r *Router) FailEndpoint(endpointID int64, code, message string) {
	r.mu.Lock()
	var ids []string
	for id, p := range r.pending {
		if p.endpointID == endpointID {
			ids = append(ids, id)
		}
	}
	r.failed += int64(len(ids))
	r.mu.Unlock()

	for _, id := range ids {
		r.mu.Lock()
		p, ok := r.pending[id]
		r.mu.Unlock()
		if ok {
			r.resolve(id, protocol.NewError(p.command, code, message), false)
		}
	}
}

// DropAdmin detaches a disconnected admin from its pending commands.
// The commands complete at the endpoints; their responses are dropped
// on return.
func (r *Router) DropAdmin(adminID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pending {
		if p.admin != nil && p.admin.ID == adminID {
			p.admin = nil
			if p.job != nil {
				p.job.mu.Lock()
				p.job.delivered = true
				p.job.mu.Unlock()
			}
		}
	}
}

// resolve removes the pending record and delivers the outcome.
func (r *Router) resolve(corrID string, resp *protocol.Response, fromEndpoint bool) {
	r.mu.Lock()
	p, ok := r.pending[corrID]
	if ok {
		delete(r.pending, corrID)
		if fromEndpoint {
			r.completed++
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	r.deliver(p.admin, p.originalID, p.identity, p.job, resp)
}

// deliver routes a resolved result either directly to the admin or
// into its broadcast job.
func (r *Router) deliver(admin *Peer, originalID, identity string, job *broadcastJob, resp *protocol.Response) {
	if job != nil {
		job.complete(identity, resp)
		return
	}
	if admin == nil {
		return
	}
	if err := admin.SendResponse(originalID, resp); err != nil {
		r.log.Debug().Err(err).Str("id", originalID).Msg("admin response dropped")
	}
}

// complete records one endpoint's result; the last one delivers the
// aggregated response.
func (j *broadcastJob) complete(identity string, resp *protocol.Response) {
	j.mu.Lock()
	j.results[identity] = resp
	j.remaining--
	done := j.remaining <= 0 && !j.delivered
	if done {
		j.delivered = true
	}
	j.mu.Unlock()
	if !done {
		return
	}

	identities := make([]string, 0, len(j.results))
	for id := range j.results {
		identities = append(identities, id)
	}
	sort.Strings(identities)

	type entry struct {
		Identity string             `json:"identity"`
		Response *protocol.Response `json:"response"`
	}
	out := make([]entry, 0, len(identities))
	for _, id := range identities {
		out = append(out, entry{Identity: id, Response: j.results[id]})
	}
	j.admin.SendResponse(j.originalID, protocol.NewSuccess(j.command, out))
}

// PendingCount reports in-flight forwards.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// RouterStats snapshots the router counters.
type RouterStats struct {
	Pending   int   `json:"pending"`
	Forwarded int64 `json:"forwarded"`
	Completed int64 `json:"completed"`
	TimedOut  int64 `json:"timed_out"`
	Failed    int64 `json:"failed"`
	Discarded int64 `json:"discarded"`
}

// Stats returns the router counters.
func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RouterStats{
		Pending:   len(r.pending),
		Forwarded: r.forwarded,
		Completed: r.completed,
		TimedOut:  r.timedOut,
		Failed:    r.failed,
		Discarded: r.discarded,
	}
}
