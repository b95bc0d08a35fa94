// Package hub implements the central server: a session registry for
// endpoint and admin peers, a router that forwards admin commands to
// endpoints with correlated responses, and a small built-in admin
// command surface extensible through drop-in plugins. The hub owns no
// automation logic.
package hub

import (
	"sync"
	"time"

	"github.com/hubwire/hubwire/internal/protocol"
)

// wire is the connection surface a peer needs. *transport.Conn
// implements it; tests substitute an in-memory fake.
type wire interface {
	WriteEnvelope(*protocol.Envelope) error
	Close() error
}

// Role distinguishes the two kinds of peers.
type Role string

const (
	// RoleAdmin issues commands and receives responses. Every peer
	// starts as an admin until it registers an identity.
	RoleAdmin Role = "admin"
	// RoleEndpoint registered an identity and executes commands.
	RoleEndpoint Role = "endpoint"
)

// PeerStatus tracks the connection lifecycle.
type PeerStatus string

const (
	StatusConnected PeerStatus = "connected"
	StatusStale     PeerStatus = "stale"
	StatusClosing   PeerStatus = "closing"
)

// latencyAlpha smooths the per-peer latency estimate.
const latencyAlpha = 0.3

// Peer is one active connection. The hub uniquely owns all Peer
// records; ids are monotonic and never reused within a hub lifetime.
type Peer struct {
	ID   int64
	conn wire

	mu           sync.Mutex
	role         Role
	identity     string
	capabilities []string
	version      string
	systemInfo   protocol.SystemInfo
	connectedAt  time.Time
	lastSeen     time.Time
	latencyMs    float64
	status       PeerStatus
}

func newPeer(id int64, conn wire) *Peer {
	now := time.Now()
	return &Peer{
		ID:          id,
		conn:        conn,
		role:        RoleAdmin,
		connectedAt: now,
		lastSeen:    now,
		status:      StatusConnected,
	}
}

// Send writes an envelope to the peer. The transport serializes
// concurrent writers, so responses to one admin stay FIFO per caller.
func (p *Peer) Send(env *protocol.Envelope) error {
	return p.conn.WriteEnvelope(env)
}

// SendResponse wraps a response body in a response envelope bearing id.
func (p *Peer) SendResponse(id string, resp *protocol.Response) error {
	env, err := protocol.NewReply(protocol.TypeResponse, id, resp)
	if err != nil {
		return err
	}
	return p.Send(env)
}

// SendError sends a protocol-level error envelope.
func (p *Peer) SendError(code, message string) error {
	env, err := protocol.New(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return err
	}
	return p.Send(env)
}

// Close tears down the connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	p.status = StatusClosing
	p.mu.Unlock()
	return p.conn.Close()
}

// Touch records traffic from the peer and clears staleness.
func (p *Peer) Touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	if p.status == StatusStale {
		p.status = StatusConnected
	}
	p.mu.Unlock()
}

// ObserveLatency folds one latency measurement into the EMA.
func (p *Peer) ObserveLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	if ms < 0 {
		return
	}
	p.mu.Lock()
	if p.latencyMs == 0 {
		p.latencyMs = ms
	} else {
		p.latencyMs = latencyAlpha*ms + (1-latencyAlpha)*p.latencyMs
	}
	p.mu.Unlock()
}

// Role returns the peer's current role.
func (p *Peer) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// Identity returns the registered identity, empty for admins.
func (p *Peer) Identity() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identity
}

// LastSeen returns the time of the peer's latest traffic.
func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// MarkStale flips the peer to stale; returns false if already stale or
// closing.
func (p *Peer) MarkStale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusConnected {
		return false
	}
	p.status = StatusStale
	return true
}

// HasCapability reports whether the endpoint advertised a handler name.
func (p *Peer) HasCapability(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Info is the list_clients projection of a peer.
type Info struct {
	PeerID       int64               `json:"peer_id"`
	Role         Role                `json:"role"`
	Identity     string              `json:"identity,omitempty"`
	Capabilities []string            `json:"capabilities,omitempty"`
	Version      string              `json:"version,omitempty"`
	SystemInfo   protocol.SystemInfo `json:"system_info,omitempty"`
	ConnectedAt  time.Time           `json:"connected_at"`
	LastSeen     time.Time           `json:"last_heartbeat_at"`
	LatencyMs    float64             `json:"latency_ms"`
	Status       PeerStatus          `json:"status"`
}

// Snapshot returns a copy of the peer's visible state.
func (p *Peer) Snapshot() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		PeerID:       p.ID,
		Role:         p.role,
		Identity:     p.identity,
		Capabilities: append([]string(nil), p.capabilities...),
		Version:      p.version,
		SystemInfo:   p.systemInfo,
		ConnectedAt:  p.connectedAt,
		LastSeen:     p.lastSeen,
		LatencyMs:    p.latencyMs,
		Status:       p.status,
	}
}
