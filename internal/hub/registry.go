package hub

import (
	"sort"
	"sync"

	"github.com/hubwire/hubwire/internal/protocol"
)

// Registry is the hub's peer table. It maintains peer_id -> Peer plus
// the endpoint identity index, and enforces the one-endpoint-per-
// identity invariant through eviction.
type Registry struct {
	mu         sync.Mutex
	nextID     int64
	peers      map[int64]*Peer
	identities map[string]int64

	totalAccepted int64
	evictions     int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers:      make(map[int64]*Peer),
		identities: make(map[string]int64),
	}
}

// Accept creates a peer for a fresh connection. Peers start as admins;
// a register envelope promotes them to endpoints.
func (r *Registry) Accept(conn wire) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.totalAccepted++
	p := newPeer(r.nextID, conn)
	r.peers[p.ID] = p
	return p
}

// BindEndpoint promotes a peer to endpoint under the registered
// identity. If the identity is already bound, the prior peer is
// unbound and returned; the new binding is committed in the same
// locked step, so it is visible to routing before the caller closes
// the evicted peer and fails its pending commands.
func (r *Registry) BindEndpoint(p *Peer, reg protocol.RegisterPayload) (evicted *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldID, ok := r.identities[reg.Identity]; ok && oldID != p.ID {
		if old, ok := r.peers[oldID]; ok {
			evicted = old
			delete(r.peers, oldID)
		}
		delete(r.identities, reg.Identity)
		r.evictions++
	}

	p.mu.Lock()
	if p.identity != "" && p.identity != reg.Identity && r.identities[p.identity] == p.ID {
		// Re-registration under a new identity releases the old one.
		delete(r.identities, p.identity)
	}
	p.role = RoleEndpoint
	p.identity = reg.Identity
	p.capabilities = append([]string(nil), reg.Capabilities...)
	p.version = reg.Version
	p.systemInfo = reg.SystemInfo
	p.mu.Unlock()

	r.identities[reg.Identity] = p.ID
	return evicted
}

// Remove drops a peer and, for endpoints, its identity binding. The
// binding is only cleared if it still points at this peer, so an
// evicted endpoint disconnecting late cannot unbind its replacement.
func (r *Registry) Remove(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, p.ID)
	identity := p.Identity()
	if identity != "" && r.identities[identity] == p.ID {
		delete(r.identities, identity)
	}
}

// Get resolves a peer id.
func (r *Registry) Get(id int64) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

// ByIdentity resolves an endpoint identity.
func (r *Registry) ByIdentity(identity string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.identities[identity]
	if !ok {
		return nil, false
	}
	p, ok := r.peers[id]
	return p, ok
}

// Endpoints returns all registered endpoints, ordered by identity so
// broadcast results are deterministic.
func (r *Registry) Endpoints() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.identities))
	for _, id := range r.identities {
		if p, ok := r.peers[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out
}

// All returns every connected peer.
func (r *Registry) All() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// WithCapability returns endpoints advertising the named handler,
// ordered by identity.
func (r *Registry) WithCapability(name string) []*Peer {
	var out []*Peer
	for _, p := range r.Endpoints() {
		if p.HasCapability(name) {
			out = append(out, p)
		}
	}
	return out
}

// Counts reports registry statistics.
type Counts struct {
	Peers         int   `json:"peers"`
	Endpoints     int   `json:"endpoints"`
	Admins        int   `json:"admins"`
	TotalAccepted int64 `json:"total_accepted"`
	Evictions     int64 `json:"evictions"`
}

// Stats snapshots the registry counters.
func (r *Registry) Stats() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	endpoints := len(r.identities)
	return Counts{
		Peers:         len(r.peers),
		Endpoints:     endpoints,
		Admins:        len(r.peers) - endpoints,
		TotalAccepted: r.totalAccepted,
		Evictions:     r.evictions,
	}
}
