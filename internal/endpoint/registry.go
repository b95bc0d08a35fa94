// Package endpoint implements the agent that runs inside an interactive
// session: it maintains the hub connection, schedules command execution
// against a handler registry, and carries the reliability services
// (heartbeat, reconnect, health, restart).
package endpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hubwire/hubwire/internal/protocol"
)

// HandlerKind tells the scheduler where a handler may run.
type HandlerKind string

const (
	// KindCooperative handlers run on the scheduler goroutine and must
	// observe ctx cancellation at every suspension point.
	KindCooperative HandlerKind = "cooperative"
	// KindBlocking handlers call native APIs, read files, or spawn
	// subprocesses; they are offloaded to the bounded worker pool.
	KindBlocking HandlerKind = "blocking"
)

// HandlerFunc executes a command. It returns a response or an error;
// a *protocol.CommandError keeps its code, any other error surfaces as
// HANDLER_FAILED.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (*protocol.Response, error)

// Handler is one registered operation.
type Handler struct {
	Name           string
	Kind           HandlerKind
	DefaultTimeout time.Duration
	Fn             HandlerFunc

	// Module records which unit registered the handler so a module
	// reload can retire names the module no longer exports.
	Module string
}

// Registry maps command names to handlers. Registration is idempotent:
// re-registering a name atomically replaces the prior entry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs or replaces a handler.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name] = h
}

// RegisterModule swaps the full handler set of one module: names the
// module previously owned but no longer exports are removed, the rest
// are replaced, all under one lock so readers never observe a partial
// state.
func (r *Registry) RegisterModule(module string, hs []Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make(map[string]bool, len(hs))
	for _, h := range hs {
		h.Module = module
		r.handlers[h.Name] = h
		fresh[h.Name] = true
	}
	for name, h := range r.handlers {
		if h.Module == module && !fresh[name] {
			delete(r.handlers, name)
		}
	}
}

// Lookup resolves a command name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ModuleNames returns the names owned by one module, sorted.
func (r *Registry) ModuleNames(module string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, h := range r.handlers {
		if h.Module == module {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
