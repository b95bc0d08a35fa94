package hub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hubwire/hubwire/internal/protocol"
)

// AdminHandler serves one built-in or plugin admin command. Returning a
// nil response with a nil error means the response is deferred (the
// router delivers it later); anything else is sent immediately.
type AdminHandler func(ctx context.Context, admin *Peer, params json.RawMessage) (*protocol.Response, error)

// AdminRegistry is the hub's admin command table. Plugin loads replace
// the plugin-owned subset atomically.
type AdminRegistry struct {
	mu       sync.RWMutex
	commands map[string]AdminHandler
	owner    map[string]string
}

// NewAdminRegistry creates an empty table.
func NewAdminRegistry() *AdminRegistry {
	return &AdminRegistry{
		commands: make(map[string]AdminHandler),
		owner:    make(map[string]string),
	}
}

// RegisterCommand installs or replaces a command under an owning
// module.
func (a *AdminRegistry) RegisterCommand(module, name string, fn AdminHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands[name] = fn
	a.owner[name] = module
}

// SwapModule replaces the full command set of one module.
func (a *AdminRegistry) SwapModule(module string, cmds map[string]AdminHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, owner := range a.owner {
		if owner == module {
			if _, keep := cmds[name]; !keep {
				delete(a.commands, name)
				delete(a.owner, name)
			}
		}
	}
	for name, fn := range cmds {
		a.commands[name] = fn
		a.owner[name] = module
	}
}

// Lookup resolves a command name.
func (a *AdminRegistry) Lookup(name string) (AdminHandler, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn, ok := a.commands[name]
	return fn, ok
}

// Names lists registered admin commands, sorted.
func (a *AdminRegistry) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.commands))
	for name := range a.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// registerBuiltins installs the built-in admin command set. None of
// these touch an endpoint except the forward/broadcast pair.
func (h *Hub) registerBuiltins() {
	h.admin.RegisterCommand(builtinModule, "list_clients", h.adminListClients)
	h.admin.RegisterCommand(builtinModule, "get_client_info", h.adminGetClientInfo)
	h.admin.RegisterCommand(builtinModule, "get_stats", h.adminGetStats)
	h.admin.RegisterCommand(builtinModule, "forward_command", h.adminForwardCommand)
	h.admin.RegisterCommand(builtinModule, "broadcast_command", h.adminBroadcastCommand)
	h.admin.RegisterCommand(builtinModule, "disconnect_client", h.adminDisconnectClient)
	h.admin.RegisterCommand(builtinModule, "reload_plugins", h.adminReloadPlugins)
}

const builtinModule = "builtin"

func (h *Hub) adminListClients(ctx context.Context, admin *Peer, params json.RawMessage) (*protocol.Response, error) {
	var p struct {
		Capability string `json:"capability"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewCommandError(protocol.CodeInvalidParams, "list_clients params: %v", err)
		}
	}
	endpoints := h.registry.Endpoints()
	if p.Capability != "" {
		endpoints = h.registry.WithCapability(p.Capability)
	}
	infos := make([]Info, 0, len(endpoints))
	for _, p := range endpoints {
		infos = append(infos, p.Snapshot())
	}
	return protocol.NewSuccess("list_clients", map[string]any{
		"clients": infos,
		"count":   len(infos),
	}), nil
}

func (h *Hub) adminGetClientInfo(ctx context.Context, admin *Peer, params json.RawMessage) (*protocol.Response, error) {
	var p struct {
		Identity string `json:"identity"`
		PeerID   int64  `json:"peer_id"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewCommandError(protocol.CodeInvalidParams, "get_client_info params: %v", err)
		}
	}
	var peer *Peer
	var ok bool
	switch {
	case p.Identity != "":
		peer, ok = h.registry.ByIdentity(p.Identity)
	case p.PeerID != 0:
		peer, ok = h.registry.Get(p.PeerID)
	default:
		return nil, protocol.NewCommandError(protocol.CodeInvalidParams, "identity or peer_id required")
	}
	if !ok {
		return nil, protocol.NewCommandError(protocol.CodeUnknownTarget, "no such client")
	}
	return protocol.NewSuccess("get_client_info", peer.Snapshot()), nil
}

func (h *Hub) adminGetStats(ctx context.Context, admin *Peer, params json.RawMessage) (*protocol.Response, error) {
	return protocol.NewSuccess("get_stats", map[string]any{
		"uptime_s": time.Since(h.started).Seconds(),
		"registry": h.registry.Stats(),
		"router":   h.router.Stats(),
		"commands": h.admin.Names(),
	}), nil
}

func (h *Hub) adminForwardCommand(ctx context.Context, admin *Peer, params json.RawMessage) (*protocol.Response, error) {
	fw, err := decodeForward(params)
	if err != nil {
		return nil, err
	}
	target, ok := h.registry.ByIdentity(fw.TargetIdentity)
	if !ok {
		return nil, protocol.NewCommandError(protocol.CodeUnknownTarget,
			"no endpoint with identity %q", fw.TargetIdentity)
	}
	h.router.Forward(admin, adminOriginalID(ctx), fw, target, h.defaultTimeout())
	return nil, nil // response deferred to the router
}

func (h *Hub) adminBroadcastCommand(ctx context.Context, admin *Peer, params json.RawMessage) (*protocol.Response, error) {
	fw, err := decodeForward(params)
	if err != nil {
		return nil, err
	}
	h.router.Broadcast(admin, adminOriginalID(ctx), fw, h.registry.Endpoints(), h.defaultTimeout())
	return nil, nil
}

func decodeForward(params json.RawMessage) (protocol.ForwardPayload, error) {
	var fw protocol.ForwardPayload
	if err := json.Unmarshal(params, &fw); err != nil {
		return fw, protocol.NewCommandError(protocol.CodeInvalidParams, "forward params: %v", err)
	}
	if fw.InnerCommand == "" {
		return fw, protocol.NewCommandError(protocol.CodeInvalidParams, "inner_command required")
	}
	return fw, nil
}

func (h *Hub) adminDisconnectClient(ctx context.Context, admin *Peer, params json.RawMessage) (*protocol.Response, error) {
	var p struct {
		PeerID int64 `json:"peer_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.PeerID == 0 {
		return nil, protocol.NewCommandError(protocol.CodeInvalidParams, "peer_id required")
	}
	peer, ok := h.registry.Get(p.PeerID)
	if !ok {
		return nil, protocol.NewCommandError(protocol.CodeUnknownTarget, "no peer %d", p.PeerID)
	}
	peer.SendError(protocol.CodeDisconnect, "disconnected by admin")
	peer.Close()
	return protocol.NewSuccess("disconnect_client", map[string]any{
		"peer_id": p.PeerID,
	}).WithMessage("peer disconnected"), nil
}

func (h *Hub) adminReloadPlugins(ctx context.Context, admin *Peer, params json.RawMessage) (*protocol.Response, error) {
	loaded, err := h.LoadPlugins()
	if err != nil {
		return nil, protocol.NewCommandError(protocol.CodeReloadFailed, "plugin reload: %v", err)
	}
	return protocol.NewSuccess("reload_plugins", map[string]any{
		"loaded":   loaded,
		"commands": h.admin.Names(),
	}).WithMessage("%d plugin commands loaded", len(loaded)), nil
}

// adminOriginalID carries the admin envelope id through the handler
// context so deferred responses stay correlated.
type originalIDKey struct{}

func withOriginalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, originalIDKey{}, id)
}

func adminOriginalID(ctx context.Context) string {
	if v, ok := ctx.Value(originalIDKey{}).(string); ok {
		return v
	}
	return ""
}
