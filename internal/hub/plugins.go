package hub

import (
	"context"
	"encoding/json"

	"github.com/hubwire/hubwire/internal/hotreload"
	"github.com/hubwire/hubwire/internal/protocol"
)

const pluginModule = "plugins"

// LoadPlugins scans the plugin directory and swaps the plugin-owned
// admin command set. Each executable file registers one command named
// after the file; invocation passes params JSON on stdin and reads the
// response from stdout. A file that later fails to run surfaces as a
// command error; it cannot take other plugins down with it.
func (h *Hub) LoadPlugins() ([]string, error) {
	scripts, err := hotreload.ScanScripts(h.cfg.Hub.PluginDir)
	if err != nil {
		return nil, err
	}

	cmds := make(map[string]AdminHandler, len(scripts))
	names := make([]string, 0, len(scripts))
	for _, sc := range scripts {
		if _, taken := h.admin.Lookup(sc.Name); taken && h.adminOwner(sc.Name) == builtinModule {
			h.log.Warn().Str("plugin", sc.Name).Msg("plugin shadows a built-in command, skipped")
			continue
		}
		path := sc.Path
		name := sc.Name
		cmds[name] = func(ctx context.Context, admin *Peer, params json.RawMessage) (*protocol.Response, error) {
			out, err := hotreload.RunScript(ctx, path, params)
			if err != nil {
				return nil, err
			}
			return protocol.NewSuccess(name, out), nil
		}
		names = append(names, name)
	}

	h.admin.SwapModule(pluginModule, cmds)
	h.log.Info().Strs("commands", names).Msg("hub plugins loaded")
	return names, nil
}

func (h *Hub) adminOwner(name string) string {
	h.admin.mu.RLock()
	defer h.admin.mu.RUnlock()
	return h.admin.owner[name]
}
