package endpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hubwire/hubwire/internal/hotreload"
	"github.com/hubwire/hubwire/internal/logging"
	"github.com/hubwire/hubwire/internal/protocol"
)

// coreModule owns the built-in handlers every endpoint carries.
const coreModule = "core"

// RestartRequest describes a restart_client invocation.
type RestartRequest struct {
	DelayS      float64 `json:"delay_s"`
	UseWatchdog bool    `json:"use_watchdog"`
	Reason      string  `json:"reason"`
}

// registerBuiltins installs the core command surface.
func (e *Endpoint) registerBuiltins() {
	e.reg.RegisterModule(coreModule, []Handler{
		{Name: "health_status", Kind: KindCooperative, Fn: e.handleHealthStatus},
		{Name: "get_logs", Kind: KindCooperative, Fn: e.handleGetLogs},
		{Name: "set_log_level", Kind: KindCooperative, Fn: e.handleSetLogLevel},
		{Name: "get_log_stats", Kind: KindCooperative, Fn: e.handleGetLogStats},
		{Name: "list_handlers", Kind: KindCooperative, Fn: e.handleListHandlers},
		{Name: "hot_reload", Kind: KindBlocking, Fn: e.handleHotReload},
		{Name: "restart_client", Kind: KindCooperative, Fn: e.handleRestartClient},
	})
}

func (e *Endpoint) handleHealthStatus(ctx context.Context, params json.RawMessage) (*protocol.Response, error) {
	sample := e.hm.Latest()
	return protocol.NewSuccess("health_status", map[string]any{
		"status": sample.Status,
		"sample": sample,
	}), nil
}

func (e *Endpoint) handleGetLogs(ctx context.Context, params json.RawMessage) (*protocol.Response, error) {
	var p struct {
		Level string `json:"level"`
		Name  string `json:"name"`
		Since string `json:"since"`
		Limit int    `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewCommandError(protocol.CodeInvalidParams, "get_logs params: %v", err)
		}
	}
	filter := logging.Filter{Level: p.Level, Name: p.Name, Limit: p.Limit}
	if p.Since != "" {
		since, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return nil, protocol.NewCommandError(protocol.CodeInvalidParams, "since must be RFC3339: %v", err)
		}
		filter.Since = since
	}
	records := e.lm.Ring().Snapshot(filter)
	return protocol.NewSuccess("get_logs", map[string]any{
		"records": records,
		"count":   len(records),
	}), nil
}

func (e *Endpoint) handleSetLogLevel(ctx context.Context, params json.RawMessage) (*protocol.Response, error) {
	var p struct {
		Level  string `json:"level"`
		Logger string `json:"logger"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Level == "" {
		return nil, protocol.NewCommandError(protocol.CodeInvalidParams, "set_log_level requires level")
	}
	if err := e.lm.SetLevel(p.Level, p.Logger); err != nil {
		return nil, protocol.NewCommandError(protocol.CodeInvalidParams, "%v", err)
	}
	return protocol.NewSuccess("set_log_level", map[string]any{
		"level":  p.Level,
		"logger": p.Logger,
	}).WithMessage("log level applied"), nil
}

func (e *Endpoint) handleGetLogStats(ctx context.Context, params json.RawMessage) (*protocol.Response, error) {
	return protocol.NewSuccess("get_log_stats", e.lm.GetStats()), nil
}

func (e *Endpoint) handleListHandlers(ctx context.Context, params json.RawMessage) (*protocol.Response, error) {
	return protocol.NewSuccess("list_handlers", map[string]any{
		"handlers": e.reg.Names(),
	}), nil
}

func (e *Endpoint) handleHotReload(ctx context.Context, params json.RawMessage) (*protocol.Response, error) {
	var p struct {
		Action string `json:"action"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.NewCommandError(protocol.CodeInvalidParams, "hot_reload params: %v", err)
		}
	}
	if e.hr == nil {
		return nil, protocol.NewCommandError(protocol.CodeReloadFailed, "hot reload disabled")
	}

	switch p.Action {
	case "", "status":
		return protocol.NewSuccess("hot_reload", e.hr.GetStatus()), nil
	case "reload_module":
		if err := e.hr.ReloadModules(); err != nil {
			return nil, err
		}
	case "reload_config":
		if err := e.hr.ReloadConfig(); err != nil {
			return nil, err
		}
	case "reload_all":
		if err := e.hr.ReloadAll(); err != nil {
			return nil, err
		}
	default:
		return nil, protocol.NewCommandError(protocol.CodeInvalidParams, "unknown action %q", p.Action)
	}
	return protocol.NewSuccess("hot_reload", e.hr.GetStatus()).WithMessage("%s completed", p.Action), nil
}

func (e *Endpoint) handleRestartClient(ctx context.Context, params json.RawMessage) (*protocol.Response, error) {
	req := RestartRequest{DelayS: 2}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, protocol.NewCommandError(protocol.CodeInvalidParams, "restart_client params: %v", err)
		}
	}
	if req.DelayS < 0 {
		req.DelayS = 0
	}
	e.scheduleRestart(req)
	return protocol.NewSuccess("restart_client", map[string]any{
		"delay_s":      req.DelayS,
		"use_watchdog": req.UseWatchdog,
		"reason":       req.Reason,
	}).WithMessage("restart scheduled in %.1fs", req.DelayS), nil
}

// ReloadScriptModules rescans the handlers directory and swaps the
// script-backed handler set. Each executable file becomes one blocking
// handler named after the file; invocation passes params JSON on stdin
// and parses the response from stdout.
func (e *Endpoint) ReloadScriptModules() error {
	scripts, err := hotreload.ScanScripts(e.cfg.Endpoint.HandlersDir)
	if err != nil {
		return err
	}
	handlers := make([]Handler, 0, len(scripts))
	for _, sc := range scripts {
		path := sc.Path
		name := sc.Name
		handlers = append(handlers, Handler{
			Name: name,
			Kind: KindBlocking,
			Fn: func(ctx context.Context, params json.RawMessage) (*protocol.Response, error) {
				out, err := hotreload.RunScript(ctx, path, params)
				if err != nil {
					return nil, err
				}
				return protocol.NewSuccess(name, out), nil
			},
		})
	}
	e.reg.RegisterModule("scripts", handlers)
	e.log.Info().Int("handlers", len(handlers)).Msg("script modules registered")
	return nil
}
