package hub

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubwire/hubwire/internal/config"
	"github.com/hubwire/hubwire/internal/endpoint"
	"github.com/hubwire/hubwire/internal/logging"
	"github.com/hubwire/hubwire/internal/protocol"
	"github.com/hubwire/hubwire/internal/transport"
)

// startHub brings up a hub on an ephemeral port and returns a config
// whose endpoint section dials it.
func startHub(t *testing.T) (*Hub, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Hub.Host = "127.0.0.1"
	cfg.Hub.Port = 0
	cfg.Hub.GraceS = 0.5
	cfg.Heartbeat.IntervalS = 1
	cfg.HotReload.Enabled = false
	cfg.Endpoint.HandlersDir = t.TempDir()
	cfg.Hub.PluginDir = t.TempDir()
	cfg.Log.Dir = t.TempDir()

	h := New(cfg, logging.NewDiscard(256))
	require.NoError(t, h.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Stop(ctx)
	})

	cfg.Endpoint.HubURL = "ws://" + h.Addr()
	return h, cfg
}

// startEndpoint runs an endpoint with the given identity and extra
// handlers, waiting until the hub sees it.
func startEndpoint(t *testing.T, h *Hub, cfg *config.Config, identity string, handlers ...endpoint.Handler) (*endpoint.Endpoint, context.CancelFunc, chan error) {
	t.Helper()
	epCfg := *cfg
	epCfg.Endpoint.Identity = identity
	ep := endpoint.New(&epCfg, "", "test", logging.NewDiscard(256))
	for _, handler := range handlers {
		ep.Registry().Register(handler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := ep.Run(ctx)
		errCh <- err
	}()
	t.Cleanup(cancel)

	require.Eventually(t, func() bool {
		_, ok := h.registry.ByIdentity(identity)
		return ok
	}, 5*time.Second, 20*time.Millisecond, "endpoint %s never registered", identity)

	return ep, cancel, errCh
}

// adminSession dials the hub as an admin peer and drains the welcome.
func adminSession(t *testing.T, cfg *config.Config) *transport.Conn {
	t.Helper()
	conn, err := transport.Dial(cfg.Endpoint.HubURL, 0)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	welcome, err := conn.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeWelcome, welcome.Type)
	return conn
}

func sendAdminCommand(t *testing.T, conn *transport.Conn, command string, params any) *protocol.Envelope {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	env, err := protocol.New(protocol.TypeCommand, protocol.CommandPayload{Command: command, Params: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteEnvelope(env))
	return env
}

func awaitResponse(t *testing.T, conn *transport.Conn, id string, within time.Duration) *protocol.Response {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		env, err := conn.ReadEnvelope()
		require.NoError(t, err)
		if env.Type != protocol.TypeResponse || env.ID != id {
			continue
		}
		var resp protocol.Response
		require.NoError(t, env.DecodePayload(&resp))
		return &resp
	}
	t.Fatalf("no response for %s within %s", id, within)
	return nil
}

func echoHandler() endpoint.Handler {
	return endpoint.Handler{
		Name: "echo",
		Kind: endpoint.KindCooperative,
		Fn: func(ctx context.Context, params json.RawMessage) (*protocol.Response, error) {
			var m map[string]any
			if len(params) > 0 {
				json.Unmarshal(params, &m)
			}
			return protocol.NewSuccess("echo", map[string]any{"received": m}), nil
		},
	}
}

func TestE2E_ForwardRoundTrip(t *testing.T) {
	h, cfg := startHub(t)
	startEndpoint(t, h, cfg, "u1", echoHandler())
	admin := adminSession(t, cfg)

	env := sendAdminCommand(t, admin, "forward_command", protocol.ForwardPayload{
		TargetIdentity: "u1",
		InnerCommand:   "echo",
		InnerParams:    json.RawMessage(`{"x":42}`),
	})

	resp := awaitResponse(t, admin, env.ID, 3*time.Second)
	require.True(t, resp.Success, "error: %+v", resp.Error)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "echo", resp.Metadata.Command)
	assert.GreaterOrEqual(t, resp.Metadata.ExecutionTime, 0.0)

	data := resp.Data.(map[string]any)
	received := data["received"].(map[string]any)
	assert.EqualValues(t, 42, received["x"])
}

func TestE2E_UnknownTarget(t *testing.T) {
	_, cfg := startHub(t)
	admin := adminSession(t, cfg)

	env := sendAdminCommand(t, admin, "forward_command", protocol.ForwardPayload{
		TargetIdentity: "ghost",
		InnerCommand:   "echo",
	})

	resp := awaitResponse(t, admin, env.ID, 2*time.Second)
	require.False(t, resp.Success)
	assert.Equal(t, protocol.CodeUnknownTarget, resp.Error.Code)
}

func TestE2E_UnknownInnerCommand(t *testing.T) {
	h, cfg := startHub(t)
	startEndpoint(t, h, cfg, "u1")
	admin := adminSession(t, cfg)

	env := sendAdminCommand(t, admin, "forward_command", protocol.ForwardPayload{
		TargetIdentity: "u1",
		InnerCommand:   "no_such_thing",
	})

	resp := awaitResponse(t, admin, env.ID, 3*time.Second)
	require.False(t, resp.Success)
	assert.Equal(t, protocol.CodeUnknownCommand, resp.Error.Code)
}

func TestE2E_ForwardTimeout(t *testing.T) {
	h, cfg := startHub(t)
	slow := endpoint.Handler{
		Name: "sleep10",
		Kind: endpoint.KindBlocking,
		Fn: func(ctx context.Context, params json.RawMessage) (*protocol.Response, error) {
			select {
			case <-time.After(10 * time.Second):
			case <-ctx.Done():
			}
			return protocol.NewSuccess("sleep10", "done"), nil
		},
	}
	startEndpoint(t, h, cfg, "u1", slow)
	admin := adminSession(t, cfg)

	timeout := 0.5
	env := sendAdminCommand(t, admin, "forward_command", protocol.ForwardPayload{
		TargetIdentity: "u1",
		InnerCommand:   "sleep10",
		TimeoutS:       &timeout,
	})

	start := time.Now()
	resp := awaitResponse(t, admin, env.ID, 5*time.Second)
	require.False(t, resp.Success)
	assert.Equal(t, protocol.CodeTimeout, resp.Error.Code)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestE2E_EvictionOnReRegistration(t *testing.T) {
	h, cfg := startHub(t)
	_, _, firstErr := startEndpoint(t, h, cfg, "u1", echoHandler())

	firstPeer, ok := h.registry.ByIdentity("u1")
	require.True(t, ok)

	startEndpoint(t, h, cfg, "u1", echoHandler())

	// The first endpoint learns it was evicted and gives up.
	select {
	case err := <-firstErr:
		assert.True(t, errors.Is(err, endpoint.ErrEvicted), "err = %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("first endpoint never observed eviction")
	}

	// One binding for u1, pointing at the newer peer.
	secondPeer, ok := h.registry.ByIdentity("u1")
	require.True(t, ok)
	assert.NotEqual(t, firstPeer.ID, secondPeer.ID)
	assert.Equal(t, 1, h.registry.Stats().Endpoints)
}

func TestE2E_BuiltinsThroughFabric(t *testing.T) {
	h, cfg := startHub(t)
	startEndpoint(t, h, cfg, "u1")
	admin := adminSession(t, cfg)

	// list_handlers carries the core surface.
	env := sendAdminCommand(t, admin, "forward_command", protocol.ForwardPayload{
		TargetIdentity: "u1",
		InnerCommand:   "list_handlers",
	})
	resp := awaitResponse(t, admin, env.ID, 3*time.Second)
	require.True(t, resp.Success)
	handlers := resp.Data.(map[string]any)["handlers"].([]any)
	names := make([]string, 0, len(handlers))
	for _, name := range handlers {
		names = append(names, name.(string))
	}
	for _, want := range []string{"health_status", "get_logs", "set_log_level",
		"get_log_stats", "hot_reload", "restart_client", "list_handlers"} {
		assert.Contains(t, names, want)
	}

	// health_status returns a sample with a status.
	env = sendAdminCommand(t, admin, "forward_command", protocol.ForwardPayload{
		TargetIdentity: "u1",
		InnerCommand:   "health_status",
	})
	resp = awaitResponse(t, admin, env.ID, 3*time.Second)
	require.True(t, resp.Success)
	assert.Contains(t, resp.Data.(map[string]any), "status")

	// set_log_level is idempotent.
	for i := 0; i < 2; i++ {
		env = sendAdminCommand(t, admin, "forward_command", protocol.ForwardPayload{
			TargetIdentity: "u1",
			InnerCommand:   "set_log_level",
			InnerParams:    json.RawMessage(`{"level":"debug"}`),
		})
		resp = awaitResponse(t, admin, env.ID, 3*time.Second)
		require.True(t, resp.Success)
		assert.Equal(t, "debug", resp.Data.(map[string]any)["level"])
	}
}

func TestE2E_HubBuiltins(t *testing.T) {
	h, cfg := startHub(t)
	startEndpoint(t, h, cfg, "u1", echoHandler())
	admin := adminSession(t, cfg)

	env := sendAdminCommand(t, admin, "list_clients", nil)
	resp := awaitResponse(t, admin, env.ID, 2*time.Second)
	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.EqualValues(t, 1, data["count"])
	clients := data["clients"].([]any)
	first := clients[0].(map[string]any)
	assert.Equal(t, "u1", first["identity"])
	assert.Equal(t, "connected", first["status"])

	env = sendAdminCommand(t, admin, "get_stats", nil)
	resp = awaitResponse(t, admin, env.ID, 2*time.Second)
	require.True(t, resp.Success)
	stats := resp.Data.(map[string]any)
	assert.Contains(t, stats, "uptime_s")
	assert.Contains(t, stats, "registry")
	assert.Contains(t, stats, "router")

	env = sendAdminCommand(t, admin, "get_client_info", map[string]any{"identity": "u1"})
	resp = awaitResponse(t, admin, env.ID, 2*time.Second)
	require.True(t, resp.Success)

	// Capability-based lookup.
	env = sendAdminCommand(t, admin, "list_clients", map[string]any{"capability": "echo"})
	resp = awaitResponse(t, admin, env.ID, 2*time.Second)
	require.True(t, resp.Success)
	assert.EqualValues(t, 1, resp.Data.(map[string]any)["count"])

	env = sendAdminCommand(t, admin, "list_clients", map[string]any{"capability": "take_screenshot"})
	resp = awaitResponse(t, admin, env.ID, 2*time.Second)
	require.True(t, resp.Success)
	assert.EqualValues(t, 0, resp.Data.(map[string]any)["count"])
}

func TestE2E_BroadcastDeterministicOrder(t *testing.T) {
	h, cfg := startHub(t)
	startEndpoint(t, h, cfg, "bravo", echoHandler())
	startEndpoint(t, h, cfg, "alpha", echoHandler())
	admin := adminSession(t, cfg)

	env := sendAdminCommand(t, admin, "broadcast_command", protocol.ForwardPayload{
		InnerCommand: "echo",
		InnerParams:  json.RawMessage(`{"ping":true}`),
	})
	resp := awaitResponse(t, admin, env.ID, 5*time.Second)
	require.True(t, resp.Success)

	entries := resp.Data.([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "alpha", entries[0].(map[string]any)["identity"])
	assert.Equal(t, "bravo", entries[1].(map[string]any)["identity"])
}

func TestE2E_ScriptModuleHotReload(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	h, cfg := startHub(t)
	cfg.HotReload.Enabled = true
	cfg.HotReload.DebounceMs = 50

	script := filepath.Join(cfg.Endpoint.HandlersDir, "hello.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho '\"v1\"'\n"), 0o755))

	startEndpoint(t, h, cfg, "u1")
	admin := adminSession(t, cfg)

	call := func() *protocol.Response {
		env := sendAdminCommand(t, admin, "forward_command", protocol.ForwardPayload{
			TargetIdentity: "u1",
			InnerCommand:   "hello",
		})
		return awaitResponse(t, admin, env.ID, 5*time.Second)
	}

	resp := call()
	require.True(t, resp.Success, "error: %+v", resp.Error)
	assert.Equal(t, "v1", resp.Data)

	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho '\"v2\"'\n"), 0o755))

	require.Eventually(t, func() bool {
		resp := call()
		return resp.Success && resp.Data == "v2"
	}, 10*time.Second, 200*time.Millisecond, "handler never switched to v2")
}

func TestE2E_RestartClientReturnsRequest(t *testing.T) {
	h, cfg := startHub(t)

	epCfg := *cfg
	epCfg.Endpoint.Identity = "u1"
	ep := endpoint.New(&epCfg, "", "test", logging.NewDiscard(256))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type outcome struct {
		restart *endpoint.RestartRequest
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		restart, err := ep.Run(ctx)
		done <- outcome{restart, err}
	}()
	require.Eventually(t, func() bool {
		_, ok := h.registry.ByIdentity("u1")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	admin := adminSession(t, cfg)
	env := sendAdminCommand(t, admin, "forward_command", protocol.ForwardPayload{
		TargetIdentity: "u1",
		InnerCommand:   "restart_client",
		InnerParams:    json.RawMessage(`{"delay_s":0.2,"use_watchdog":true,"reason":"test"}`),
	})

	// The success response arrives before the endpoint goes down.
	resp := awaitResponse(t, admin, env.ID, 3*time.Second)
	require.True(t, resp.Success, "error: %+v", resp.Error)
	assert.EqualValues(t, 0.2, resp.Data.(map[string]any)["delay_s"])

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.NotNil(t, out.restart)
		assert.True(t, out.restart.UseWatchdog)
		assert.Equal(t, "test", out.restart.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("endpoint never returned the restart request")
	}
}

func TestE2E_StaleEndpointFailsPending(t *testing.T) {
	h, cfg := startHub(t)

	// A raw peer that registers and then goes silent: no heartbeats, no
	// responses.
	silent, err := transport.Dial(cfg.Endpoint.HubURL, 0)
	require.NoError(t, err)
	defer silent.Close()
	_, err = silent.ReadEnvelope() // welcome
	require.NoError(t, err)
	reg, err := protocol.New(protocol.TypeRegister, protocol.RegisterPayload{
		Identity:     "mute",
		Capabilities: []string{"echo"},
		Version:      "1",
	})
	require.NoError(t, err)
	require.NoError(t, silent.WriteEnvelope(reg))
	require.Eventually(t, func() bool {
		_, ok := h.registry.ByIdentity("mute")
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	admin := adminSession(t, cfg)
	long := 30.0
	env := sendAdminCommand(t, admin, "forward_command", protocol.ForwardPayload{
		TargetIdentity: "mute",
		InnerCommand:   "echo",
		TimeoutS:       &long,
	})

	// Stale threshold is 2.5s (1s interval x 2.5); the sweeper fails the
	// pending command well before its 30s deadline.
	resp := awaitResponse(t, admin, env.ID, 10*time.Second)
	require.False(t, resp.Success)
	assert.Equal(t, protocol.CodeStaleEndpoint, resp.Error.Code)
}

func TestE2E_HeartbeatKeepsEndpointFresh(t *testing.T) {
	h, cfg := startHub(t)
	startEndpoint(t, h, cfg, "u1")

	peer, ok := h.registry.ByIdentity("u1")
	require.True(t, ok)

	// Two heartbeat intervals later the peer is still connected and its
	// last-seen timestamp has advanced.
	before := peer.LastSeen()
	require.Eventually(t, func() bool {
		return peer.LastSeen().After(before)
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, StatusConnected, peer.Snapshot().Status)
}
