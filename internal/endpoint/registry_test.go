package endpoint

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hubwire/hubwire/internal/protocol"
)

func nopHandler(tag string) HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (*protocol.Response, error) {
		return protocol.NewSuccess(tag, tag), nil
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(Handler{Name: "echo", Kind: KindCooperative, Fn: nopHandler("v1")})

	h, ok := r.Lookup("echo")
	if !ok {
		t.Fatal("Lookup() missed registered handler")
	}
	if h.Kind != KindCooperative {
		t.Errorf("Kind = %v, want cooperative", h.Kind)
	}
	if _, ok := r.Lookup("nope"); ok {
		t.Error("Lookup() found unregistered name")
	}
}

func TestRegistry_ReplaceIsAtomic(t *testing.T) {
	r := NewRegistry()
	r.Register(Handler{Name: "echo", Kind: KindCooperative, Fn: nopHandler("v1")})
	r.Register(Handler{Name: "echo", Kind: KindBlocking, Fn: nopHandler("v2")})

	h, ok := r.Lookup("echo")
	if !ok {
		t.Fatal("Lookup() missed handler after replace")
	}
	resp, _ := h.Fn(context.Background(), nil)
	if resp.Data != "v2" {
		t.Errorf("handler data = %v, want v2 (last registration wins)", resp.Data)
	}
	if len(r.Names()) != 1 {
		t.Errorf("Names() = %v, want single entry", r.Names())
	}
}

func TestRegistry_ModuleSwapRetiresMissingNames(t *testing.T) {
	r := NewRegistry()
	r.RegisterModule("scripts", []Handler{
		{Name: "hello", Fn: nopHandler("v1")},
		{Name: "bye", Fn: nopHandler("v1")},
	})
	r.Register(Handler{Name: "core_cmd", Module: "core", Fn: nopHandler("core")})

	// Reload drops "bye", updates "hello".
	r.RegisterModule("scripts", []Handler{
		{Name: "hello", Fn: nopHandler("v2")},
	})

	if _, ok := r.Lookup("bye"); ok {
		t.Error("retired handler still resolvable")
	}
	h, ok := r.Lookup("hello")
	if !ok {
		t.Fatal("surviving handler gone")
	}
	resp, _ := h.Fn(context.Background(), nil)
	if resp.Data != "v2" {
		t.Errorf("handler data = %v, want v2", resp.Data)
	}
	if _, ok := r.Lookup("core_cmd"); !ok {
		t.Error("module swap touched another module's handler")
	}
	if got := r.ModuleNames("scripts"); len(got) != 1 || got[0] != "hello" {
		t.Errorf("ModuleNames() = %v, want [hello]", got)
	}
}
