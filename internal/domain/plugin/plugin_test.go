package plugin

import (
	"context"
	"testing"

	"github.com/corerun/agentcore/internal/domain/tool"
)

type fakeTool struct{ name string }

func (s fakeTool) Name() string                   { return s.name }
func (s fakeTool) Description() string            { return "stub" }
func (s fakeTool) Kind() tool.Kind                { return tool.KindThink }
func (s fakeTool) Schema() map[string]interface{} { return nil }
func (s fakeTool) Metadata() tool.Metadata        { return tool.Metadata{} }
func (s fakeTool) Execute(_ context.Context, _ map[string]interface{}) (*tool.Result, error) {
	return nil, nil
}

func TestToolRegistrarRegistersOnceAndCachesCollision(t *testing.T) {
	registry := tool.NewInMemoryRegistry()
	builtin := fakeTool{name: "bash"}
	if err := registry.Register(builtin); err != nil {
		t.Fatalf("register builtin: %v", err)
	}

	var reg ToolRegistrar
	plugin := fakeTool{name: "bash"} // collides with the builtin
	err := reg.RegisterOnce(registry, []tool.Tool{plugin})
	if err == nil {
		t.Fatalf("expected a collision error")
	}
	if _, ok := err.(*ErrPluginToolCollision); !ok {
		t.Fatalf("expected ErrPluginToolCollision, got %T: %v", err, err)
	}

	// A second call, even with non-colliding tools, replays the cached error.
	err2 := reg.RegisterOnce(registry, []tool.Tool{fakeTool{name: "save_memory"}})
	if err2 != err {
		t.Fatalf("expected the cached collision error to be replayed, got %v", err2)
	}
	if registry.Has("save_memory") {
		t.Fatalf("second registration attempt must be a no-op")
	}
}

func TestToolRegistrarSucceedsWithoutCollision(t *testing.T) {
	registry := tool.NewInMemoryRegistry()
	var reg ToolRegistrar
	if err := reg.RegisterOnce(registry, []tool.Tool{fakeTool{name: "save_memory"}}); err != nil {
		t.Fatalf("RegisterOnce: %v", err)
	}
	if !registry.Has("save_memory") {
		t.Fatalf("expected save_memory to be registered")
	}
}

func TestHooksApplyDefaultsToIdentityWhenNil(t *testing.T) {
	var h Hooks
	if got := h.ApplyTextComplete("hello"); got != "hello" {
		t.Fatalf("expected identity passthrough, got %q", got)
	}
	parts := []string{"a", "b"}
	if got := h.ApplySystemTransform(parts); len(got) != 2 {
		t.Fatalf("expected passthrough, got %v", got)
	}
	h.FireChatComplete("done") // must not panic with nil hook
}
