package turnloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/handle"
	"github.com/corerun/agentcore/internal/domain/pathguard"
	"github.com/corerun/agentcore/internal/domain/permission"
	"github.com/corerun/agentcore/internal/domain/plugin"
	"github.com/corerun/agentcore/internal/domain/session"
	"github.com/corerun/agentcore/internal/domain/stream"
	"github.com/corerun/agentcore/internal/domain/tool"
	"github.com/corerun/agentcore/internal/domain/toolpipeline"
)

type fakeStream struct {
	parts []stream.Part
	idx   int
	err   error
}

func (f *fakeStream) Next(ctx context.Context) (stream.Part, bool, error) {
	if f.idx >= len(f.parts) {
		if f.err != nil {
			err := f.err
			f.err = nil
			return stream.Part{}, false, err
		}
		return stream.Part{}, false, nil
	}
	p := f.parts[f.idx]
	f.idx++
	return p, true, nil
}
func (f *fakeStream) Close() {}

type queuedResponse struct {
	parts []stream.Part
	err   error // returned directly from StreamChat instead of streaming
}

type fakeProvider struct {
	responses    []queuedResponse
	calls        int
	contextLimit int
}

func (p *fakeProvider) StreamChat(ctx context.Context, req ModelRequest) (ModelStream, error) {
	if p.calls >= len(p.responses) {
		return nil, errors.New("fakeProvider: no more queued responses")
	}
	r := p.responses[p.calls]
	p.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &fakeStream{parts: r.parts}, nil
}

func (p *fakeProvider) ContextLimit(string) int { return p.contextLimit }

type echoTool struct{}

func (echoTool) Name() string                   { return "echo" }
func (echoTool) Description() string            { return "echoes a message" }
func (echoTool) Kind() tool.Kind                 { return tool.KindThink }
func (echoTool) Schema() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (echoTool) Metadata() tool.Metadata        { return tool.Metadata{ReadOnly: true} }
func (echoTool) Execute(ctx context.Context, args map[string]interface{}) (*tool.Result, error) {
	msg, _ := args["message"].(string)
	return &tool.Result{Success: true, Output: "Echo: " + msg}, nil
}

func newTestEngine(t *testing.T, provider *fakeProvider, tools ...tool.Tool) *Engine {
	t.Helper()
	reg := tool.NewInMemoryRegistry()
	for _, tl := range tools {
		if err := reg.Register(tl); err != nil {
			t.Fatal(err)
		}
	}
	ws := t.TempDir()
	guard := pathguard.New(pathguard.Config{WorkspaceRoot: ws})
	ruleset := permission.DefaultRuleset(permission.ModeBuild)
	handles := handle.New()
	pipeline := toolpipeline.New(reg, guard, ruleset, handles, nil, toolpipeline.Hooks{}, zap.NewNop())

	cfg := DefaultConfig()
	cfg.Model = "test-model"
	cfg.MaxIterations = 5
	cfg.WorkspaceRoot = ws
	cfg.AutoApprove = true

	eng := New(provider, reg, pipeline, nil, plugin.Hooks{}, nil, zap.NewNop(), cfg)
	eng.SetRetryConfig(RetryConfig{MaxRetries: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond})
	return eng
}

// TestRunToolLoopThenFinish is scenario S1 of the spec: a tool call
// followed by a clean text finish.
func TestRunToolLoopThenFinish(t *testing.T) {
	provider := &fakeProvider{responses: []queuedResponse{
		{parts: []stream.Part{
			{Type: stream.PartToolCall, ToolCallID: "c1", ToolName: "echo", ToolArgsJSON: `{"message":"hi"}`},
			{Type: stream.PartFinish, FinishReason: "tool-calls"},
		}},
		{parts: []stream.Part{
			{Type: stream.PartTextDelta, TextDelta: "done"},
			{Type: stream.PartFinish, FinishReason: "stop"},
		}},
	}}
	eng := newTestEngine(t, provider, echoTool{})
	sess := session.New()

	res, err := eng.Run(context.Background(), Input{Session: sess, UserInput: "please echo hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "done" {
		t.Fatalf("Text = %q, want %q", res.Text, "done")
	}

	hist := sess.History()
	if len(hist) != 3 {
		t.Fatalf("expected 3 history messages (user, tool-call assistant, final assistant), got %d", len(hist))
	}
	if hist[0].Role() != session.RoleUser {
		t.Fatalf("first message must be the user turn")
	}
	toolMsg := hist[1]
	if !toolMsg.HasDynamicTool() {
		t.Fatalf("expected the second message to carry a dynamic-tool part")
	}
	parts := toolMsg.Parts()
	if parts[0].State != session.StateOutputAvailable || parts[0].Output != "Echo: hi" {
		t.Fatalf("unexpected dynamic-tool part: %+v", parts[0])
	}
	if hist[2].TextContent() != "done" {
		t.Fatalf("final message text = %q", hist[2].TextContent())
	}
}

// TestRunRetriesTransientErrorBeforeAnySideEffect verifies spec §4.I
// step 7: a transient failure with no tool-call or text observed is
// retried rather than surfaced.
func TestRunRetriesTransientErrorBeforeAnySideEffect(t *testing.T) {
	provider := &fakeProvider{responses: []queuedResponse{
		{err: errors.New("connection reset by peer")},
		{parts: []stream.Part{
			{Type: stream.PartTextDelta, TextDelta: "recovered"},
			{Type: stream.PartFinish, FinishReason: "stop"},
		}},
	}}
	eng := newTestEngine(t, provider)
	sess := session.New()

	res, err := eng.Run(context.Background(), Input{Session: sess, UserInput: "hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "recovered" {
		t.Fatalf("Text = %q, want %q", res.Text, "recovered")
	}
	if provider.calls != 2 {
		t.Fatalf("expected exactly one retry (2 calls), got %d", provider.calls)
	}
}

// TestRunSurfacesNonRetriableErrorImmediately verifies an auth-classified
// error (e.g. invalid API key) is never retried.
func TestRunSurfacesNonRetriableErrorImmediately(t *testing.T) {
	provider := &fakeProvider{responses: []queuedResponse{
		{err: errors.New("401 unauthorized: invalid api key")},
	}}
	eng := newTestEngine(t, provider)
	sess := session.New()

	_, err := eng.Run(context.Background(), Input{Session: sess, UserInput: "hello"})
	if err == nil {
		t.Fatalf("expected a fatal error")
	}
	if provider.calls != 1 {
		t.Fatalf("expected no retries, got %d calls", provider.calls)
	}
}

func TestRunRespectsPreCancelledSignal(t *testing.T) {
	provider := &fakeProvider{}
	eng := newTestEngine(t, provider)
	sess := session.New()

	cancelled := make(chan struct{})
	close(cancelled)

	res, err := eng.Run(context.Background(), Input{Session: sess, UserInput: "hello", CancelSignal: cancelled})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Text != "" {
		t.Fatalf("expected no text on pre-cancelled run, got %q", res.Text)
	}
	if provider.calls != 0 {
		t.Fatalf("expected the provider to never be called")
	}
}

func TestRunFailsOnPluginToolCollision(t *testing.T) {
	provider := &fakeProvider{}
	reg := tool.NewInMemoryRegistry()
	_ = reg.Register(echoTool{})
	ws := t.TempDir()
	guard := pathguard.New(pathguard.Config{WorkspaceRoot: ws})
	pipeline := toolpipeline.New(reg, guard, permission.DefaultRuleset(permission.ModeBuild), handle.New(), nil, toolpipeline.Hooks{}, zap.NewNop())

	cfg := DefaultConfig()
	cfg.Model = "test-model"
	cfg.PluginTools = []tool.Tool{echoTool{}} // collides with the builtin registered above

	eng := New(provider, reg, pipeline, nil, plugin.Hooks{}, nil, zap.NewNop(), cfg)
	sess := session.New()

	_, err := eng.Run(context.Background(), Input{Session: sess, UserInput: "hello"})
	if err == nil {
		t.Fatalf("expected a plugin tool collision error")
	}
	if _, ok := err.(*plugin.ErrPluginToolCollision); !ok {
		t.Fatalf("expected *plugin.ErrPluginToolCollision, got %T: %v", err, err)
	}
}

func TestRunHitsIterationCapWithoutCleanFinish(t *testing.T) {
	provider := &fakeProvider{}
	for i := 0; i < 3; i++ {
		provider.responses = append(provider.responses, queuedResponse{parts: []stream.Part{
			{Type: stream.PartToolCall, ToolCallID: "c1", ToolName: "echo", ToolArgsJSON: `{"message":"again"}`},
			{Type: stream.PartFinish, FinishReason: "tool-calls"},
		}})
	}
	eng := newTestEngine(t, provider, echoTool{})
	eng.cfg.MaxIterations = 3
	sess := session.New()

	res, err := eng.Run(context.Background(), Input{Session: sess, UserInput: "loop forever"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if provider.calls != 3 {
		t.Fatalf("expected exactly maxIterations calls, got %d", provider.calls)
	}
	if res.Text != "" {
		t.Fatalf("expected no final text when the cap is hit mid-tool-loop, got %q", res.Text)
	}
}
