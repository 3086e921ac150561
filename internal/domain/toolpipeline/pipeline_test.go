package toolpipeline

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/handle"
	"github.com/corerun/agentcore/internal/domain/pathguard"
	"github.com/corerun/agentcore/internal/domain/permission"
	"github.com/corerun/agentcore/internal/domain/tool"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes a message" }
func (echoTool) Kind() tool.Kind     { return tool.KindThink }
func (echoTool) Schema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (echoTool) Metadata() tool.Metadata { return tool.Metadata{ReadOnly: true} }
func (echoTool) Execute(ctx context.Context, args map[string]interface{}) (*tool.Result, error) {
	msg, _ := args["message"].(string)
	return &tool.Result{Success: true, Output: "Echo: " + msg}, nil
}

type bashStub struct{}

func (bashStub) Name() string        { return "bash" }
func (bashStub) Description() string { return "runs a shell command" }
func (bashStub) Kind() tool.Kind     { return tool.KindExecute }
func (bashStub) Schema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (bashStub) Metadata() tool.Metadata {
	return tool.Metadata{
		RequiresApproval:   false,
		PermissionPatterns: []tool.PatternExtractor{{Arg: "command", Kind: tool.PatternCommand}},
	}
}
func (bashStub) Execute(ctx context.Context, args map[string]interface{}) (*tool.Result, error) {
	return &tool.Result{Success: true, Output: "should not run"}, nil
}

func newTestPipeline(t *testing.T, tools ...tool.Tool) (*Pipeline, string) {
	t.Helper()
	reg := tool.NewInMemoryRegistry()
	for _, tl := range tools {
		if err := reg.Register(tl); err != nil {
			t.Fatal(err)
		}
	}
	ws := t.TempDir()
	guard := pathguard.New(pathguard.Config{WorkspaceRoot: ws, AllowExternalPaths: false})
	ruleset := permission.DefaultRuleset(permission.ModeBuild)
	handles := handle.New()
	logger := zap.NewNop()
	return New(reg, guard, ruleset, handles, nil, Hooks{}, logger), ws
}

func TestExecuteSimpleToolCallSucceeds(t *testing.T) {
	p, _ := newTestPipeline(t, echoTool{})
	tc := ToolCall{ID: "c1", Name: "echo", Args: map[string]interface{}{"message": "hi"}}

	var gotResult *tool.Result
	res, err := p.Execute(context.Background(), tc, Context{Mode: permission.ModeBuild}, Callbacks{
		OnToolResult: func(_ ToolCall, r *tool.Result) { gotResult = r },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "Echo: hi" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotResult != res {
		t.Fatalf("OnToolResult callback did not fire with the final result")
	}
}

func TestExecuteExternalShellPathBlocked(t *testing.T) {
	p, _ := newTestPipeline(t, bashStub{})
	tc := ToolCall{ID: "c1", Name: "bash", Args: map[string]interface{}{"command": "cat /etc/passwd"}}

	var blockedReason string
	res, err := p.Execute(context.Background(), tc, Context{Mode: permission.ModeBuild, AllowExternalPaths: false}, Callbacks{
		OnToolBlocked: func(_ ToolCall, _ tool.Definition, reason string) { blockedReason = reason },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatalf("expected blocked result, handler must not have run")
	}
	if res.Metadata["errorCode"] != string(tool.ErrExternalPathsDisabled) {
		t.Fatalf("errorCode = %v, want external_paths_disabled", res.Metadata["errorCode"])
	}
	if blockedReason == "" {
		t.Fatalf("expected OnToolBlocked to fire")
	}
	if res.Metadata["blockedPaths"] == nil {
		t.Fatalf("expected blockedPaths to be populated")
	}
}

func TestExecutePlanModeDeniesNonReadOnlyTool(t *testing.T) {
	p, _ := newTestPipeline(t, bashStub{})
	tc := ToolCall{ID: "c1", Name: "bash", Args: map[string]interface{}{"command": "ls"}}

	res, err := p.Execute(context.Background(), tc, Context{Mode: permission.ModePlan}, Callbacks{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatalf("expected plan-mode denial for non-read-only tool")
	}
}

func TestExecuteUnknownFileIDFails(t *testing.T) {
	reg := tool.NewInMemoryRegistry()
	readTool := stubReadTool{}
	_ = reg.Register(readTool)
	ws := t.TempDir()
	guard := pathguard.New(pathguard.Config{WorkspaceRoot: ws})
	ruleset := permission.DefaultRuleset(permission.ModeBuild)
	handles := handle.New()
	p := New(reg, guard, ruleset, handles, nil, Hooks{}, zap.NewNop())

	tc := ToolCall{ID: "c1", Name: "read", Args: map[string]interface{}{"fileId": "F99"}}
	res, err := p.Execute(context.Background(), tc, Context{Mode: permission.ModeBuild}, Callbacks{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.Metadata["errorCode"] != string(tool.ErrUnknownFileID) {
		t.Fatalf("expected unknown_file_id error, got %+v", res)
	}
}

type stubReadTool struct{}

func (stubReadTool) Name() string        { return "read" }
func (stubReadTool) Description() string { return "reads a file" }
func (stubReadTool) Kind() tool.Kind     { return tool.KindRead }
func (stubReadTool) Schema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (stubReadTool) Metadata() tool.Metadata {
	return tool.Metadata{ReadOnly: true, ProtocolInput: tool.ProtocolInput{FileID: true}}
}
func (stubReadTool) Execute(ctx context.Context, args map[string]interface{}) (*tool.Result, error) {
	return &tool.Result{Success: true, Output: "contents"}, nil
}
