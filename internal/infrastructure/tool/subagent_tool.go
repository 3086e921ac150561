package tool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/permission"
	"github.com/corerun/agentcore/internal/domain/session"
	domaintool "github.com/corerun/agentcore/internal/domain/tool"
	"github.com/corerun/agentcore/internal/domain/turnloop"
)

// depthKey is the context key for tracking sub-agent nesting depth.
type depthKey struct{}

// EngineHolder breaks the construction cycle between the tool registry
// (needed to build a toolpipeline.Pipeline) and the turnloop.Engine
// (needed by SubAgentTool, which is itself one of the registered tools):
// the registry is built first against an empty holder, the Engine is
// built against the resulting registry, then the caller calls Set so
// SubAgentTool's later Execute calls see the real Engine.
type EngineHolder struct {
	mu     sync.RWMutex
	engine *turnloop.Engine
}

// NewEngineHolder returns an empty holder.
func NewEngineHolder() *EngineHolder { return &EngineHolder{} }

// Set installs the Engine once it has been constructed.
func (h *EngineHolder) Set(e *turnloop.Engine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine = e
}

// Get returns the installed Engine, or nil if Set hasn't been called yet.
func (h *EngineHolder) Get() *turnloop.Engine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine
}

// SubAgentTool allows the main agent to delegate sub-tasks to a nested
// turnloop.Engine run, sharing the parent's model provider, tool
// registry and pipeline but running against its own Session.
type SubAgentTool struct {
	holder  *EngineHolder
	timeout time.Duration
	logger  *zap.Logger
}

// NewSubAgentTool builds a SubAgentTool bound to holder. timeout bounds
// each delegated run; holder.Set must be called with the owning Engine
// before the first Execute (normally right after the Engine is built).
func NewSubAgentTool(holder *EngineHolder, timeout time.Duration, logger *zap.Logger) *SubAgentTool {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &SubAgentTool{holder: holder, timeout: timeout, logger: logger}
}

func (t *SubAgentTool) Name() string         { return "spawn_agent" }
func (t *SubAgentTool) Kind() domaintool.Kind { return domaintool.KindExecute }
func (t *SubAgentTool) Metadata() domaintool.Metadata {
	return domaintool.Metadata{Permission: "sub_agent", RequiresApproval: true}
}

func (t *SubAgentTool) Description() string {
	return "Delegate a sub-task to an independent agent that has access to all the same tools. " +
		"Use this for complex tasks that benefit from focused, isolated execution. " +
		"The sub-agent runs its own turn loop against a fresh session and returns the final result. " +
		"Example: spawning an agent to audit a codebase, research a topic, or execute a multi-step procedure."
}

func (t *SubAgentTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "A clear description of the sub-task for the agent to complete",
			},
			"system_prompt": map[string]interface{}{
				"type":        "string",
				"description": "Optional extra framing prepended to the task, giving the sub-agent a specific role or context",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SubAgentTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	task, ok := args["task"].(string)
	if !ok || task == "" {
		return &domaintool.Result{Success: false, Error: "task is required"}, nil
	}

	// Enforce nesting depth limit (max 2 levels)
	depth := 0
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		depth = d
	}
	if depth >= 2 {
		return &domaintool.Result{
			Success: false,
			Error:   "sub-agent nesting depth limit reached (max 2 levels)",
		}, nil
	}

	engine := t.holder.Get()
	if engine == nil {
		return &domaintool.Result{Success: false, Error: "sub-agent engine not yet initialized"}, nil
	}

	if sp, ok := args["system_prompt"].(string); ok && sp != "" {
		task = sp + "\n\n" + task
	}

	t.logger.Info("Spawning sub-agent",
		zap.String("task_preview", truncateStr(task, 100)),
		zap.Int("depth", depth+1),
	)

	subCtx := context.WithValue(ctx, depthKey{}, depth+1)
	subCtx, cancel := context.WithTimeout(subCtx, t.timeout)
	defer cancel()

	childSession := session.New()
	result, err := engine.Run(subCtx, turnloop.Input{
		Session:   childSession,
		UserInput: task,
		TurnID:    uuid.NewString(),
		Mode:      permission.ModeBuild,
	})
	if err != nil {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("sub-agent run failed: %v", err)}, nil
	}

	t.logger.Info("Sub-agent completed", zap.Int("result_chars", len(result.Text)))

	var sb strings.Builder
	sb.WriteString("=== Sub-Agent Result ===\n\n")
	sb.WriteString(result.Text)

	return &domaintool.Result{
		Output:  sb.String(),
		Success: true,
	}, nil
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
