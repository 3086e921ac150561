// Package toolpipeline implements the Tool Execution Pipeline (spec §4.G):
// the per-call state machine wrapping handle resolution, permission and
// shell-safety gating, approval, handler invocation and result decoration.
//
// Grounded on internal/infrastructure/tool/executor.go's policy-check →
// lookup → execute → wrap shape and internal/domain/service/
// security_hook.go's approval cascade, generalized with the stages the
// teacher's executor lacks (handle resolution, shell safety, external
// path scanning).
package toolpipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/handle"
	"github.com/corerun/agentcore/internal/domain/pathguard"
	"github.com/corerun/agentcore/internal/domain/permission"
	"github.com/corerun/agentcore/internal/domain/shellsafety"
	"github.com/corerun/agentcore/internal/domain/tool"
)

// ToolCall is one model-requested invocation.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// Context carries the per-turn collaborators the pipeline needs, matching
// spec §6's Tool Handler Contract ctx shape.
type Context struct {
	WorkspaceRoot      string
	AllowExternalPaths bool
	SessionID          string
	Mode               permission.Mode
	AutoApprove        bool
	Signal             <-chan struct{} // closed on cancellation
}

// ApprovalFunc requests host approval for a tool call; blocks until the
// host responds. A nil ApprovalFunc auto-approves and logs a warning
// through the pipeline's logger (matching the teacher's security_hook.go
// SetApprovalFunc nil-fallback).
type ApprovalFunc func(ctx context.Context, toolName string, args map[string]interface{}) (bool, error)

// Hooks are the plugin hook points the pipeline threads through (spec §6).
type Hooks struct {
	ToolExecuteBefore func(args map[string]interface{}) map[string]interface{}
	PermissionAsk     func(toolName string, action permission.Action) permission.Action
	ToolExecuteAfter  func(result *tool.Result) *tool.Result
}

// Callbacks mirror the pipeline events of spec §4.G, forwarded by the
// caller (typically the Turn Loop) to the Event Fan-out.
type Callbacks struct {
	OnStatusRunning func(callID string)
	OnToolCall      func(tc ToolCall, def tool.Definition)
	OnToolResult    func(tc ToolCall, result *tool.Result)
	OnToolBlocked   func(tc ToolCall, def tool.Definition, reason string)
}

// Pipeline orchestrates per-call execution.
type Pipeline struct {
	registry tool.Registry
	guard    *pathguard.Guard
	ruleset  permission.Ruleset
	handles  *handle.Registry
	approval ApprovalFunc
	hooks    Hooks
	logger   *zap.Logger
}

// New constructs a Pipeline.
func New(registry tool.Registry, guard *pathguard.Guard, ruleset permission.Ruleset, handles *handle.Registry, approval ApprovalFunc, hooks Hooks, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		registry: registry, guard: guard, ruleset: ruleset, handles: handles,
		approval: approval, hooks: hooks, logger: logger,
	}
}

// Execute runs the full per-call state machine of spec §4.G and returns
// the final, decorated result. It never returns a Go error for policy
// refusals or tool runtime errors — those are represented as
// {success:false} results per spec §7; a Go error is only returned for
// conditions the loop must treat as fatal (unknown tool id).
func (p *Pipeline) Execute(ctx context.Context, tc ToolCall, tctx Context, cb Callbacks) (*tool.Result, error) {
	if cb.OnToolCall == nil {
		cb.OnToolCall = func(ToolCall, tool.Definition) {}
	}
	if cb.OnToolResult == nil {
		cb.OnToolResult = func(ToolCall, *tool.Result) {}
	}
	if cb.OnToolBlocked == nil {
		cb.OnToolBlocked = func(ToolCall, tool.Definition, string) {}
	}
	if cb.OnStatusRunning == nil {
		cb.OnStatusRunning = func(string) {}
	}

	t, ok := p.registry.Get(tc.Name)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", tc.Name)
	}
	def := tool.Definition{ID: tc.Name, Name: tc.Name, Description: t.Description(), Metadata: t.Metadata()}
	cb.OnToolCall(tc, def)

	args := tc.Args
	if p.hooks.ToolExecuteBefore != nil {
		args = p.hooks.ToolExecuteBefore(args)
	}

	// 1. Handle resolution.
	resolvedArgs, resolution := p.resolveHandles(args, def)
	if !resolution.success {
		cb.OnToolBlocked(tc, def, resolution.result.Error)
		cb.OnToolResult(tc, resolution.result)
		return resolution.result, nil
	}
	args = resolvedArgs

	permName := permission.PermissionName(def.Metadata.Permission, def.ID)
	patterns := p.derivePatterns(def, args)

	// 2. Plan-mode gate: non-read-only tools are denied outright in plan mode.
	if tctx.Mode == permission.ModePlan && !def.Metadata.ReadOnly {
		reason := "Plan mode: only read-only tools are permitted"
		res := tool.NewErrorResult("", reason)
		res.Error = reason
		cb.OnToolBlocked(tc, def, reason)
		cb.OnToolResult(tc, res)
		return res, nil
	}

	// 3. Permission ruleset evaluation.
	action := p.ruleset.Evaluate(permName, patterns)

	requiresApproval := def.Metadata.RequiresApproval

	// 4. Shell-specific checks.
	if def.ID == "bash" || def.Execution.Type == "shell" {
		if cmd, _ := args["command"].(string); cmd != "" {
			if !tctx.AllowExternalPaths {
				blocked := shellsafety.FindExternalPathReferences(cmd, p.guard)
				if len(blocked) > 0 {
					res := blockedPathsResult(blocked)
					cb.OnToolBlocked(tc, def, "external_paths_disabled")
					cb.OnToolResult(tc, res)
					return res, nil
				}
			}
			verdict := shellsafety.Analyze(cmd)
			switch verdict.Verdict {
			case shellsafety.Deny:
				res := tool.NewErrorResult("", verdict.Reason)
				res.Error = verdict.Reason
				cb.OnToolBlocked(tc, def, verdict.Reason)
				cb.OnToolResult(tc, res)
				return res, nil
			case shellsafety.NeedsApproval:
				requiresApproval = true
			}
		}
	}

	// 5. External-path-pattern scan on declared path patterns.
	if !tctx.AllowExternalPaths {
		if blocked := p.externalPatternBlocks(def, args); len(blocked) > 0 {
			res := blockedPathsResult(blocked)
			cb.OnToolBlocked(tc, def, "external_paths_disabled")
			cb.OnToolResult(tc, res)
			return res, nil
		}
	}

	// 6. plugin:permission.ask may override.
	if p.hooks.PermissionAsk != nil {
		action = p.hooks.PermissionAsk(tc.Name, action)
	}

	if action == permission.Deny {
		reason := fmt.Sprintf("permission denied for %s", permName)
		res := tool.NewErrorResult("", reason)
		res.Error = reason
		cb.OnToolBlocked(tc, def, reason)
		cb.OnToolResult(tc, res)
		return res, nil
	}
	if action == permission.Ask {
		requiresApproval = true
	}

	// 7. Approval.
	if requiresApproval && !tctx.AutoApprove {
		approved, err := p.requestApproval(ctx, tc)
		if err != nil || !approved {
			res := tool.NewErrorResult("", tool.UserRejectedMessage)
			res.Error = tool.UserRejectedMessage
			cb.OnToolBlocked(tc, def, tool.UserRejectedMessage)
			cb.OnToolResult(tc, res)
			return res, nil
		}
	}

	// 8. Handler invocation.
	cb.OnStatusRunning(tc.ID)
	result, err := t.Execute(ctx, args)
	if err != nil {
		result = &tool.Result{Success: false, Error: err.Error()}
	}
	if result == nil {
		result = &tool.Result{Success: true}
	}

	// 9. Output decoration.
	p.decorate(def, result)

	// 10. Output size cap.
	if result.Output != "" {
		truncated, did := tool.TruncateOutput(result.Output)
		result.Output = truncated
		if did {
			if result.Metadata == nil {
				result.Metadata = map[string]interface{}{}
			}
			result.Metadata["truncated"] = true
		}
	}

	// 11. plugin:tool.execute.after.
	if p.hooks.ToolExecuteAfter != nil {
		result = p.hooks.ToolExecuteAfter(result)
	}

	cb.OnToolResult(tc, result)
	return result, nil
}

type handleResolution struct {
	success bool
	args    map[string]interface{}
	result  *tool.Result
}

// resolveHandles implements fileId/semanticHandle resolution (spec §4.G
// "fileId resolution" / "semantic handle resolution").
func (p *Pipeline) resolveHandles(args map[string]interface{}, def tool.Definition) (map[string]interface{}, handleResolution) {
	out := cloneArgs(args)

	if def.Metadata.ProtocolInput.FileID {
		if fid, _ := out["fileId"].(string); fid != "" {
			if fp, _ := out["filePath"].(string); fp == "" {
				path, ok := p.handles.ResolveFile(fid)
				if !ok {
					msg := fmt.Sprintf("unknown file id %q; run glob first to discover file ids", fid)
					return out, handleResolution{success: false, result: tool.NewErrorResult(tool.ErrUnknownFileID, msg)}
				}
				out["filePath"] = path
			}
		}
	}

	if def.Metadata.ProtocolInput.SemanticHandle {
		for argName, resolver := range map[string]func(string) (handle.SemanticHandle, bool){
			"symbolId": p.handles.ResolveSymbol,
			"matchId":  p.handles.ResolveMatch,
			"locId":    p.handles.ResolveLoc,
		} {
			id, _ := out[argName].(string)
			if id == "" {
				continue
			}
			h, ok := resolver(id)
			if !ok {
				code := map[string]tool.ErrorCode{"symbolId": tool.ErrUnknownSymbolID, "matchId": tool.ErrUnknownMatchID, "locId": tool.ErrUnknownLocID}[argName]
				msg := fmt.Sprintf("unknown %s %q", argName, id)
				return out, handleResolution{success: false, result: tool.NewErrorResult(code, msg)}
			}
			if path, ok := p.handles.ResolveFile(h.FileID); ok {
				out["filePath"] = path
			}
			out["fileId"] = h.FileID
			defaultIfUnset(out, "line", h.Range.Start.Line)
			defaultIfUnset(out, "character", h.Range.Start.Character)
			defaultIfUnset(out, "startLine", h.Range.Start.Line)
			defaultIfUnset(out, "endLine", h.Range.End.Line)
		}
	}

	return out, handleResolution{success: true, args: out}
}

// defaultIfUnset sets key=val only if the caller did not already supply a
// positive value, per spec §4.G.
func defaultIfUnset(args map[string]interface{}, key string, val int) {
	if existing, ok := args[key]; ok {
		if n, ok := toInt(existing); ok && n > 0 {
			return
		}
	}
	args[key] = val
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func cloneArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// derivePatterns applies each permissionPatterns extractor (spec §4.C step 2).
func (p *Pipeline) derivePatterns(def tool.Definition, args map[string]interface{}) []string {
	if len(def.Metadata.PermissionPatterns) == 0 {
		return []string{"*"}
	}
	var out []string
	for _, ex := range def.Metadata.PermissionPatterns {
		v, _ := args[ex.Arg].(string)
		if v == "" {
			continue
		}
		switch ex.Kind {
		case tool.PatternPath:
			res, err := p.guard.Resolve(v)
			if err != nil {
				out = append(out, v)
				continue
			}
			out = append(out, res.Normalize())
		default:
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// externalPatternBlocks scans path-kind patterns against the guard when
// external paths are disabled.
func (p *Pipeline) externalPatternBlocks(def tool.Definition, args map[string]interface{}) map[string]struct{} {
	blocked := make(map[string]struct{})
	for _, ex := range def.Metadata.PermissionPatterns {
		if ex.Kind != tool.PatternPath {
			continue
		}
		v, _ := args[ex.Arg].(string)
		if v == "" {
			continue
		}
		res, err := p.guard.Resolve(v)
		if err != nil || res.IsExternal {
			if res.AbsPath != "" {
				blocked[res.AbsPath] = struct{}{}
			} else {
				blocked[v] = struct{}{}
			}
		}
	}
	return blocked
}

func blockedPathsResult(blocked map[string]struct{}) *tool.Result {
	paths := make([]string, 0, len(blocked))
	for p := range blocked {
		paths = append(paths, p)
	}
	truncatedFlag := false
	if len(paths) > 20 {
		paths = paths[:20]
		truncatedFlag = true
	}
	res := tool.NewErrorResult(tool.ErrExternalPathsDisabled, "access to paths outside the workspace is disabled")
	res.Metadata["blockedPaths"] = paths
	res.Metadata["blockedPathsTruncated"] = truncatedFlag
	return res
}

func (p *Pipeline) requestApproval(ctx context.Context, tc ToolCall) (bool, error) {
	if p.approval == nil {
		p.logger.Warn("no approval function configured, auto-approving", zap.String("tool", tc.Name))
		return true, nil
	}
	return p.approval(ctx, tc.Name, tc.Args)
}

// decorate applies output-protocol flags (glob/grep/symbols_*) by
// rendering a text table into result.Metadata["outputText"], following
// spec §4.G's output-decoration contract. The raw structured data shape
// expected in result.Output is tool-specific and produced by the handler
// itself; this only renders the handle-table overlay.
func (p *Pipeline) decorate(def tool.Definition, result *tool.Result) {
	if !result.Success {
		return
	}
	meta := result.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
		result.Metadata = meta
	}

	switch {
	case def.Metadata.ProtocolOutput.Grep:
		if rows, ok := meta["matches"].([]handle.GrepMatch); ok {
			text, ids := p.handles.DecorateGrepResult(rows)
			meta["outputText"] = text
			meta["matchIds"] = ids
		}
	case def.Metadata.ProtocolOutput.SymbolsSearch:
		if rows, ok := meta["symbols"].([]handle.SymbolRow); ok {
			text, ids := p.handles.DecorateSymbolsSearchResult(rows)
			meta["outputText"] = text
			meta["symbolIds"] = ids
		}
	case def.Metadata.ProtocolOutput.SymbolsPeek:
		if rows, ok := meta["symbols"].([]handle.SymbolRow); ok {
			text, ids := p.handles.DecorateSymbolsPeekResult(rows)
			meta["outputText"] = text
			meta["locIds"] = ids
		}
	case def.Metadata.ProtocolOutput.Glob:
		if files, ok := meta["files"].([]string); ok {
			var b []byte
			b = append(b, []byte("Use fileId with read/edit tools instead of spelling paths.\n")...)
			for _, f := range files {
				id := p.handles.CreateFileHandle(f)
				b = append(b, []byte(id+"  "+f+"\n")...)
			}
			if tr, _ := meta["truncated"].(bool); tr {
				b = append(b, []byte("(results truncated)\n")...)
			}
			meta["outputText"] = string(b)
		}
	}
}
