// Package turnloop implements the Agent Turn Loop (spec §4.I): the
// per-turn state machine that streams model output, intercepts tool
// calls through the Tool Execution Pipeline, enforces permissions,
// feeds results back to the model, and terminates on a clean assistant
// response or the iteration cap.
//
// Grounded on the teacher's internal/domain/service/agent_loop.go
// (iteration loop, message assembly) generalized to the spec's explicit
// 12-step procedure, with llm_caller.go's retry shape (retry.go),
// model_policy.go's provider-behavior selector (modelpolicy.go),
// guardrails.go's LoopDetector/CostGuard (guardrails.go), and
// reasoning_tags.go's post-processing strip (reasoningtags.go).
package turnloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/compaction"
	"github.com/corerun/agentcore/internal/domain/permission"
	"github.com/corerun/agentcore/internal/domain/plugin"
	"github.com/corerun/agentcore/internal/domain/session"
	"github.com/corerun/agentcore/internal/domain/stream"
	"github.com/corerun/agentcore/internal/domain/tool"
	"github.com/corerun/agentcore/internal/domain/toolpipeline"
)

// Config is the per-agent configuration driving one Engine (spec §4.I
// pre-turn steps 3-5 plus the iteration cap).
type Config struct {
	Model                string
	SystemPrompt         string
	MaxIterations        int
	ToolFilter           []string // glob patterns over tool ids; empty = all
	Temperature          float64
	TopP                 *float64
	TopK                 *int
	MaxOutputTokens      int
	CompactionFraction   float64 // e.g. 0.85, see compaction.ShouldCompact
	ReservedOutputTokens int
	AllowExternalPaths   bool
	AutoApprove          bool
	WorkspaceRoot        string
	PluginTools          []tool.Tool
}

// DefaultConfig mirrors the spec's fixed maxIterations=50 and a
// conservative compaction fraction.
func DefaultConfig() Config {
	return Config{MaxIterations: 50, CompactionFraction: 0.85, MaxOutputTokens: 4096, Temperature: 0.7}
}

// Callbacks mirror the Event Fan-out's typed event set (spec §4.J),
// forwarded by the Engine as the loop runs. Every field may be nil.
type Callbacks struct {
	OnIterationStart  func(i int)
	OnDebug           func(msg string)
	OnNotice          func(msg string)
	OnStatusRunning   func(callID string)
	OnAssistantToken  func(text string)
	OnThoughtToken    func(text string)
	OnToolCall        func(tc toolpipeline.ToolCall, def tool.Definition)
	OnToolResult      func(tc toolpipeline.ToolCall, result *tool.Result)
	OnToolBlocked     func(tc toolpipeline.ToolCall, def tool.Definition, reason string)
	OnCompactionStart func(markerMessageID string)
	OnCompactionEnd   func(markerMessageID string, status compaction.Status)
	OnComplete        func(text string)
}

func (cb *Callbacks) fillDefaults() {
	if cb.OnIterationStart == nil {
		cb.OnIterationStart = func(int) {}
	}
	if cb.OnDebug == nil {
		cb.OnDebug = func(string) {}
	}
	if cb.OnNotice == nil {
		cb.OnNotice = func(string) {}
	}
	if cb.OnStatusRunning == nil {
		cb.OnStatusRunning = func(string) {}
	}
	if cb.OnAssistantToken == nil {
		cb.OnAssistantToken = func(string) {}
	}
	if cb.OnThoughtToken == nil {
		cb.OnThoughtToken = func(string) {}
	}
	if cb.OnToolCall == nil {
		cb.OnToolCall = func(toolpipeline.ToolCall, tool.Definition) {}
	}
	if cb.OnToolResult == nil {
		cb.OnToolResult = func(toolpipeline.ToolCall, *tool.Result) {}
	}
	if cb.OnToolBlocked == nil {
		cb.OnToolBlocked = func(toolpipeline.ToolCall, tool.Definition, string) {}
	}
	if cb.OnCompactionStart == nil {
		cb.OnCompactionStart = func(string) {}
	}
	if cb.OnCompactionEnd == nil {
		cb.OnCompactionEnd = func(string, compaction.Status) {}
	}
	if cb.OnComplete == nil {
		cb.OnComplete = func(string) {}
	}
}

// Input is one turn's request, per spec §4.I "{session, userInput,
// callbacks?, cancelSignal?}".
type Input struct {
	Session                 *session.Session
	UserInput               string
	TurnID                  string
	Mode                    permission.Mode
	SwitchedFromPlanToBuild bool
	CancelSignal            <-chan struct{}
	Callbacks               Callbacks
}

// Result is the run's done value (spec §4.J "a done promise/result {text, session}").
type Result struct {
	Text    string
	Session *session.Session
}

// Engine drives turns for one agent. An Engine is reused across turns
// (and across sessions, since Session is the per-turn unit of work);
// plugin tool registration happens once for the Engine's lifetime.
type Engine struct {
	provider  ModelProvider
	registry  tool.Registry
	pipeline  *toolpipeline.Pipeline
	compactor *compaction.Engine
	hooks     plugin.Hooks
	registrar plugin.ToolRegistrar

	adapterFactory func() *stream.Composite

	loopDetector         *LoopDetector
	costGuard            *CostGuard
	modelPolicyOverrides map[string]*ModelPolicyOverride

	retryCfg RetryConfig
	cfg      Config
	logger   *zap.Logger
}

// New constructs an Engine. adapterFactory builds a fresh stream
// adapter composite for each model call attempt; a nil factory falls back
// to a single default ProviderReplayAdapter, giving plain pattern-based
// error classification with no provider-specific replay behavior.
func New(provider ModelProvider, registry tool.Registry, pipeline *toolpipeline.Pipeline, compactor *compaction.Engine, hooks plugin.Hooks, adapterFactory func() *stream.Composite, logger *zap.Logger, cfg Config) *Engine {
	if adapterFactory == nil {
		adapterFactory = func() *stream.Composite {
			c, _ := stream.Compose(stream.NewProviderReplayAdapter("default"))
			return c
		}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		provider: provider, registry: registry, pipeline: pipeline, compactor: compactor,
		hooks: hooks, adapterFactory: adapterFactory, retryCfg: DefaultRetryConfig(),
		cfg: cfg, logger: logger,
	}
}

// SetLoopDetector installs the optional loop-detection guardrail.
func (e *Engine) SetLoopDetector(d *LoopDetector) { e.loopDetector = d }

// SetCostGuard installs the optional token/time budget guardrail.
func (e *Engine) SetCostGuard(g *CostGuard) { e.costGuard = g }

// SetRetryConfig overrides the default retry policy (mainly for tests
// that want fast backoff).
func (e *Engine) SetRetryConfig(cfg RetryConfig) { e.retryCfg = cfg }

// SetModelPolicyOverrides installs config-file model-policy overrides.
func (e *Engine) SetModelPolicyOverrides(o map[string]*ModelPolicyOverride) { e.modelPolicyOverrides = o }

func isCancelled(sig <-chan struct{}) bool {
	if sig == nil {
		return false
	}
	select {
	case <-sig:
		return true
	default:
		return false
	}
}

// Run drives one user turn to completion per spec §4.I.
func (e *Engine) Run(ctx context.Context, in Input) (*Result, error) {
	in.Callbacks.fillDefaults()
	cb := in.Callbacks
	sess := in.Session

	turnID := in.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	// Pre-turn step 1: push the user message.
	userMsg, err := session.NewMessage(uuid.NewString(), session.RoleUser, []session.Part{
		{Type: session.PartText, Text: in.UserInput, State: session.StateDone},
	}, turnID)
	if err != nil {
		return nil, err
	}
	sess.Push(userMsg)

	// Pre-turn step 2: idempotent plugin tool registration.
	if err := e.registrar.RegisterOnce(e.registry, e.cfg.PluginTools); err != nil {
		return nil, err
	}

	// Pre-turn step 3: system prompt composition.
	systemParts := e.hooks.ApplySystemTransform([]string{e.cfg.SystemPrompt})

	// Pre-turn step 4: tool filter.
	toolDefs := filterTools(e.registry.List(), e.cfg.ToolFilter)

	// Pre-turn step 5: provider-behavior selector.
	policy := ResolveModelPolicy(e.cfg.Model, e.modelPolicyOverrides)

	if e.loopDetector != nil {
		e.loopDetector.Reset()
	}

	var lastText string
	for i := 1; i <= e.cfg.MaxIterations; i++ {
		cb.OnIterationStart(i)

		if isCancelled(in.CancelSignal) {
			return &Result{Text: lastText, Session: sess}, context.Canceled
		}
		if e.costGuard != nil {
			if budgetErr := e.costGuard.CheckBudget(); budgetErr != nil {
				cb.OnComplete(lastText)
				return &Result{Text: lastText, Session: sess}, budgetErr
			}
		}

		effective := sess.GetEffectiveHistory()
		modelMsgs := session.CreateHistoryForModel(effective)
		modelMsgs = e.hooks.ApplyMessagesTransform(modelMsgs)
		reminder := session.BuildModeReminder(session.ReminderConfig{
			Mode:                    in.Mode,
			SwitchedFromPlanToBuild: in.SwitchedFromPlanToBuild && i == 1,
			AllowExternalPaths:      e.cfg.AllowExternalPaths,
		})
		modelMsgs = session.AppendReminderToLastUser(modelMsgs, reminder)

		if progress := policy.BuildProgressMessage(i); progress != "" && i%policy.ProgressInterval == 0 {
			modelMsgs = append(modelMsgs, session.ModelMessage{
				Role: session.RoleUser, Parts: []session.ModelPart{{Type: "text", Text: progress}},
			})
		}

		params := e.hooks.ApplyChatParams(plugin.ChatParams{Temperature: e.cfg.Temperature, TopP: e.cfg.TopP, TopK: e.cfg.TopK})

		assistantMsgID := uuid.NewString()
		assistantMsg, err := session.NewMessage(assistantMsgID, session.RoleAssistant, nil, turnID)
		if err != nil {
			return nil, err
		}

		outcome, runErr := e.runIterationWithRetry(ctx, modelMsgs, toolDefs, params, systemParts, assistantMsg, in, cb)
		if runErr != nil {
			if errors.Is(runErr, context.Canceled) {
				assistantMsg.Finalize()
				sess.Push(assistantMsg)
				return &Result{Text: lastText, Session: sess}, runErr
			}
			return nil, runErr
		}

		// Step 8: post-process.
		finalText := StripReasoningTags(outcome.text)
		finalText = stripToolCallXMLBlocks(finalText)
		finalText = e.hooks.ApplyTextComplete(finalText)
		if outcome.reasoning != "" {
			assistantMsg.AppendPart(session.Part{Type: session.PartReasoning, Text: outcome.reasoning, State: session.StateDone})
		}
		if finalText != "" {
			assistantMsg.AppendPart(session.Part{Type: session.PartText, Text: finalText, State: session.StateDone})
			lastText = finalText
		}
		assistantMsg.Finalize()

		// Step 9: append to history (prunable-output marking lives in
		// session.GetEffectiveHistory, driven by the compaction boundary).
		sess.Push(assistantMsg)

		if e.costGuard != nil {
			if budgetErr := e.costGuard.AddTokens(int64(outcome.usage.PromptTokens + outcome.usage.CompletionTokens)); budgetErr != nil {
				cb.OnComplete(lastText)
				return &Result{Text: lastText, Session: sess}, budgetErr
			}
		}

		// Step 10: overflow check.
		if e.compactor != nil {
			trigger := compaction.OverflowTrigger{
				FinishReason:         outcome.finishReason,
				InputTokensNoCache:   outcome.usage.PromptTokens,
				OutputTokensTotal:    outcome.usage.CompletionTokens,
				ReservedOutputTokens: e.cfg.ReservedOutputTokens,
				ModelContextLimit:    e.provider.ContextLimit(e.cfg.Model),
				Fraction:             e.cfg.CompactionFraction,
			}
			if compaction.ShouldCompact(trigger) {
				compErr := e.compactor.Compact(ctx, sess, true, func(ev compaction.Event) {
					switch ev.Kind {
					case "start":
						cb.OnCompactionStart(ev.MarkerMessageID)
					case "end":
						cb.OnCompactionEnd(ev.MarkerMessageID, ev.Status)
					}
				})
				if compErr != nil {
					cb.OnNotice(fmt.Sprintf("compaction failed: %v", compErr))
					return nil, compErr
				}
				continue
			}
		}

		// Step 11: continue on tool calls.
		if outcome.finishReason == "tool-calls" || assistantMsg.HasDynamicTool() {
			continue
		}

		// Step 12: done.
		e.hooks.FireChatComplete(finalText)
		cb.OnComplete(finalText)
		return &Result{Text: finalText, Session: sess}, nil
	}

	cb.OnComplete(lastText)
	return &Result{Text: lastText, Session: sess}, nil
}

// filterTools applies config.toolFilter glob patterns to the registry's
// definitions (spec §4.I pre-turn step 4). An empty filter keeps everything.
func filterTools(defs []tool.Definition, patterns []string) []tool.Definition {
	if len(patterns) == 0 {
		return defs
	}
	out := make([]tool.Definition, 0, len(defs))
	for _, d := range defs {
		for _, pat := range patterns {
			if ok, _ := filepath.Match(pat, d.ID); ok {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

var toolCallXMLBlockRe = regexp.MustCompile(`(?is)<tool_call>.*?</tool_call>`)

// stripToolCallXMLBlocks removes leaked tool-call-like XML the model may
// echo into user-visible text (spec §4.I step 8), distinct from the
// reasoning-tag strip.
func stripToolCallXMLBlocks(text string) string {
	if !strings.Contains(text, "<tool_call>") {
		return text
	}
	return strings.TrimSpace(toolCallXMLBlockRe.ReplaceAllString(text, ""))
}

type iterationOutcome struct {
	text         string
	reasoning    string
	finishReason string
	usage        stream.Usage
}

// runIterationWithRetry wraps one model-stream attempt in the retry
// policy of spec §4.I step 7.
func (e *Engine) runIterationWithRetry(ctx context.Context, modelMsgs []session.ModelMessage, toolDefs []tool.Definition, params plugin.ChatParams, systemParts []string, assistantMsg *session.Message, in Input, cb Callbacks) (iterationOutcome, error) {
	var lastErr error
	for attempt := 1; attempt <= e.retryCfg.MaxRetries+1; attempt++ {
		outcome, att, kind, err := e.runOneAttempt(ctx, modelMsgs, toolDefs, params, systemParts, assistantMsg, in, cb)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if !isRetriable(kind, att) || attempt > e.retryCfg.MaxRetries {
			return outcome, err
		}
		delay := backoffDelay(e.retryCfg, attempt, retryAfterFromError(err))
		cb.OnNotice(fmt.Sprintf("retrying model call (attempt %d) after %v: %v", attempt, delay, err))
		if sleepErr := sleepWithCancel(ctx, delay); sleepErr != nil {
			return outcome, sleepErr
		}
	}
	return iterationOutcome{}, lastErr
}

// runOneAttempt performs spec §4.I steps 3-6: open the assistant
// message's streaming call, dispatch every part, and collect the
// terminal finishReason/usage.
func (e *Engine) runOneAttempt(ctx context.Context, modelMsgs []session.ModelMessage, toolDefs []tool.Definition, params plugin.ChatParams, systemParts []string, assistantMsg *session.Message, in Input, cb Callbacks) (iterationOutcome, iterationAttempt, stream.ErrorKind, error) {
	adapter := e.adapterFactory()

	req := ModelRequest{
		Model:           e.cfg.Model,
		Messages:        withSystem(modelMsgs, systemParts),
		Tools:           toolDefs,
		Temperature:     params.Temperature,
		TopP:            params.TopP,
		TopK:            params.TopK,
		MaxOutputTokens: e.cfg.MaxOutputTokens,
		ProviderOptions: params.Options,
	}

	strm, err := e.provider.StreamChat(ctx, req)
	if err != nil {
		_, kind := adapter.ClassifyError(err)
		return iterationOutcome{}, iterationAttempt{cancelled: isCancelled(in.CancelSignal)}, kind, err
	}
	defer strm.Close()

	var out iterationOutcome
	var att iterationAttempt
	var text, reasoning strings.Builder
	callIndex := map[string]int{} // toolCallID -> part index within assistantMsg

	for {
		part, ok, perr := strm.Next(ctx)
		if perr != nil {
			recoverable, kind := adapter.ClassifyError(perr)
			if recoverable {
				break
			}
			att.cancelled = errors.Is(perr, context.Canceled) || isCancelled(in.CancelSignal)
			return out, att, kind, perr
		}
		if !ok {
			break
		}
		adapter.OnPart(part)

		switch part.Type {
		case stream.PartTextDelta:
			text.WriteString(part.TextDelta)
			cb.OnAssistantToken(part.TextDelta)

		case stream.PartReasoningDelta:
			reasoning.WriteString(part.ReasoningDelta)
			cb.OnThoughtToken(part.ReasoningDelta)

		case stream.PartToolCall:
			args := map[string]interface{}{}
			if part.ToolArgsJSON != "" {
				_ = json.Unmarshal([]byte(part.ToolArgsJSON), &args)
			}
			assistantMsg.AppendPart(session.Part{
				Type: session.PartDynamicTool, ToolName: part.ToolName, ToolCallID: part.ToolCallID,
				Input: args, State: session.StateCall,
			})
			callIndex[part.ToolCallID] = len(assistantMsg.Parts()) - 1
			att.sawToolCall = true

			if e.loopDetector != nil {
				if msg := e.loopDetector.RecordName(part.ToolName); msg != "" {
					cb.OnNotice(msg)
				}
				sig, _ := json.Marshal(args)
				if msg := e.loopDetector.Record(part.ToolName, string(sig)); msg != "" {
					cb.OnNotice(msg)
				}
			}

			tc := toolpipeline.ToolCall{ID: part.ToolCallID, Name: part.ToolName, Args: args}
			tctx := toolpipeline.Context{
				WorkspaceRoot: e.cfg.WorkspaceRoot, AllowExternalPaths: e.cfg.AllowExternalPaths,
				Mode: in.Mode, AutoApprove: e.cfg.AutoApprove, Signal: in.CancelSignal,
			}
			pipelineCB := toolpipeline.Callbacks{
				OnStatusRunning: cb.OnStatusRunning,
				OnToolCall:      cb.OnToolCall,
				OnToolResult: func(tcc toolpipeline.ToolCall, res *tool.Result) {
					applyToolResult(assistantMsg, callIndex[tcc.ID], res)
					cb.OnToolResult(tcc, res)
				},
				OnToolBlocked: func(tcc toolpipeline.ToolCall, def tool.Definition, reason string) {
					cb.OnToolBlocked(tcc, def, reason)
				},
			}
			if _, execErr := e.pipeline.Execute(ctx, tc, tctx, pipelineCB); execErr != nil {
				return out, att, stream.ErrKindBadRequest, execErr
			}

		case stream.PartToolResult:
			if idx, known := callIndex[part.ToolCallID]; known {
				res := &tool.Result{Success: true, Output: fmt.Sprint(part.ToolResultData)}
				applyToolResult(assistantMsg, idx, res)
				cb.OnToolResult(toolpipeline.ToolCall{ID: part.ToolCallID}, res)
			}

		case stream.PartToolError:
			if idx, known := callIndex[part.ToolCallID]; known {
				res := &tool.Result{Success: false, Error: part.ToolResultErr}
				applyToolResult(assistantMsg, idx, res)
				cb.OnToolResult(toolpipeline.ToolCall{ID: part.ToolCallID}, res)
			}

		case stream.PartFinishStep:
			out.finishReason = part.FinishReason
			out.usage = part.Usage

		case stream.PartFinish:
			out.finishReason = part.FinishReason
			out.usage = part.Usage

		case stream.PartError:
			recoverable, kind := adapter.ClassifyError(part.Err)
			if !recoverable {
				att.cancelled = isCancelled(in.CancelSignal)
				return out, att, kind, part.Err
			}
		}
	}

	out.text = text.String()
	out.reasoning = reasoning.String()
	att.sawText = out.text != ""
	return out, att, stream.ErrKindTransient, nil
}

// applyToolResult writes a pipeline result back onto the dynamic-tool
// part at idx, if idx is valid.
func applyToolResult(msg *session.Message, idx int, res *tool.Result) {
	msg.MutatePartAt(idx, func(p *session.Part) {
		if res.Success {
			p.State = session.StateOutputAvailable
			p.Output = res.Output
		} else {
			p.State = session.StateError
			p.ErrorText = res.Error
		}
	})
}

// withSystem prepends the composed system prompt parts as a single
// system-role ModelMessage, per spec §4.I step 2 "promptMessages =
// system parts ++ convertedEffectiveHistory".
func withSystem(msgs []session.ModelMessage, systemParts []string) []session.ModelMessage {
	joined := strings.Join(systemParts, "\n\n")
	if joined == "" {
		return msgs
	}
	out := make([]session.ModelMessage, 0, len(msgs)+1)
	out = append(out, session.ModelMessage{Role: session.RoleSystem, Parts: []session.ModelPart{{Type: "text", Text: joined}}})
	out = append(out, msgs...)
	return out
}
