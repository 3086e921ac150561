// Package plugin implements the named hook table of spec §6 ("Plugin
// Hooks"): each hook receives an input and may mutate an output in
// place, and a plugin may additionally contribute tool definitions that
// the Turn Loop registers once per agent, idempotently, aborting the
// turn on any id collision with a builtin or another plugin.
//
// Grounded on the teacher's hook dispatch shape in
// internal/domain/service (hooks are plain func fields threaded through
// constructors rather than a reflection-based event bus), generalized
// here to the spec's fixed nine-hook table.
package plugin

import (
	"fmt"
	"sync"

	"github.com/corerun/agentcore/internal/domain/permission"
	"github.com/corerun/agentcore/internal/domain/session"
	"github.com/corerun/agentcore/internal/domain/tool"
)

// ChatParams is the mutable {temperature, topP, topK, options} bundle
// the "chat.params" hook may adjust before a model call.
type ChatParams struct {
	Temperature float64
	TopP        *float64
	TopK        *int
	Options     map[string]interface{}
}

// Hooks is the fixed set of named hook points threaded through the
// core. A nil field means "no plugin installed that hook" and the
// caller must treat it as a no-op.
type Hooks struct {
	// ChatParams may adjust sampling parameters before each model call.
	ChatParams func(*ChatParams)

	// SystemTransform may extend the system prompt parts.
	SystemTransform func(parts []string) []string

	// MessagesTransform may rewrite the history-shaped messages before
	// model conversion.
	MessagesTransform func(msgs []session.ModelMessage) []session.ModelMessage

	// ToolExecuteBefore may rewrite a tool call's args.
	ToolExecuteBefore func(args map[string]interface{}) map[string]interface{}

	// PermissionAsk may override the permission engine's verdict.
	PermissionAsk func(toolName string, action permission.Action) permission.Action

	// ToolExecuteAfter may rewrite a tool result's {title, output, metadata}.
	ToolExecuteAfter func(result *tool.Result) *tool.Result

	// SessionCompacting may inject extra context paragraphs and override
	// the compaction prompt.
	SessionCompacting func(defaultPrompt string) string

	// TextComplete may rewrite the final assistant text of an iteration.
	TextComplete func(text string) string

	// ChatComplete is a terminal notification; it has no return value.
	ChatComplete func(text string)
}

// ErrPluginToolCollision is returned when a plugin-contributed tool id
// collides with a builtin or another plugin's tool.
type ErrPluginToolCollision struct {
	ToolID string
}

func (e *ErrPluginToolCollision) Error() string {
	return fmt.Sprintf("plugin tool id collision: %s", e.ToolID)
}

// ToolRegistrar performs the "register plugin tools once per agent"
// pre-turn step (spec §4.I step 2). Safe for concurrent use; the first
// call's outcome (success or collision error) is cached and replayed to
// every subsequent call, matching the idempotent-registration contract.
type ToolRegistrar struct {
	mu         sync.Mutex
	registered bool
	err        error
}

// RegisterOnce registers every tool in tools against registry exactly
// once for this ToolRegistrar's lifetime. Later calls are no-ops that
// return the first call's result, even if tools differs.
func (r *ToolRegistrar) RegisterOnce(registry tool.Registry, tools []tool.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		return r.err
	}
	r.registered = true
	for _, t := range tools {
		if registry.Has(t.Name()) {
			r.err = &ErrPluginToolCollision{ToolID: t.Name()}
			return r.err
		}
		if err := registry.Register(t); err != nil {
			r.err = err
			return err
		}
	}
	return nil
}

// ApplyChatParams runs the chat.params hook if installed, returning the
// (possibly mutated) params.
func (h Hooks) ApplyChatParams(p ChatParams) ChatParams {
	if h.ChatParams != nil {
		h.ChatParams(&p)
	}
	return p
}

// ApplySystemTransform runs the experimental.chat.system.transform hook.
func (h Hooks) ApplySystemTransform(parts []string) []string {
	if h.SystemTransform != nil {
		return h.SystemTransform(parts)
	}
	return parts
}

// ApplyMessagesTransform runs the experimental.chat.messages.transform hook.
func (h Hooks) ApplyMessagesTransform(msgs []session.ModelMessage) []session.ModelMessage {
	if h.MessagesTransform != nil {
		return h.MessagesTransform(msgs)
	}
	return msgs
}

// ApplyTextComplete runs the experimental.text.complete hook.
func (h Hooks) ApplyTextComplete(text string) string {
	if h.TextComplete != nil {
		return h.TextComplete(text)
	}
	return text
}

// FireChatComplete runs the experimental.chat.complete terminal hook.
func (h Hooks) FireChatComplete(text string) {
	if h.ChatComplete != nil {
		h.ChatComplete(text)
	}
}

// ApplySessionCompacting runs the experimental.session.compacting hook,
// which may override the default compaction prompt.
func (h Hooks) ApplySessionCompacting(defaultPrompt string) string {
	if h.SessionCompacting != nil {
		return h.SessionCompacting(defaultPrompt)
	}
	return defaultPrompt
}
