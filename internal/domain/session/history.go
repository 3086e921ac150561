package session

import (
	"fmt"

	"github.com/corerun/agentcore/internal/domain/permission"
)

// prunedPlaceholder replaces the body of every output-available
// dynamic-tool part in messages before the compaction boundary. No size
// threshold applies: small and large outputs are pruned alike.
const prunedPlaceholder = "[pruned]"

// GetEffectiveHistory returns the history view used for prompt
// construction: messages before the last compaction boundary have their
// tool-output bodies replaced by a short placeholder, preserving call
// shape, per spec §3 "Effective history".
func (s *Session) GetEffectiveHistory() []*Message {
	s.mu.Lock()
	raw := make([]*Message, len(s.history))
	copy(raw, s.history)
	boundary := s.lastCompactionIdx
	s.mu.Unlock()

	out := make([]*Message, len(raw))
	for i, m := range raw {
		if i >= boundary || !m.HasDynamicTool() {
			out[i] = m
			continue
		}
		out[i] = prunedCopy(m)
	}
	return out
}

// prunedCopy returns a shallow copy of m with dynamic-tool output bodies
// replaced by a placeholder, keeping the part's call shape (name, args,
// toolCallId) intact.
func prunedCopy(m *Message) *Message {
	parts := m.Parts()
	for i, p := range parts {
		if p.Type == PartDynamicTool && p.State == StateOutputAvailable {
			parts[i].Output = prunedPlaceholder
		}
	}
	cp, _ := ReconstructMessage(m.ID(), m.Role(), parts, m.Metadata(), m.TurnID(), m.CreatedAt())
	return cp
}

// ModelPart is the model-facing rendering of a Part, in the AI-SDK-style
// ModelMessage shape referenced by spec §4.E, matching the teacher's
// ContentPart (internal/domain/service/agent_loop.go).
type ModelPart struct {
	Type       string
	Text       string
	ToolName   string
	ToolCallID string
	Input      map[string]any
	Output     any
	IsError    bool
}

// ModelMessage is one model-facing message, after provider-agnostic
// flattening of Parts. Provider-specific transforms (image placement,
// reasoning-field attachment) are applied downstream by a Stream
// Adapter-aware transform, kept out of this package per spec §4.E ("The
// transform is the only component allowed to know about provider quirks").
type ModelMessage struct {
	Role  Role
	Parts []ModelPart
}

// CreateHistoryForModel converts an effective history slice into the
// model-ready sequence. Each dynamic-tool part becomes a tool-call
// ModelPart immediately followed, within the SAME history index, by a
// synthetic tool-result ModelPart when resolved — satisfying I2 at the
// conversion boundary regardless of how the part was stored.
func CreateHistoryForModel(effective []*Message) []ModelMessage {
	out := make([]ModelMessage, 0, len(effective))
	for _, m := range effective {
		mm := ModelMessage{Role: m.Role()}
		for _, p := range m.Parts() {
			switch p.Type {
			case PartText:
				mm.Parts = append(mm.Parts, ModelPart{Type: "text", Text: p.Text})
			case PartReasoning:
				mm.Parts = append(mm.Parts, ModelPart{Type: "reasoning", Text: p.Text})
			case PartDynamicTool:
				mm.Parts = append(mm.Parts, ModelPart{
					Type: "tool-call", ToolName: p.ToolName, ToolCallID: p.ToolCallID, Input: p.Input,
				})
				if p.State == StateOutputAvailable || p.State == StateError {
					out = append(out, mm)
					mm = ModelMessage{Role: RoleAssistant}
					result := ModelPart{Type: "tool-result", ToolName: p.ToolName, ToolCallID: p.ToolCallID}
					if p.State == StateError {
						result.IsError = true
						result.Output = p.ErrorText
					} else {
						result.Output = p.Output
					}
					out = append(out, ModelMessage{Role: "tool", Parts: []ModelPart{result}})
					mm = ModelMessage{}
					continue
				}
			}
		}
		if len(mm.Parts) > 0 {
			out = append(out, mm)
		}
	}
	return out
}

// ReminderConfig carries the inputs needed to build the per-turn
// <system-reminder> block appended to the last user message (spec §4.E).
// These reminders are materialized only for the outbound prompt and are
// never persisted into history.
type ReminderConfig struct {
	Mode                    permission.Mode
	SwitchedFromPlanToBuild bool
	AllowExternalPaths      bool
}

// BuildModeReminder renders the <system-reminder> block for one turn.
func BuildModeReminder(cfg ReminderConfig) string {
	var out string
	if cfg.Mode == permission.ModePlan {
		out += "<system-reminder>\nYou are in plan mode. Only read-only tools are available. " +
			"Do not make any edits. Produce a numbered plan describing the steps you would take.\n</system-reminder>\n"
	}
	if cfg.SwitchedFromPlanToBuild {
		out += "<system-reminder>\nThe session has switched from plan mode to build mode. " +
			"You may now use editing and execution tools to carry out the previously discussed plan.\n</system-reminder>\n"
	}
	if cfg.AllowExternalPaths {
		out += "<system-reminder>\nAccess to paths outside the workspace root is enabled for this turn.\n</system-reminder>\n"
	} else {
		out += "<system-reminder>\nAccess to paths outside the workspace root is disabled for this turn.\n</system-reminder>\n"
	}
	return out
}

// AppendReminderToLastUser returns a copy of msgs with the reminder text
// appended as a text part on the last user message, without mutating the
// persisted history.
func AppendReminderToLastUser(msgs []ModelMessage, reminder string) []ModelMessage {
	if reminder == "" {
		return msgs
	}
	out := make([]ModelMessage, len(msgs))
	copy(out, msgs)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != RoleUser {
			continue
		}
		parts := make([]ModelPart, len(out[i].Parts), len(out[i].Parts)+1)
		copy(parts, out[i].Parts)
		parts = append(parts, ModelPart{Type: "text", Text: reminder})
		out[i] = ModelMessage{Role: out[i].Role, Parts: parts}
		return out
	}
	return out
}

// DebugString renders a message for log lines, following the teacher's
// zap.String-friendly short summaries.
func DebugString(m *Message) string {
	return fmt.Sprintf("Message{id=%s role=%s parts=%d}", m.ID(), m.Role(), len(m.Parts()))
}
