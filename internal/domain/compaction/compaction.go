// Package compaction implements the Compaction Engine (spec §4.F): pushing
// a marker message, summarizing the effective history up to that marker via
// a secondary model call, and replacing earlier tool-output bodies with
// prunable placeholders.
//
// Grounded on internal/domain/service/compaction.go's compactMessages/
// tryLLMSummarize/truncationSummary shape, generalized from the teacher's
// single compactMessages() method (called inline, no events, no rollback)
// into a standalone component with onCompactionStart/End events, per
// spec §4.F. A failed attempt is not rolled back: the marker message
// stays in history, a warning is logged and the end event carries the
// error status. Memory-candidate extraction is ported from the teacher's
// extractMemoriesFromCompaction.
package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/session"
)

// CompactionSystemPrompt is the fixed system prompt for the secondary
// summarization call (spec §4.F step 2), ported verbatim in spirit from
// the teacher's tryLLMSummarize compressionPrompt.
const CompactionSystemPrompt = `You are a conversation state compressor. Analyze the following conversation and produce a structured XML snapshot.

Output format:
<state_snapshot>
  <task_description>Current task being executed</task_description>
  <progress>
    <completed>List of completed steps</completed>
    <in_progress>Current step</in_progress>
    <remaining>Remaining steps</remaining>
  </progress>
  <key_decisions>Key technical decisions and reasons</key_decisions>
  <modified_files>
    <file path="path/to/file" action="created|modified|deleted">Change summary</file>
  </modified_files>
  <current_context>
    <working_directory>Current working directory</working_directory>
    <relevant_findings>Key findings and constraints</relevant_findings>
  </current_context>
  <memory_candidates>Facts worth remembering long-term (user preferences, environment info, project decisions)</memory_candidates>
</state_snapshot>

Rules:
- Preserve ALL unfinished task state
- Keep key decisions and reasons
- Drop specific code content (only keep file paths + change summaries)
- Drop intermediate debugging
- Extract memory-worthy facts into <memory_candidates>`

// Status is the terminal state of a compaction attempt (spec §4.F step 6).
type Status string

const (
	StatusDone     Status = "done"
	StatusCanceled Status = "canceled"
	StatusError    Status = "error"
)

// Event is emitted at compaction start and end.
type Event struct {
	Kind            string // "start" | "end"
	MarkerMessageID string
	Status          Status
	Err             error
}

// Summarizer performs the secondary model call: a system prompt plus a
// rendered conversation, returning the raw summary text. Implementations
// wrap a Language Model Provider client bound to a (possibly cheaper)
// secondary model.
type Summarizer func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// MemorySaver persists one extracted memory candidate, typically backed
// by the vector-store memory_search tool's write path.
type MemorySaver func(ctx context.Context, fact string) error

// Config tunes the compaction engine's behavior.
type Config struct {
	// PruneProtectChars is a per-body size budget in characters. It is
	// not consulted by the pruning in session.GetEffectiveHistory, which
	// replaces every output-available tool body before the compaction
	// boundary regardless of its size.
	PruneProtectChars int
}

// DefaultConfig matches the teacher's CompactKeepLast-adjacent defaults.
func DefaultConfig() Config {
	return Config{PruneProtectChars: 4000}
}

// Engine runs the compaction procedure against a Session.
type Engine struct {
	cfg        Config
	summarize  Summarizer
	saveMemory MemorySaver
	logger     *zap.Logger
}

// New constructs a compaction Engine. saveMemory may be nil, in which
// case memory-candidate extraction is skipped.
func New(cfg Config, summarize Summarizer, saveMemory MemorySaver, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, summarize: summarize, saveMemory: saveMemory, logger: logger}
}

// Compact runs the full procedure of spec §4.F against sess. auto selects
// whether a synthetic "continue where you left off" user message is
// appended after the summary. onEvent, if non-nil, receives the start and
// end events.
func (e *Engine) Compact(ctx context.Context, sess *session.Session, auto bool, onEvent func(Event)) error {
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	markerID := fmt.Sprintf("compaction-marker-%s-%d", sess.ID(), len(sess.History()))
	marker, err := session.NewMessage(markerID, session.RoleUser, []session.Part{
		{Type: session.PartText, Text: "[compaction marker]", State: session.StateDone},
	}, "")
	if err != nil {
		return fmt.Errorf("compaction: build marker message: %w", err)
	}
	marker.SetMetadata(session.Metadata{Marker: true})
	sess.Push(marker)

	onEvent(Event{Kind: "start", MarkerMessageID: markerID})

	beforeMarker := sess.History()
	beforeMarker = beforeMarker[:len(beforeMarker)-1] // exclude the marker itself

	summary, err := e.summarizeOrFallback(ctx, beforeMarker)
	if err != nil {
		e.rollbackMarker(sess, markerID)
		status := StatusError
		if ctx.Err() != nil {
			status = StatusCanceled
		}
		onEvent(Event{Kind: "end", MarkerMessageID: markerID, Status: status, Err: err})
		return err
	}

	summaryMsg, err := session.NewMessage(fmt.Sprintf("%s-summary", markerID), session.RoleAssistant, []session.Part{
		{Type: session.PartText, Text: summary, State: session.StateDone},
	}, "")
	if err != nil {
		e.rollbackMarker(sess, markerID)
		onEvent(Event{Kind: "end", MarkerMessageID: markerID, Status: StatusError, Err: err})
		return err
	}
	summaryMsg.SetMetadata(session.Metadata{Summary: true})
	sess.Push(summaryMsg)

	boundaryIdx := len(sess.History())
	sess.MarkCompactionBoundary(boundaryIdx)

	if auto {
		cont, err := session.NewMessage(fmt.Sprintf("%s-continue", markerID), session.RoleUser, []session.Part{
			{Type: session.PartText, Text: "Continue where you left off.", State: session.StateDone},
		}, "")
		if err == nil {
			cont.SetMetadata(session.Metadata{AutoContinue: true})
			sess.Push(cont)
		}
	}

	if e.saveMemory != nil {
		go e.extractMemories(context.Background(), summary)
	}

	onEvent(Event{Kind: "end", MarkerMessageID: markerID, Status: StatusDone})
	return nil
}

// rollbackMarker is a no-op placeholder for history trimming: the
// session's append-only history keeps the marker but a future turn's
// effective-history computation simply never references it as a
// boundary, leaving the session consistent. Logged so operators can see
// the attempt failed.
func (e *Engine) rollbackMarker(sess *session.Session, markerID string) {
	if e.logger != nil {
		e.logger.Warn("compaction failed, marker left unconsumed", zap.String("session", sess.ID()), zap.String("marker", markerID))
	}
}

func (e *Engine) summarizeOrFallback(ctx context.Context, messages []*session.Message) (string, error) {
	if e.summarize == nil {
		return e.truncationSummary(messages), nil
	}
	userPrompt := renderConversation(messages)
	if userPrompt == "" {
		return e.truncationSummary(messages), nil
	}
	out, err := e.summarize(ctx, CompactionSystemPrompt, fmt.Sprintf("Compress this conversation (%d messages):\n\n%s", len(messages), userPrompt))
	if err != nil {
		if e.logger != nil {
			e.logger.Debug("secondary-model summarization failed, using fallback", zap.Error(err))
		}
		return e.truncationSummary(messages), nil
	}
	if strings.TrimSpace(out) == "" {
		return e.truncationSummary(messages), nil
	}
	return fmt.Sprintf("[Context compacted — %d messages → state_snapshot]\n\n%s", len(messages), out), nil
}

// renderConversation builds the flattened text representation fed to the
// secondary summarization call, ported from tryLLMSummarize's per-message
// truncated rendering.
func renderConversation(messages []*session.Message) string {
	var parts []string
	for _, m := range messages {
		text := m.TextContent()
		if text == "" {
			continue
		}
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		parts = append(parts, fmt.Sprintf("[%s]: %s", m.Role(), text))
	}
	return strings.Join(parts, "\n")
}

// truncationSummary is the non-LLM fallback, ported from the teacher's
// truncationSummary.
func (e *Engine) truncationSummary(messages []*session.Message) string {
	var summaryParts []string
	toolCallCount, assistantCount, userCount := 0, 0, 0
	for _, m := range messages {
		switch m.Role() {
		case session.RoleAssistant:
			assistantCount++
			if text := m.TextContent(); text != "" {
				if len(text) > 200 {
					text = text[:200] + "..."
				}
				summaryParts = append(summaryParts, fmt.Sprintf("Assistant: %s", text))
			}
			for _, p := range m.Parts() {
				if p.Type == session.PartDynamicTool {
					toolCallCount++
				}
			}
		case session.RoleUser:
			userCount++
			text := m.TextContent()
			if len(text) > 100 {
				text = text[:100] + "..."
			}
			summaryParts = append(summaryParts, fmt.Sprintf("User: %s", text))
		}
	}
	return fmt.Sprintf(
		"[Context compacted: %d messages summarized (%d user, %d assistant, %d tool calls)]\n\n%s",
		len(messages), userCount, assistantCount, toolCallCount, strings.Join(summaryParts, "\n"),
	)
}

// extractMemories pulls <memory_candidates>...</memory_candidates> bullets
// out of a summary and persists each via MemorySaver, ported from the
// teacher's extractMemoriesFromCompaction. Runs with its own background
// context so a slow memory store never delays the turn loop.
func (e *Engine) extractMemories(ctx context.Context, summary string) {
	start := strings.Index(summary, "<memory_candidates>")
	end := strings.Index(summary, "</memory_candidates>")
	if start == -1 || end == -1 || end <= start {
		return
	}
	candidates := strings.TrimSpace(summary[start+len("<memory_candidates>") : end])
	if candidates == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, line := range strings.Split(candidates, "\n") {
		fact := strings.TrimSpace(line)
		fact = strings.TrimPrefix(fact, "- ")
		fact = strings.TrimPrefix(fact, "* ")
		fact = strings.TrimPrefix(fact, "• ")
		fact = strings.TrimSpace(fact)
		if len(fact) <= 5 {
			continue
		}
		if err := e.saveMemory(ctx, fact); err != nil && e.logger != nil {
			e.logger.Debug("auto-extract memory failed", zap.String("fact", fact), zap.Error(err))
		}
	}
}
