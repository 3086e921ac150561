package session

import (
	"testing"

	"github.com/corerun/agentcore/internal/domain/permission"
)

func textMsg(t *testing.T, id string, role Role, text string) *Message {
	t.Helper()
	m, err := NewMessage(id, role, []Part{{Type: PartText, Text: text, State: StateDone}}, "")
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return m
}

func TestNewMessageRejectsEmptyID(t *testing.T) {
	if _, err := NewMessage("", RoleUser, nil, ""); err != ErrEmptyMessageID {
		t.Fatalf("err = %v, want ErrEmptyMessageID", err)
	}
}

func TestPushFinalizesPriorStreamingMessage(t *testing.T) {
	s := New()
	streaming, _ := NewMessage("m1", RoleAssistant, []Part{{Type: PartText, Text: "partial", State: StateStreaming}}, "")
	s.Push(streaming)

	s.Push(textMsg(t, "m2", RoleUser, "hi"))

	hist := s.History()
	if hist[0].IsStreaming() {
		t.Fatalf("expected m1 to be finalized once a new message is pushed")
	}
}

func TestHistoryPreservesOrderAndNeverRewrites(t *testing.T) {
	s := New()
	s.Push(textMsg(t, "u1", RoleUser, "hello"))
	s.Push(textMsg(t, "a1", RoleAssistant, "hi there"))

	before := s.History()
	s.Push(textMsg(t, "u2", RoleUser, "again"))
	after := s.History()

	if len(after) != len(before)+1 {
		t.Fatalf("expected history to grow by exactly 1, got %d -> %d", len(before), len(after))
	}
	for i := range before {
		if after[i].ID() != before[i].ID() {
			t.Fatalf("earlier history was rewritten at index %d", i)
		}
	}
}

func TestEffectiveHistoryPrunesBeforeCompactionBoundary(t *testing.T) {
	s := New()
	toolMsg, _ := NewMessage("a1", RoleAssistant, []Part{{
		Type: PartDynamicTool, ToolName: "bash", ToolCallID: "c1",
		State: StateOutputAvailable, Output: "a very long captured stdout body",
	}}, "")
	s.Push(toolMsg)
	s.Push(textMsg(t, "summary", RoleAssistant, "summary of above"))
	s.MarkCompactionBoundary(1)
	s.Push(textMsg(t, "a2", RoleAssistant, "continuing"))

	eff := s.GetEffectiveHistory()
	if eff[0].Parts()[0].Output != prunedPlaceholder {
		t.Fatalf("expected pre-boundary tool output to be pruned, got %v", eff[0].Parts()[0].Output)
	}
	if eff[2].TextContent() != "continuing" {
		t.Fatalf("expected post-boundary message untouched")
	}
}

func TestCreateHistoryForModelSplitsToolCallAndResult(t *testing.T) {
	m, _ := NewMessage("a1", RoleAssistant, []Part{{
		Type: PartDynamicTool, ToolName: "echo", ToolCallID: "c1",
		Input: map[string]any{"message": "hi"}, State: StateOutputAvailable, Output: "Echo: hi",
	}}, "")

	mm := CreateHistoryForModel([]*Message{m})
	if len(mm) != 2 {
		t.Fatalf("expected tool-call message followed by tool-result message, got %d", len(mm))
	}
	if mm[0].Parts[0].Type != "tool-call" {
		t.Fatalf("first message should carry the tool-call part")
	}
	if mm[1].Role != "tool" || mm[1].Parts[0].Type != "tool-result" {
		t.Fatalf("second message should be a synthetic tool-result, got role=%v type=%v", mm[1].Role, mm[1].Parts[0].Type)
	}
}

func TestBuildModeReminderPlanMode(t *testing.T) {
	r := BuildModeReminder(ReminderConfig{Mode: permission.ModePlan, AllowExternalPaths: false})
	if r == "" {
		t.Fatalf("expected non-empty reminder for plan mode")
	}
}

func TestAppendReminderDoesNotMutatePersistedHistory(t *testing.T) {
	s := New()
	s.Push(textMsg(t, "u1", RoleUser, "hello"))
	mm := CreateHistoryForModel(s.GetEffectiveHistory())

	withReminder := AppendReminderToLastUser(mm, "<system-reminder>x</system-reminder>")
	if len(withReminder[0].Parts) != len(mm[0].Parts)+1 {
		t.Fatalf("expected reminder appended to the returned copy")
	}

	// The persisted message itself must be untouched.
	persisted := s.History()[0]
	if len(persisted.Parts()) != 1 {
		t.Fatalf("reminder leaked into persisted history: %d parts", len(persisted.Parts()))
	}
}

func TestSessionJSONRoundTrip(t *testing.T) {
	s := New()
	s.Push(textMsg(t, "u1", RoleUser, "hello"))
	s.FileHandles().CreateFileHandle("src/a.go")

	data, err := s.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	restored, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if restored.ID() != s.ID() {
		t.Fatalf("session id did not round-trip")
	}
	if len(restored.History()) != 1 {
		t.Fatalf("expected 1 restored message, got %d", len(restored.History()))
	}
	if p, ok := restored.FileHandles().ResolveFile("F1"); !ok || p != "src/a.go" {
		t.Fatalf("file handle did not round-trip: (%q, %v)", p, ok)
	}
}
