package compaction

import (
	"context"
	"errors"
	"testing"

	"github.com/corerun/agentcore/internal/domain/session"
)

func seedSession(t *testing.T) *session.Session {
	t.Helper()
	s := session.New()
	u, _ := session.NewMessage("u1", session.RoleUser, []session.Part{
		{Type: session.PartText, Text: "please refactor the parser", State: session.StateDone},
	}, "t1")
	s.Push(u)
	a, _ := session.NewMessage("a1", session.RoleAssistant, []session.Part{
		{Type: session.PartText, Text: "done, see parser.go", State: session.StateDone},
	}, "t1")
	s.Push(a)
	return s
}

func TestCompactPushesMarkerAndSummary(t *testing.T) {
	s := seedSession(t)
	summarizeCalled := false
	summarizer := func(ctx context.Context, sys, user string) (string, error) {
		summarizeCalled = true
		return "<state_snapshot><task_description>refactor parser</task_description></state_snapshot>", nil
	}

	var events []Event
	eng := New(DefaultConfig(), summarizer, nil, nil)
	if err := eng.Compact(context.Background(), s, false, func(e Event) { events = append(events, e) }); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if !summarizeCalled {
		t.Fatalf("expected the summarizer to be invoked")
	}
	if len(events) != 2 || events[0].Kind != "start" || events[1].Kind != "end" || events[1].Status != StatusDone {
		t.Fatalf("unexpected events: %+v", events)
	}

	hist := s.History()
	last := hist[len(hist)-1]
	if !last.Metadata().Summary {
		t.Fatalf("expected last message to carry metadata.summary=true, got %+v", last.Metadata())
	}
}

func TestCompactAutoAppendsContinueMessage(t *testing.T) {
	s := seedSession(t)
	summarizer := func(ctx context.Context, sys, user string) (string, error) { return "summary text", nil }
	eng := New(DefaultConfig(), summarizer, nil, nil)
	if err := eng.Compact(context.Background(), s, true, nil); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	hist := s.History()
	last := hist[len(hist)-1]
	if !last.Metadata().AutoContinue {
		t.Fatalf("expected a trailing auto-continue message, got %+v", last.Metadata())
	}
}

func TestCompactFallsBackToTruncationSummaryOnSummarizerFailure(t *testing.T) {
	s := seedSession(t)
	summarizer := func(ctx context.Context, sys, user string) (string, error) { return "", errors.New("secondary model unavailable") }
	eng := New(DefaultConfig(), summarizer, nil, nil)
	if err := eng.Compact(context.Background(), s, false, nil); err != nil {
		t.Fatalf("Compact should fall back, not fail: %v", err)
	}
	hist := s.History()
	last := hist[len(hist)-1]
	if !last.Metadata().Summary {
		t.Fatalf("expected fallback summary message")
	}
}

func TestExtractMemoriesInvokesSaver(t *testing.T) {
	s := seedSession(t)
	saved := make(chan string, 4)
	saver := func(ctx context.Context, fact string) error {
		saved <- fact
		return nil
	}
	summarizer := func(ctx context.Context, sys, user string) (string, error) {
		return "<state_snapshot><memory_candidates>\n- user prefers tabs\n- project uses Go 1.22\n</memory_candidates></state_snapshot>", nil
	}
	eng := New(DefaultConfig(), summarizer, saver, nil)
	if err := eng.Compact(context.Background(), s, false, nil); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	facts := map[string]bool{}
	for i := 0; i < 2; i++ {
		facts[<-saved] = true
	}
	if !facts["user prefers tabs"] || !facts["project uses Go 1.22"] {
		t.Fatalf("expected both memory candidates to be saved, got %v", facts)
	}
}

func TestShouldCompactRequiresToolCallsFinishAndThreshold(t *testing.T) {
	base := OverflowTrigger{FinishReason: "tool-calls", ModelContextLimit: 100000, Fraction: 0.85}
	under := base
	under.InputTokensNoCache = 1000
	if ShouldCompact(under) {
		t.Fatalf("expected no compaction under threshold")
	}
	over := base
	over.InputTokensNoCache = 90000
	if !ShouldCompact(over) {
		t.Fatalf("expected compaction to trigger at/above threshold")
	}
	wrongReason := over
	wrongReason.FinishReason = "stop"
	if ShouldCompact(wrongReason) {
		t.Fatalf("expected no compaction when finishReason != tool-calls")
	}
}

func TestIsContextOverflowErrorPatterns(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"maximum context length exceeded", true},
		{"request_too_large", true},
		{"413 payload too large", true},
		{"rate limit exceeded", false},
	}
	for _, tc := range cases {
		if got := IsContextOverflowError(errors.New(tc.msg)); got != tc.want {
			t.Errorf("IsContextOverflowError(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}
