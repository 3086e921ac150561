package stream

import (
	"errors"
	"testing"
)

func TestComposeRejectsNamespaceCollision(t *testing.T) {
	a := NewProviderReplayAdapter("anthropic")
	b := NewProviderReplayAdapter("anthropic")
	if _, err := Compose(a, b); err == nil {
		t.Fatalf("expected namespace collision error")
	}
}

func TestComposeAllowsDistinctNamespaces(t *testing.T) {
	a := NewProviderReplayAdapter("anthropic")
	b := NewProviderReplayAdapter("cost-tracker")
	c, err := Compose(a, b)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	c.OnPart(Part{Type: PartFinish, FinishReason: "stop"})
	updates := c.ReplayUpdates()
	if _, ok := updates["anthropic"]; !ok {
		t.Fatalf("expected anthropic namespace in replay updates, got %v", updates)
	}
}

func TestClassifyErrorPatterns(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{errors.New("401 unauthorized"), ErrKindAuth},
		{errors.New("request blocked by content policy"), ErrKindContentFilter},
		{errors.New("400 bad request: invalid argument"), ErrKindBadRequest},
		{errors.New("monthly quota exceeded"), ErrKindBudget},
		{errors.New("context canceled"), ErrKindCancelled},
		{errors.New("502 bad gateway"), ErrKindTransient},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("ClassifyError(%q) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestProviderReplayAdapterRecoversAfterFinish(t *testing.T) {
	a := NewProviderReplayAdapter("anthropic")
	a.OnPart(Part{Type: PartFinish, FinishReason: "stop"})
	recoverable, _ := a.ClassifyError(errors.New("stream closed unexpectedly"))
	if !recoverable {
		t.Fatalf("expected errors after a clean finish to be recoverable")
	}
}

func TestProviderReplayAdapterClassifiesBeforeFinish(t *testing.T) {
	a := NewProviderReplayAdapter("anthropic")
	recoverable, kind := a.ClassifyError(errors.New("401 unauthorized"))
	if recoverable {
		t.Fatalf("auth errors before finish must not be recoverable")
	}
	if kind != ErrKindAuth {
		t.Fatalf("kind = %v, want auth", kind)
	}
}

func TestReplayUpdateEmptyBeforeAnyActivity(t *testing.T) {
	a := NewProviderReplayAdapter("anthropic")
	if _, ok := a.ReplayUpdate(); ok {
		t.Fatalf("expected no replay update before any observed activity")
	}
}
