package tool

import (
	"context"
	"testing"
)

type stubTool struct {
	name string
	meta Metadata
}

func (s stubTool) Name() string                     { return s.name }
func (s stubTool) Description() string              { return "stub" }
func (s stubTool) Kind() Kind                        { return KindRead }
func (s stubTool) Schema() map[string]interface{}   { return map[string]interface{}{} }
func (s stubTool) Metadata() Metadata               { return s.meta }
func (s stubTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return &Result{Success: true, Output: "ok"}, nil
}

func TestRegistryRegisterGetList(t *testing.T) {
	r := NewInMemoryRegistry()
	if err := r.Register(stubTool{name: "read_file", meta: Metadata{ReadOnly: true}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(stubTool{name: "read_file"}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	got, ok := r.Get("read_file")
	if !ok || got.Name() != "read_file" {
		t.Fatalf("Get failed: %v %v", got, ok)
	}
	defs := r.List()
	if len(defs) != 1 || !defs[0].Metadata.ReadOnly {
		t.Fatalf("List() metadata not propagated: %+v", defs)
	}
}

func TestTruncateOutputExactBoundary(t *testing.T) {
	exact := make([]byte, MaxToolResultLength)
	for i := range exact {
		exact[i] = 'a'
	}
	if _, truncated := TruncateOutput(string(exact)); truncated {
		t.Fatalf("exact-length text must not be truncated")
	}

	oneOver := string(exact) + "x"
	out, truncated := TruncateOutput(oneOver)
	if !truncated {
		t.Fatalf("one byte over must be truncated")
	}
	if len(out) <= MaxToolResultLength {
		t.Fatalf("truncated output should include the suffix, got length %d", len(out))
	}
}

func TestPolicyNeedsConfirmation(t *testing.T) {
	p := &Policy{AskMode: true}
	if p.NeedsConfirmation(KindRead) {
		t.Fatalf("read is a SafeKind, should not need confirmation")
	}
	if !p.NeedsConfirmation(KindEdit) {
		t.Fatalf("edit is a MutatorKind, should need confirmation under AskMode")
	}
}

func TestNewErrorResultCarriesCode(t *testing.T) {
	res := NewErrorResult(ErrExternalPathsDisabled, "blocked")
	if res.Success {
		t.Fatalf("expected Success=false")
	}
	if res.Metadata["errorCode"] != string(ErrExternalPathsDisabled) {
		t.Fatalf("errorCode metadata = %v", res.Metadata["errorCode"])
	}
}
