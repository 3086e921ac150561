package handle

import "testing"

func TestCreateFileHandleDedup(t *testing.T) {
	r := New()
	id1 := r.CreateFileHandle("src/foo.ts")
	id2 := r.CreateFileHandle("src/bar.ts")
	id3 := r.CreateFileHandle("src/foo.ts")

	if id1 != "F1" {
		t.Errorf("id1 = %q, want F1", id1)
	}
	if id2 != "F2" {
		t.Errorf("id2 = %q, want F2", id2)
	}
	if id3 != id1 {
		t.Errorf("re-registering the same path should reuse the handle: got %q want %q", id3, id1)
	}

	path, ok := r.ResolveFile("F1")
	if !ok || path != "src/foo.ts" {
		t.Errorf("ResolveFile(F1) = (%q, %v), want (src/foo.ts, true)", path, ok)
	}
}

func TestResolveUnknownFile(t *testing.T) {
	r := New()
	if _, ok := r.ResolveFile("F99"); ok {
		t.Fatalf("expected unknown file handle to resolve false")
	}
}

func TestSemanticHandlesAreMonotonicAndNeverReused(t *testing.T) {
	r := New()
	f := r.CreateFileHandle("a.go")
	m1 := r.CreateMatchHandle(f, 1, 0)
	m2 := r.CreateMatchHandle(f, 2, 0)
	if m1 != "M1" || m2 != "M2" {
		t.Fatalf("got %q, %q want M1, M2", m1, m2)
	}
	s1 := r.CreateSymbolHandle(f, Range{})
	if s1 != "S1" {
		t.Fatalf("symbol id = %q, want S1", s1)
	}
}

func TestResolveMatchRejectsWrongKind(t *testing.T) {
	r := New()
	f := r.CreateFileHandle("a.go")
	sid := r.CreateSymbolHandle(f, Range{})
	if _, ok := r.ResolveMatch(sid); ok {
		t.Fatalf("ResolveMatch should not resolve a symbol id")
	}
}

func TestDecorateGrepResultGroupsAndOrders(t *testing.T) {
	r := New()
	out, ids := r.DecorateGrepResult([]GrepMatch{
		{Path: "b.go", Line: 5, Character: 0, Snippet: "bar()"},
		{Path: "a.go", Line: 10, Character: 2, Snippet: "foo()"},
		{Path: "a.go", Line: 2, Character: 0, Snippet: "package a"},
	})
	if len(ids) != 3 {
		t.Fatalf("expected 3 match ids, got %d", len(ids))
	}
	if out == "" {
		t.Fatalf("expected non-empty outputText")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	r := New()
	f := r.CreateFileHandle("x.go")
	m := r.CreateMatchHandle(f, 3, 1)

	snap := r.Export()
	r2 := Import(snap)

	p, ok := r2.ResolveFile(f)
	if !ok || p != "x.go" {
		t.Fatalf("round-trip lost file handle: (%q, %v)", p, ok)
	}
	h, ok := r2.ResolveMatch(m)
	if !ok || h.FileID != f {
		t.Fatalf("round-trip lost match handle")
	}

	// ids minted after import must continue the monotonic sequence, not restart.
	f2 := r2.CreateFileHandle("y.go")
	if f2 == f {
		t.Fatalf("imported registry reused an id: %q", f2)
	}
}
