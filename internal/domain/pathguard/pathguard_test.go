package pathguard

import (
	"os"
	"path/filepath"
	"testing"
)

func mustTempWorkspace(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pathguard-ws-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestResolveInternal(t *testing.T) {
	ws := mustTempWorkspace(t)
	if err := os.WriteFile(filepath.Join(ws, "foo.go"), []byte("package x"), 0o644); err != nil {
		t.Fatal(err)
	}
	g := New(Config{WorkspaceRoot: ws})

	res, err := g.Resolve("foo.go")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.IsExternal {
		t.Fatalf("expected internal, got external")
	}
	if res.RelPath != "foo.go" {
		t.Fatalf("RelPath = %q, want foo.go", res.RelPath)
	}
}

func TestResolveDotDotIsExternal(t *testing.T) {
	ws := mustTempWorkspace(t)
	g := New(Config{WorkspaceRoot: ws, AllowExternalPaths: true})

	res, err := g.Resolve("../x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.IsExternal {
		t.Fatalf("expected external for ../x")
	}
}

func TestResolveExternalDisabledFails(t *testing.T) {
	ws := mustTempWorkspace(t)
	g := New(Config{WorkspaceRoot: ws, AllowExternalPaths: false})

	_, err := g.Resolve("/etc/passwd")
	if err != ErrExternalPathsDisabled {
		t.Fatalf("err = %v, want ErrExternalPathsDisabled", err)
	}
}

func TestResolveSymlinkEscapingWorkspaceIsExternal(t *testing.T) {
	ws := mustTempWorkspace(t)
	outside := mustTempWorkspace(t)
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(ws, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	g := New(Config{WorkspaceRoot: ws, AllowExternalPaths: true})

	res, err := g.Resolve(filepath.Join("link", "secret.txt"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.IsExternal {
		t.Fatalf("expected symlink-escaping path to classify external")
	}
}

func TestResolveNonexistentFileUnderWorkspaceIsInternal(t *testing.T) {
	ws := mustTempWorkspace(t)
	g := New(Config{WorkspaceRoot: ws})

	res, err := g.Resolve(filepath.Join("new", "file.txt"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.IsExternal {
		t.Fatalf("expected not-yet-existing path under workspace to be internal")
	}
	if res.RelPath != filepath.ToSlash(filepath.Join("new", "file.txt")) {
		t.Fatalf("RelPath = %q", res.RelPath)
	}
}

func TestNormalizeExternalStaysAbsolute(t *testing.T) {
	ws := mustTempWorkspace(t)
	g := New(Config{WorkspaceRoot: ws, AllowExternalPaths: true})
	res, err := g.Resolve("/tmp")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.IsExternal {
		t.Fatalf("expected /tmp to be external relative to %s", ws)
	}
	if res.Normalize() != res.AbsPath {
		t.Fatalf("Normalize() = %q, want absolute path %q", res.Normalize(), res.AbsPath)
	}
}
