// Package pathguard resolves and classifies filesystem paths against a
// workspace root, enforcing canonical-path containment before any tool
// handler is allowed to touch a path.
package pathguard

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Error codes from the closed set (spec §6).
var (
	ErrWorkspaceBoundaryCheckFailed = errors.New("workspace_boundary_check_failed")
	ErrExternalPathsDisabled        = errors.New("external_paths_disabled")
)

// Config carries the per-session containment policy.
type Config struct {
	WorkspaceRoot      string
	AllowExternalPaths bool
}

// Resolution is the result of resolving and classifying an input path.
type Resolution struct {
	AbsPath    string // canonical absolute path
	RelPath    string // workspace-relative, forward-slash, when internal; empty when external
	IsExternal bool
}

// Guard resolves user-supplied path strings against a workspace root.
type Guard struct {
	cfg Config
	root string // canonicalized workspace root, computed once
}

// New creates a Guard for the given config. The workspace root is
// canonicalized eagerly; if it cannot be resolved, root falls back to the
// cleaned input (empty/relative roots are still usable for tests).
func New(cfg Config) *Guard {
	root := cfg.WorkspaceRoot
	if canon, err := canonicalize(root); err == nil {
		root = canon
	} else {
		root = filepath.Clean(root)
	}
	return &Guard{cfg: cfg, root: root}
}

// Resolve implements the Path Guard algorithm of spec §4.A.
func (g *Guard) Resolve(input string) (Resolution, error) {
	abs := input
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.cfg.WorkspaceRoot, abs)
	}
	abs = filepath.Clean(abs)

	canonAbs, err := canonicalize(abs)
	if err != nil {
		if !g.cfg.AllowExternalPaths {
			return Resolution{}, ErrWorkspaceBoundaryCheckFailed
		}
		// Best-effort: fall back to the lexical absolute path.
		canonAbs = abs
	}

	isExternal := !withinRoot(canonAbs, g.root)

	if isExternal && !g.cfg.AllowExternalPaths {
		return Resolution{}, ErrExternalPathsDisabled
	}

	res := Resolution{AbsPath: canonAbs, IsExternal: isExternal}
	if !isExternal {
		rel, err := filepath.Rel(g.root, canonAbs)
		if err != nil {
			rel = canonAbs
		}
		res.RelPath = filepath.ToSlash(rel)
	}
	return res, nil
}

// withinRoot reports whether abs equals root or is a descendant of it,
// using a trailing-separator comparison to avoid "/ws" matching "/wsx".
func withinRoot(abs, root string) bool {
	abs = filepath.Clean(abs)
	root = filepath.Clean(root)
	if abs == root {
		return true
	}
	sep := string(os.PathSeparator)
	return strings.HasPrefix(abs, root+sep)
}

// canonicalize resolves symlinks by walking from the deepest existing
// ancestor, then re-appending the (possibly non-existent) suffix. This
// lets the guard classify paths that don't exist yet (e.g. a file about
// to be written) while still catching a symlink *inside* the workspace
// that points *outside* it.
func canonicalize(path string) (string, error) {
	path = filepath.Clean(path)
	if !filepath.IsAbs(path) {
		var err error
		path, err = filepath.Abs(path)
		if err != nil {
			return "", err
		}
	}

	var suffix []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if len(suffix) == 0 {
				return resolved, nil
			}
			full := resolved
			for i := len(suffix) - 1; i >= 0; i-- {
				full = filepath.Join(full, suffix[i])
			}
			return filepath.Clean(full), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		suffix = append(suffix, filepath.Base(cur))
		cur = parent
	}
}

// Normalize renders a resolved path for display/handle keys: internal
// paths are returned workspace-relative with forward slashes; external
// paths are returned as their absolute canonical form.
func (r Resolution) Normalize() string {
	if r.IsExternal {
		return filepath.ToSlash(r.AbsPath)
	}
	return r.RelPath
}
