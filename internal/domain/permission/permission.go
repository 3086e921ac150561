// Package permission implements the Permission Engine: an ordered ruleset
// of (permission, pattern, action) triples evaluated last-match-wins, with
// monotone-min combination across multiple matched patterns.
package permission

import (
	"path/filepath"
)

// Action is the outcome of evaluating a single rule or the combined
// result of a whole evaluation.
type Action string

const (
	Allow Action = "allow"
	Ask   Action = "ask"
	Deny  Action = "deny"
)

// rank orders actions for monotone-min combination: deny(0) > ask(1) > allow(2).
func (a Action) rank() int {
	switch a {
	case Deny:
		return 0
	case Ask:
		return 1
	default:
		return 2
	}
}

// min returns the more restrictive of two actions (deny beats ask beats allow).
func min(a, b Action) Action {
	if a.rank() <= b.rank() {
		return a
	}
	return b
}

// Rule is one entry of a ruleset.
type Rule struct {
	Permission string // "*" matches any permission name
	Pattern    string // "*" matches any pattern string; glob-matched otherwise
	Action     Action
}

// Ruleset is an ordered list of rules; later entries take precedence.
type Ruleset struct {
	Rules []Rule
}

// matches reports whether a rule applies to the given permission name and pattern.
func (r Rule) matches(permission, pattern string) bool {
	if r.Permission != "*" && r.Permission != permission {
		return false
	}
	if r.Pattern == "*" {
		return true
	}
	if r.Pattern == pattern {
		return true
	}
	ok, err := filepath.Match(r.Pattern, pattern)
	return err == nil && ok
}

// evalOne evaluates the ruleset for a single (permission, pattern) pair.
// The last matching rule wins; if none match, the default is Ask.
func (rs Ruleset) evalOne(permission, pattern string) Action {
	result := Ask
	matched := false
	for _, r := range rs.Rules {
		if r.matches(permission, pattern) {
			result = r.Action
			matched = true
		}
	}
	if !matched {
		return Ask
	}
	return result
}

// Evaluate evaluates every pattern for the given permission name and
// combines the per-pattern actions with monotone min (deny wins, then
// ask, then allow). An empty patterns slice defaults to ["*"].
func (rs Ruleset) Evaluate(permissionName string, patterns []string) Action {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	combined := Allow
	for i, p := range patterns {
		action := rs.evalOne(permissionName, p)
		if i == 0 {
			combined = action
		} else {
			combined = min(combined, action)
		}
	}
	return combined
}

// Mode selects which default ruleset a session starts with.
type Mode string

const (
	ModePlan  Mode = "plan"
	ModeBuild Mode = "build"
)

// DefaultRuleset returns the built-in ruleset for a mode (spec §4.C).
// Hosts may override by constructing their own Ruleset.
func DefaultRuleset(mode Mode) Ruleset {
	switch mode {
	case ModePlan:
		return Ruleset{Rules: []Rule{
			{Permission: "*", Pattern: "*", Action: Ask},
			{Permission: "read", Pattern: "*", Action: Allow},
			{Permission: "list", Pattern: "*", Action: Allow},
			{Permission: "glob", Pattern: "*", Action: Allow},
			{Permission: "grep", Pattern: "*", Action: Allow},
			{Permission: "symbols_search", Pattern: "*", Action: Allow},
			{Permission: "symbols_peek", Pattern: "*", Action: Allow},
			{Permission: "edit", Pattern: "*", Action: Deny},
		}}
	default: // ModeBuild
		return Ruleset{Rules: []Rule{
			{Permission: "*", Pattern: "*", Action: Allow},
		}}
	}
}

// PatternExtractorKind classifies how a tool's metadata.permissionPatterns
// entries should be derived from its arguments.
type PatternExtractorKind string

const (
	PatternPath    PatternExtractorKind = "path"
	PatternCommand PatternExtractorKind = "command"
	PatternRaw     PatternExtractorKind = "raw"
)

// PatternExtractor names the argument a pattern is drawn from and how.
type PatternExtractor struct {
	Arg  string
	Kind PatternExtractorKind
}

// editLikeTools maps builtin tool ids that mutate files to the "edit"
// permission name per spec §4.C step 1 ("common edit tools mapped to edit").
var editLikeTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"apply_patch": true,
}

// PermissionName derives the permission name for a tool call: metadata
// permission wins, else the tool id, with common edit tools normalized to
// "edit".
func PermissionName(metadataPermission, toolID string) string {
	if metadataPermission != "" {
		return metadataPermission
	}
	if editLikeTools[toolID] {
		return "edit"
	}
	return toolID
}
