package permission

import "testing"

func TestEvaluateLastMatchWins(t *testing.T) {
	rs := Ruleset{Rules: []Rule{
		{Permission: "*", Pattern: "*", Action: Ask},
		{Permission: "bash", Pattern: "*", Action: Allow},
		{Permission: "bash", Pattern: "rm *", Action: Deny},
	}}

	if got := rs.Evaluate("bash", []string{"ls -la"}); got != Allow {
		t.Errorf("ls -la: got %v, want Allow", got)
	}
	if got := rs.Evaluate("bash", []string{"rm -rf foo"}); got != Deny {
		t.Errorf("rm -rf foo: got %v, want Deny", got)
	}
	if got := rs.Evaluate("read", []string{"anything"}); got != Ask {
		t.Errorf("read default: got %v, want Ask", got)
	}
}

func TestEvaluateMonotoneMinAcrossPatterns(t *testing.T) {
	rs := Ruleset{Rules: []Rule{
		{Permission: "edit", Pattern: "*", Action: Allow},
		{Permission: "edit", Pattern: "secrets/*", Action: Deny},
	}}
	got := rs.Evaluate("edit", []string{"src/a.go", "secrets/key.pem"})
	if got != Deny {
		t.Errorf("combined = %v, want Deny (deny beats allow)", got)
	}
}

func TestDefaultRulesetPlanModeDeniesEdit(t *testing.T) {
	rs := DefaultRuleset(ModePlan)
	if got := rs.Evaluate("edit", nil); got != Deny {
		t.Errorf("plan mode edit = %v, want Deny", got)
	}
	if got := rs.Evaluate("read", nil); got != Allow {
		t.Errorf("plan mode read = %v, want Allow", got)
	}
	if got := rs.Evaluate("bash", nil); got != Ask {
		t.Errorf("plan mode bash = %v, want Ask (fallthrough)", got)
	}
}

func TestDefaultRulesetBuildModeAllowsEverything(t *testing.T) {
	rs := DefaultRuleset(ModeBuild)
	if got := rs.Evaluate("anything", nil); got != Allow {
		t.Errorf("build mode = %v, want Allow", got)
	}
}

func TestPermissionNameMapsEditTools(t *testing.T) {
	if got := PermissionName("", "write_file"); got != "edit" {
		t.Errorf("write_file permission = %q, want edit", got)
	}
	if got := PermissionName("custom", "write_file"); got != "custom" {
		t.Errorf("explicit metadata permission should win, got %q", got)
	}
	if got := PermissionName("", "bash"); got != "bash" {
		t.Errorf("bash permission = %q, want bash", got)
	}
}

func TestEvaluateReevaluationIsDeterministic(t *testing.T) {
	rs := Ruleset{Rules: []Rule{
		{Permission: "*", Pattern: "*", Action: Ask},
		{Permission: "read", Pattern: "*", Action: Allow},
	}}
	a := rs.Evaluate("read", []string{"src/x.go"})
	b := rs.Evaluate("read", []string{"src/x.go"})
	if a != b {
		t.Errorf("evaluation not idempotent: %v vs %v", a, b)
	}
}
