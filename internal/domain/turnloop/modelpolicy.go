package turnloop

import (
	"fmt"
	"strings"
	"time"
)

// ModelPolicy is the provider-behavior selector of spec §4.I step 5: a
// per-model-family bundle of defaults (reasoning tag format, progress
// reminder interval, prompt style), resolved from the model id and
// overridable via config. Ported from the teacher's model_policy.go
// ModelPolicy, trimmed to the fields the turn loop actually consults.
type ModelPolicy struct {
	ReasoningFormat    string // "native" | "xml" | "none"
	ProgressInterval   int    // iterations between progress reminders, 0 disables
	ProgressEscalation bool
	PromptStyle        string // "concise" | "detailed"
	SystemRoleSupport  bool
}

// DefaultModelPolicy is a safe baseline that works with most models.
func DefaultModelPolicy() ModelPolicy {
	return ModelPolicy{
		ReasoningFormat:    "none",
		ProgressInterval:   10,
		ProgressEscalation: true,
		PromptStyle:        "concise",
		SystemRoleSupport:  true,
	}
}

// ModelPolicyOverride holds config-file-configurable per-model-family
// overrides; nil fields mean "keep the auto-detected value".
type ModelPolicyOverride struct {
	ReasoningFormat    *string        `mapstructure:"reasoning_format"`
	ProgressInterval   *int           `mapstructure:"progress_interval"`
	ProgressEscalation *bool          `mapstructure:"progress_escalation"`
	PromptStyle        *string        `mapstructure:"prompt_style"`
	SystemRoleSupport  *bool          `mapstructure:"system_role_support"`
	RunTimeout         *time.Duration `mapstructure:"run_timeout"`
}

// ResolveModelPolicy auto-detects the best policy for a model id via
// substring matching on known family names, then applies the longest
// matching config override.
func ResolveModelPolicy(modelID string, overrides map[string]*ModelPolicyOverride) ModelPolicy {
	policy := DefaultModelPolicy()
	lower := strings.ToLower(modelID)

	switch {
	case containsAny(lower, "qwen"):
		policy.ReasoningFormat = "xml"
		policy.ProgressInterval = 15
		policy.PromptStyle = "detailed"
	case containsAny(lower, "minimax"):
		policy.ReasoningFormat = "none"
		policy.ProgressInterval = 8
	case containsAny(lower, "claude", "anthropic"):
		policy.ReasoningFormat = "native"
		policy.ProgressInterval = 0
		policy.PromptStyle = "detailed"
	case containsAny(lower, "gemini", "google"):
		policy.ReasoningFormat = "none"
		policy.ProgressInterval = 10
		policy.PromptStyle = "detailed"
	case containsAny(lower, "deepseek"):
		policy.ReasoningFormat = "xml"
		policy.ProgressInterval = 12
	case containsAny(lower, "gpt", "openai"):
		policy.ReasoningFormat = "none"
		policy.ProgressInterval = 10
		policy.PromptStyle = "detailed"
	}

	if overrides == nil {
		return policy
	}
	matchedKey := ""
	for key := range overrides {
		if strings.Contains(lower, strings.ToLower(key)) && len(key) > len(matchedKey) {
			matchedKey = key
		}
	}
	if matchedKey != "" {
		applyModelPolicyOverride(&policy, overrides[matchedKey])
	}
	return policy
}

func applyModelPolicyOverride(p *ModelPolicy, o *ModelPolicyOverride) {
	if o == nil {
		return
	}
	if o.ReasoningFormat != nil {
		p.ReasoningFormat = *o.ReasoningFormat
	}
	if o.ProgressInterval != nil {
		p.ProgressInterval = *o.ProgressInterval
	}
	if o.ProgressEscalation != nil {
		p.ProgressEscalation = *o.ProgressEscalation
	}
	if o.PromptStyle != nil {
		p.PromptStyle = *o.PromptStyle
	}
	if o.SystemRoleSupport != nil {
		p.SystemRoleSupport = *o.SystemRoleSupport
	}
}

// BuildProgressMessage renders a step-appropriate progress reminder, with
// urgency escalating by iteration count when ProgressEscalation is set.
func (p *ModelPolicy) BuildProgressMessage(iteration int) string {
	if p.ProgressInterval <= 0 {
		return ""
	}
	if !p.ProgressEscalation {
		return fmt.Sprintf("[SYSTEM] %d iterations elapsed. Briefly report current progress and next steps.", iteration)
	}
	switch {
	case iteration <= 15:
		return fmt.Sprintf("[SYSTEM] %d iterations elapsed. Briefly report current progress.", iteration)
	case iteration <= 25:
		return fmt.Sprintf("[SYSTEM] Warning: %d iterations elapsed. Check whether the task can be completed and reply to the user. If you've hit a blocker, say so now.", iteration)
	default:
		return fmt.Sprintf("[SYSTEM] %d iterations elapsed. You must wrap up the current task as soon as possible. If you cannot finish, tell the user your progress and the blocker.", iteration)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
