package compaction

import "strings"

// OverflowTrigger inputs for the auto-compaction check of spec §4.F.
type OverflowTrigger struct {
	FinishReason        string
	InputTokensNoCache  int
	OutputTokensTotal   int
	ReservedOutputTokens int
	ModelContextLimit   int
	Fraction            float64 // e.g. 0.85
}

// ShouldCompact reports whether the end-of-iteration overflow check fires.
func ShouldCompact(t OverflowTrigger) bool {
	if t.FinishReason != "tool-calls" {
		return false
	}
	if t.ModelContextLimit <= 0 || t.Fraction <= 0 {
		return false
	}
	used := t.InputTokensNoCache + t.OutputTokensTotal + t.ReservedOutputTokens
	threshold := float64(t.ModelContextLimit) * t.Fraction
	return float64(used) >= threshold
}

// IsContextOverflowError reports whether a transport error indicates the
// provider itself rejected the request for exceeding its context window,
// ported verbatim (pattern set) from the teacher's IsContextOverflowError.
func IsContextOverflowError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context length exceeded") ||
		strings.Contains(msg, "maximum context length") ||
		strings.Contains(msg, "request_too_large") ||
		strings.Contains(msg, "request exceeds the maximum size") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "exceeds model context window") ||
		strings.Contains(msg, "context overflow") ||
		(strings.Contains(msg, "request size exceeds") && strings.Contains(msg, "context window")) ||
		(strings.Contains(msg, "413") && strings.Contains(msg, "too large"))
}
