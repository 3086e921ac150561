package turnloop

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/session"
)

// Guardrail sentinel errors, ported from the teacher's guardrails.go.
var (
	ErrTokenBudgetExceeded = errors.New("token budget exceeded")
	ErrTimeBudgetExceeded  = errors.New("run time budget exceeded")
)

// CostGuard enforces the optional per-turn token/time budget (a
// supplemented feature: the distilled spec has no budget concept, but a
// complete agent runtime always bounds runaway turns). Safe for
// concurrent use since the stream-consuming goroutine and the main loop
// goroutine may both touch it.
type CostGuard struct {
	maxTokens     int64
	currentTokens atomic.Int64
	maxDuration   time.Duration
	startTime     time.Time
	logger        *zap.Logger
}

// NewCostGuard creates a cost guard for the current turn. maxTokens <= 0
// or maxDuration <= 0 disables that dimension of the check.
func NewCostGuard(maxTokens int64, maxDuration time.Duration, logger *zap.Logger) *CostGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CostGuard{
		maxTokens:   maxTokens,
		maxDuration: maxDuration,
		startTime:   time.Now(),
		logger:      logger,
	}
}

// AddTokens accumulates token usage and reports whether the budget is
// now exceeded.
func (g *CostGuard) AddTokens(n int64) error {
	current := g.currentTokens.Add(n)
	if g.maxTokens > 0 && current > g.maxTokens {
		g.logger.Warn("token budget exceeded",
			zap.Int64("current", current),
			zap.Int64("max", g.maxTokens),
		)
		return ErrTokenBudgetExceeded
	}
	return nil
}

// CheckBudget reports whether the turn's wall-clock budget has expired.
func (g *CostGuard) CheckBudget() error {
	if g.maxDuration > 0 && time.Since(g.startTime) > g.maxDuration {
		return ErrTimeBudgetExceeded
	}
	return nil
}

// GetUsage returns the accumulated token count and elapsed turn time.
func (g *CostGuard) GetUsage() (tokens int64, elapsed time.Duration) {
	return g.currentTokens.Load(), time.Since(g.startTime)
}

// ContextGuard estimates prompt token usage ahead of a model call so the
// loop can pre-emptively trigger compaction rather than waiting for the
// provider to reject an oversized request. This is deliberately a rough
// heuristic — the authoritative overflow check is
// compaction.ShouldCompact, which uses the provider's reported usage.
type ContextGuard struct {
	maxTokens int
	warnRatio float64
	hardRatio float64
	logger    *zap.Logger
}

// NewContextGuard creates a context window guard.
func NewContextGuard(maxTokens int, warnRatio, hardRatio float64, logger *zap.Logger) *ContextGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextGuard{maxTokens: maxTokens, warnRatio: warnRatio, hardRatio: hardRatio, logger: logger}
}

// ContextCheckResult holds the result of a context window check.
type ContextCheckResult struct {
	EstimatedTokens int
	MaxTokens       int
	Ratio           float64
	NeedCompaction  bool
	Warning         bool
}

// Check estimates token usage for a prepared history and returns
// compaction signals.
func (g *ContextGuard) Check(messages []*session.Message) ContextCheckResult {
	estimated := g.estimateTokens(messages)
	ratio := 0.0
	if g.maxTokens > 0 {
		ratio = float64(estimated) / float64(g.maxTokens)
	}

	result := ContextCheckResult{EstimatedTokens: estimated, MaxTokens: g.maxTokens, Ratio: ratio}

	if ratio > g.hardRatio {
		result.NeedCompaction = true
		g.logger.Warn("context window exceeds hard threshold",
			zap.Int("tokens", estimated), zap.Int("max", g.maxTokens), zap.Float64("ratio", ratio))
	} else if ratio > g.warnRatio {
		result.Warning = true
		g.logger.Info("context window approaching limit",
			zap.Int("tokens", estimated), zap.Int("max", g.maxTokens), zap.Float64("ratio", ratio))
	}
	return result
}

// estimateTokens is a rough heuristic: ~3 chars/token, plus a small
// per-message and per-tool-call overhead.
func (g *ContextGuard) estimateTokens(messages []*session.Message) int {
	total := 0
	for _, msg := range messages {
		for _, p := range msg.Parts() {
			switch p.Type {
			case session.PartText, session.PartReasoning:
				total += len(p.Text) / 3
			case session.PartDynamicTool:
				total += len(p.ToolName) + 50
			}
		}
		total += 4
	}
	return total
}

// LoopDetector detects repeated tool-call patterns by two strategies: a
// name-only sliding-window frequency count, and an exact-signature
// consecutive-repeat count. Neither terminates the loop directly — both
// return a reflection prompt, following the teacher's LLM-driven-
// termination philosophy rather than a hard circuit breaker. The Engine
// passes that prompt to the OnNotice callback; it is not added to the
// messages sent to the model.
type LoopDetector struct {
	recentCalls []string
	windowSize  int
	threshold   int

	nameThreshold int
	nameHistory   []string

	logger *zap.Logger
}

// NewLoopDetector creates a loop detector with both name-only and
// exact-match detection. nameThreshold is the same-name-in-window count
// that triggers a reflection prompt; windowSize/threshold govern the
// exact-signature consecutive-repeat check.
func NewLoopDetector(windowSize, threshold, nameThreshold int, logger *zap.Logger) *LoopDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoopDetector{
		recentCalls:   make([]string, 0, windowSize),
		windowSize:    windowSize,
		threshold:     threshold,
		nameThreshold: nameThreshold,
		logger:        logger,
	}
}

// RecordName tracks tool-name frequency in the sliding window, ignoring
// arguments. Returns a non-empty reflection prompt once the same tool
// has appeared at least nameThreshold times in the window, even when
// other tool calls are interleaved.
func (d *LoopDetector) RecordName(toolName string) string {
	d.nameHistory = append(d.nameHistory, toolName)
	if len(d.nameHistory) > d.windowSize {
		d.nameHistory = d.nameHistory[1:]
	}

	count := 0
	for _, name := range d.nameHistory {
		if name == toolName {
			count++
		}
	}

	if count >= d.nameThreshold {
		d.logger.Warn("same tool dominates sliding window",
			zap.String("tool", toolName), zap.Int("count_in_window", count),
			zap.Int("window_size", len(d.nameHistory)), zap.Int("threshold", d.nameThreshold))
		return fmt.Sprintf(
			"[SYSTEM] Warning: tool %q has been called %d of the last %d times. "+
				"You are likely stuck in a retry loop. Stop calling tools and reply to the user "+
				"directly with: (1) what you were attempting, (2) what is blocking you, "+
				"(3) what you suggest doing next.",
			toolName, count, len(d.nameHistory))
	}
	return ""
}

// Record adds a tool call to the sliding window and returns a non-empty
// reflection prompt if the exact same call (name + args signature)
// appears consecutively at least threshold times.
func (d *LoopDetector) Record(toolName string, argsSignature string) string {
	sig := toolName
	if argsSignature != "" {
		sig = toolName + "|" + argsSignature
	}

	d.recentCalls = append(d.recentCalls, sig)
	if len(d.recentCalls) > d.windowSize {
		d.recentCalls = d.recentCalls[1:]
	}

	if len(d.recentCalls) < d.threshold {
		return ""
	}

	tail := d.recentCalls[len(d.recentCalls)-d.threshold:]
	allSame := true
	for _, name := range tail {
		if name != tail[0] {
			allSame = false
			break
		}
	}

	if allSame {
		d.logger.Warn("exact tool call loop detected",
			zap.String("tool", toolName), zap.String("signature", sig), zap.Int("consecutive_calls", d.threshold))
		return fmt.Sprintf(
			"[SYSTEM] Tool %q was called %d times in a row with identical arguments; the result "+
				"will not change. Stop repeating the call — try a different approach or tell the "+
				"user the result.",
			toolName, d.threshold)
	}
	return ""
}

// Reset clears all tracking state; call at the start of each turn.
func (d *LoopDetector) Reset() {
	d.recentCalls = d.recentCalls[:0]
	d.nameHistory = d.nameHistory[:0]
}
