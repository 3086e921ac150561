// Package stream implements the Stream Adapter contract (spec §4.H): a
// provider-agnostic tagged-part stream plus composable observers that
// extract provider-specific replay metadata without owning the stream
// itself.
//
// Grounded on internal/infrastructure/llm/{anthropic,openai,gemini}/sse.go's
// event-to-chunk translation and internal/domain/service/llm_errors.go's
// ClassifyError/LLMErrorKind, generalized from a single provider's ad hoc
// service.StreamChunk into the spec's closed tagged-part union shared by
// all providers.
package stream

import "fmt"

// PartType is the closed set of tagged stream parts (spec §4.H).
type PartType string

const (
	PartTextDelta      PartType = "text-delta"
	PartReasoningDelta PartType = "reasoning-delta"
	PartToolCall       PartType = "tool-call"
	PartToolResult     PartType = "tool-result"
	PartToolError      PartType = "tool-error"
	PartFinishStep     PartType = "finish-step"
	PartFinish         PartType = "finish"
	PartError          PartType = "error"
)

// Part is one tagged unit of a model's streaming response. Only the
// fields relevant to Type are populated.
type Part struct {
	Type PartType

	TextDelta      string
	ReasoningDelta string

	ToolCallID   string
	ToolName     string
	ToolArgsJSON string // accumulated partial-JSON for tool-call args

	ToolResultData interface{}
	ToolResultErr  string

	FinishReason string
	Usage        Usage

	Err error
}

// Usage is token accounting reported at stream end, matching the
// teacher's service.LLMResponse.TokensUsed shape split by role.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ErrorKind classifies a stream-terminating error for retry decisions,
// ported from the teacher's service.LLMErrorKind.
type ErrorKind int

const (
	ErrKindTransient ErrorKind = iota
	ErrKindAuth
	ErrKindBadRequest
	ErrKindContentFilter
	ErrKindBudget
	ErrKindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransient:
		return "transient"
	case ErrKindAuth:
		return "auth"
	case ErrKindBadRequest:
		return "bad_request"
	case ErrKindContentFilter:
		return "content_filter"
	case ErrKindBudget:
		return "budget"
	case ErrKindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether the turn loop's retry policy should
// consider this kind at all (the loop additionally requires no tool-call
// observed, no text produced, and no cancellation requested — spec
// §4.I step 7).
func (k ErrorKind) IsRetryable() bool {
	return k == ErrKindTransient
}

// ReplayUpdate is the namespaced metadata an adapter contributes for a
// turn, persisted alongside the assistant message so a later replay (or
// compaction summarizer) can recover provider-specific framing without
// reparsing raw SSE.
type ReplayUpdate struct {
	Namespace string
	Data      interface{}
}

// Adapter observes a stream's parts and may classify errors and
// contribute replay metadata for one namespace (spec §4.H).
type Adapter interface {
	// Namespace is the single replay-metadata namespace this adapter
	// claims. Must be non-empty and unique among composed adapters.
	Namespace() string
	// OnPart observes one part as it arrives. Adapters must not block or
	// mutate the part.
	OnPart(part Part)
	// ClassifyError reports whether an error part is recoverable (e.g. a
	// benign provider artifact emitted after a clean finish) and, if
	// not, how it should be classified for the retry policy.
	ClassifyError(err error) (recoverable bool, kind ErrorKind)
	// ReplayUpdate returns this adapter's contribution once the stream
	// has ended, or ok=false if it has nothing to contribute.
	ReplayUpdate() (update ReplayUpdate, ok bool)
}

// Composite delegates onPart to every member adapter and aggregates
// their replay updates by namespace.
type Composite struct {
	members []Adapter
}

// Compose builds a Composite from distinct-namespace adapters. Returns
// an error (the setup-time "collisions throw" contract of spec §4.H) if
// two adapters claim the same namespace.
func Compose(adapters ...Adapter) (*Composite, error) {
	seen := make(map[string]bool, len(adapters))
	for _, a := range adapters {
		ns := a.Namespace()
		if ns == "" {
			return nil, fmt.Errorf("stream adapter %T: namespace must not be empty", a)
		}
		if seen[ns] {
			return nil, fmt.Errorf("stream adapter namespace collision: %q claimed by more than one adapter", ns)
		}
		seen[ns] = true
	}
	return &Composite{members: adapters}, nil
}

// OnPart forwards to every member adapter, in composition order.
func (c *Composite) OnPart(part Part) {
	for _, a := range c.members {
		a.OnPart(part)
	}
}

// ClassifyError asks each member in turn; the first to report the error
// unrecoverable wins (any adapter may veto recovery). If every member
// considers it recoverable (or there are no members), it's recoverable.
func (c *Composite) ClassifyError(err error) (recoverable bool, kind ErrorKind) {
	recoverable = true
	kind = ErrKindTransient
	for _, a := range c.members {
		rec, k := a.ClassifyError(err)
		if !rec {
			return false, k
		}
	}
	return recoverable, kind
}

// ReplayUpdates collects every member's contribution, keyed by namespace.
func (c *Composite) ReplayUpdates() map[string]interface{} {
	out := make(map[string]interface{})
	for _, a := range c.members {
		if u, ok := a.ReplayUpdate(); ok {
			out[u.Namespace] = u.Data
		}
	}
	return out
}
