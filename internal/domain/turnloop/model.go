package turnloop

import (
	"context"

	"github.com/corerun/agentcore/internal/domain/session"
	"github.com/corerun/agentcore/internal/domain/stream"
	"github.com/corerun/agentcore/internal/domain/tool"
)

// ModelRequest is the outbound shape of one streaming model call, per
// spec §6 "Language Model Provider" ({model, messages, tools,
// temperature, topP?, topK?, providerOptions?, maxOutputTokens,
// abortSignal}).
type ModelRequest struct {
	Model           string
	Messages        []session.ModelMessage
	Tools           []tool.Definition
	Temperature     float64
	TopP            *float64
	TopK            *int
	MaxOutputTokens int
	ProviderOptions map[string]interface{}
}

// ModelStream is a pull-based handle over one streaming call's tagged
// parts (spec §4.H). Next blocks until a part is available, the stream
// ends (ok=false, err=nil), or ctx is cancelled.
type ModelStream interface {
	Next(ctx context.Context) (part stream.Part, ok bool, err error)
	Close()
}

// ModelProvider is the inbound dependency the turn loop drives: an LLM
// transport kept out of core scope per spec §1, specified only by this
// interface.
type ModelProvider interface {
	StreamChat(ctx context.Context, req ModelRequest) (ModelStream, error)
	// ContextLimit reports the model's context window, used by the
	// overflow check (spec §4.F); 0 means "unknown, never auto-compact".
	ContextLimit(model string) int
}

// RetryAfter is implemented by stream errors that carry a server-supplied
// Retry-After hint, honored by the retry backoff (spec §4.I step 7).
type RetryAfter interface {
	RetryAfterMillis() int
}
