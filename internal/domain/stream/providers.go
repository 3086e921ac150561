package stream

import "sync"

// ProviderReplayAdapter is a generic per-provider Adapter: it records the
// model id and finish reason it observes for replay metadata, and treats
// any error arriving after a clean PartFinish as a recoverable stream
// artifact — the pattern grounded on the teacher's anthropic/sse.go
// tolerating a trailing "ping"/idle-timeout after message_stop.
type ProviderReplayAdapter struct {
	baseAdapter
	namespace string

	mu           sync.Mutex
	sawFinish    bool
	finishReason string
	modelUsed    string
	usage        Usage
}

// NewProviderReplayAdapter builds an adapter claiming the given
// namespace, e.g. "anthropic", "openai", "gemini".
func NewProviderReplayAdapter(namespace string) *ProviderReplayAdapter {
	return &ProviderReplayAdapter{namespace: namespace}
}

func (a *ProviderReplayAdapter) Namespace() string { return a.namespace }

func (a *ProviderReplayAdapter) OnPart(part Part) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch part.Type {
	case PartFinish, PartFinishStep:
		a.sawFinish = true
		if part.FinishReason != "" {
			a.finishReason = part.FinishReason
		}
		if part.Usage.TotalTokens > 0 {
			a.usage = part.Usage
		}
	}
}

// SetModelUsed records the model id the provider reported, typically
// parsed out-of-band from the stream's first metadata event.
func (a *ProviderReplayAdapter) SetModelUsed(model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modelUsed = model
}

// ClassifyError overrides baseAdapter: once a clean finish has been
// observed, any subsequent stream error is a benign trailing artifact.
func (a *ProviderReplayAdapter) ClassifyError(err error) (recoverable bool, kind ErrorKind) {
	a.mu.Lock()
	sawFinish := a.sawFinish
	a.mu.Unlock()
	if sawFinish {
		return true, ErrKindTransient
	}
	kind = ClassifyError(err)
	return kind.IsRetryable(), kind
}

// ReplayUpdate reports the finish reason, model id, and usage observed
// this turn under this provider's namespace.
func (a *ProviderReplayAdapter) ReplayUpdate() (ReplayUpdate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.sawFinish && a.modelUsed == "" {
		return ReplayUpdate{}, false
	}
	return ReplayUpdate{
		Namespace: a.namespace,
		Data: map[string]interface{}{
			"finishReason": a.finishReason,
			"modelUsed":    a.modelUsed,
			"usage":        a.usage,
		},
	}, true
}
