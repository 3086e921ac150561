package llm

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/corerun/agentcore/internal/domain/entity"
	"github.com/corerun/agentcore/internal/domain/service"
	"github.com/corerun/agentcore/internal/domain/session"
	"github.com/corerun/agentcore/internal/domain/stream"
	"github.com/corerun/agentcore/internal/domain/turnloop"
)

// TurnProvider adapts the teacher's service.LLMClient (Router, or any
// single Provider) into turnloop.ModelProvider, translating the spec's
// tagged-part stream onto the teacher's StreamChunk delta shape.
//
// StreamChat runs GenerateStream in a goroutine with a delta channel and
// closes that channel once GenerateStream returns; ModelStream.Next drains
// it while the call is in flight and then reads the final LLMResponse,
// one part at a time instead of requiring the caller to own a channel.
type TurnProvider struct {
	client        service.LLMClient
	contextLimits map[string]int
	logger        *zap.Logger
}

// NewTurnProvider builds a TurnProvider. contextLimits maps a model id
// (or substring key, matched by exact lookup) to its context window;
// an unlisted model reports 0 ("unknown, never auto-compact").
func NewTurnProvider(client service.LLMClient, contextLimits map[string]int, logger *zap.Logger) *TurnProvider {
	return &TurnProvider{client: client, contextLimits: contextLimits, logger: logger}
}

func (p *TurnProvider) ContextLimit(model string) int {
	return p.contextLimits[model]
}

func (p *TurnProvider) StreamChat(ctx context.Context, req turnloop.ModelRequest) (turnloop.ModelStream, error) {
	lreq := &service.LLMRequest{
		Messages:    toLLMMessages(req.Messages),
		Tools:       req.Tools,
		Model:       req.Model,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
	}

	deltaCh := make(chan service.StreamChunk, 32)
	doneCh := make(chan struct{})
	var finalResp *service.LLMResponse
	var finalErr error

	go func() {
		defer close(doneCh)
		finalResp, finalErr = p.client.GenerateStream(ctx, lreq, deltaCh)
		close(deltaCh)
	}()

	return &modelStream{deltaCh: deltaCh, doneCh: doneCh, result: func() (*service.LLMResponse, error) {
		return finalResp, finalErr
	}, logger: p.logger}, nil
}

// modelStream pulls service.StreamChunk deltas off deltaCh, converting
// each to a stream.Part, and synthesizes the tool-call/finish/error
// parts from the accumulated LLMResponse once deltaCh closes — the
// teacher's StreamChunk carries DeltaToolCall fragments but only the
// final LLMResponse.ToolCalls is guaranteed complete (the providers
// reassemble fragments before returning).
type modelStream struct {
	deltaCh  <-chan service.StreamChunk
	doneCh   <-chan struct{}
	result   func() (*service.LLMResponse, error)
	drained  bool
	toolIdx  int
	finished bool
	logger   *zap.Logger
}

func (s *modelStream) Next(ctx context.Context) (stream.Part, bool, error) {
	if !s.drained {
		select {
		case chunk, ok := <-s.deltaCh:
			if ok {
				if chunk.DeltaText != "" {
					return stream.Part{Type: stream.PartTextDelta, TextDelta: chunk.DeltaText}, true, nil
				}
				return s.Next(ctx)
			}
			s.drained = true
		case <-ctx.Done():
			return stream.Part{}, false, ctx.Err()
		}
	}

	<-s.doneCh
	resp, err := s.result()
	if err != nil {
		return stream.Part{Type: stream.PartError, Err: err}, true, nil
	}

	if resp != nil && s.toolIdx < len(resp.ToolCalls) {
		tc := resp.ToolCalls[s.toolIdx]
		s.toolIdx++
		argsJSON, _ := json.Marshal(tc.Arguments)
		return stream.Part{
			Type:         stream.PartToolCall,
			ToolCallID:   tc.ID,
			ToolName:     tc.Name,
			ToolArgsJSON: string(argsJSON),
		}, true, nil
	}

	if s.finished {
		return stream.Part{}, false, nil
	}
	s.finished = true

	finishReason := "stop"
	usage := stream.Usage{}
	if resp != nil {
		if len(resp.ToolCalls) > 0 {
			finishReason = "tool_calls"
		}
		usage.CompletionTokens = resp.TokensUsed
		usage.TotalTokens = resp.TokensUsed
	}
	return stream.Part{Type: stream.PartFinish, FinishReason: finishReason, Usage: usage}, true, nil
}

func (s *modelStream) Close() {}

func toLLMMessages(msgs []session.ModelMessage) []service.LLMMessage {
	out := make([]service.LLMMessage, 0, len(msgs))
	for _, mm := range msgs {
		lm := service.LLMMessage{Role: string(mm.Role)}
		for _, p := range mm.Parts {
			switch p.Type {
			case "text", "reasoning":
				if lm.Content == "" {
					lm.Content = p.Text
				} else {
					lm.Content += "\n" + p.Text
				}
			case "tool-call":
				lm.ToolCalls = append(lm.ToolCalls, entity.ToolCallInfo{ID: p.ToolCallID, Name: p.ToolName, Arguments: p.Input})
			case "tool-result":
				lm.ToolCallID = p.ToolCallID
				lm.Name = p.ToolName
				if p.IsError {
					lm.Content = "error: " + toText(p.Output)
				} else {
					lm.Content = toText(p.Output)
				}
			}
		}
		out = append(out, lm)
	}
	return out
}

func toText(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
