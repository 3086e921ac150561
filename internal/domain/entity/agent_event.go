package entity

// ToolCallInfo is a tool call as parsed off an LLM response — the wire
// shape internal/domain/service.LLMMessage/LLMResponse carry and
// internal/infrastructure/llm.TurnProvider translates to/from
// stream.Part{Type: PartToolCall}.
type ToolCallInfo struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}
