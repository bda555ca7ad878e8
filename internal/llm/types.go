package llm

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Stop reasons reported by the provider at the end of a turn.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// FunctionCall names a tool and carries its decoded input.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall represents a tool call from the model. ID is the provider's
// correlation id and must be echoed on the matching tool result.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// Tool describes a callable tool offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ChatResponse is the unified response from the provider.
type ChatResponse struct {
	Model      string
	CreatedAt  time.Time
	Message    Message
	StopReason string

	InputTokens  int
	OutputTokens int
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCallID and ToolName are set for KindToolUseStart events.
	ToolCallID string
	ToolName   string
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text delta from the model.
	KindToken StreamEventKind = iota

	// KindToolUseStart fires when a tool_use content block opens, before
	// its input has finished streaming.
	KindToolUseStart
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
