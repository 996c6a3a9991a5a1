package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat message sent to or received from a model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured tool request from a provider that supports
// native function calling.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its arguments. Providers that
// deliver arguments as a JSON string (OpenAI, a truncated Anthropic
// stream) leave Arguments nil and set RawArguments; decoding happens
// when the call is normalized for execution.
type FunctionCall struct {
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments"`
	RawArguments string         `json:"-"`
}

// ChatResponse is the provider-neutral result of one model call.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	// LooseToolCalls holds tool requests recovered from free text, for
	// models that write the call as JSON instead of using native tool
	// calling. Each entry is the decoded object as the model wrote it.
	LooseToolCalls []map[string]any

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
	EvalDuration  time.Duration
}

// ToolCallCount returns the number of tool requests in the response,
// native and loose.
func (r *ChatResponse) ToolCallCount() int {
	if r == nil {
		return 0
	}
	return len(r.Message.ToolCalls) + len(r.LooseToolCalls)
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolCallStart fires when the model begins a tool request.
	KindToolCallStart

	// KindDone signals the stream is complete. Response carries final metadata.
	KindDone
)

// StreamEvent is a single event in a streaming response.
type StreamEvent struct {
	Kind     StreamEventKind
	Token    string
	ToolCall *ToolCall
	Response *ChatResponse
}

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
