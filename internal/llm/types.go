// Package llm wraps the OpenRouter chat-completion API behind a
// provider-neutral client, normalizing responses (text, tool calls,
// usage, cost) and classifying provider failures into typed error kinds
// the retry coordinator can act on.
package llm

import "context"

// Message is a chat message on the wire to the model.
type Message struct {
	Role       string        `json:"role"` // system, user, assistant, tool
	Content    string        `json:"content"`
	ToolCalls  []RawToolCall `json:"tool_calls,omitempty"`   // assistant messages only
	ToolCallID string        `json:"tool_call_id,omitempty"` // tool-role messages only
	ToolName   string        `json:"tool_name,omitempty"`    // tool-role messages only
}

// ToolDescriptor describes a callable function advertised to the model.
type ToolDescriptor struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// Request is a single chat-completion call.
type Request struct {
	Messages    []Message
	Model       string // empty means the client's default
	Temperature float64
	MaxTokens   int
	Tools       []ToolDescriptor
	ToolChoice  string // "", "auto", "none", or a tool name
	// JSONSchema, when set, requests structured output constrained to
	// this schema. The parsed object lands in Response.Parsed.
	JSONSchema map[string]any
	// SchemaName labels the schema for providers that require one.
	SchemaName string
}

// RawToolCall is a tool invocation as the provider returned it: the
// arguments are still a JSON-encoded string, possibly malformed. The
// tool-call parser turns these into executable calls.
type RawToolCall struct {
	ID        string
	Type      string // "function" unless the provider says otherwise
	Name      string
	Arguments string
}

// Response is the normalized result of a completion call.
type Response struct {
	Text      string
	Model     string
	ToolCalls []RawToolCall

	// Parsed holds the decoded structured output when the request asked
	// for a JSON schema and the content decoded cleanly. Nil otherwise.
	Parsed map[string]any

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	// Cost is the computed price of this call in USD, derived from the
	// per-model price table. Zero for unknown models.
	Cost float64
}

// HasToolCalls reports whether the model requested any tool invocations.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ContinueConversation reads the continuation flag from structured
// output when present. Without structured output the conversation
// continues by default.
func (r *Response) ContinueConversation() bool {
	if r.Parsed == nil {
		return true
	}
	v, ok := r.Parsed["continue_conversation"]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	if !ok {
		return true
	}
	return b
}

// Client is the completion interface the orchestrator depends on.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
