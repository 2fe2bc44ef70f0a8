// Package llms provides the chat client contract for the research runtime
// and an OpenAI-compatible provider implementation.
package llms

import (
	"context"
	"errors"
	"fmt"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a function-calling tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageFunc receives token usage attributed to a named scope, e.g.
// "search/2/iter-1". Registered by the orchestrator for cost aggregation.
type UsageFunc func(scope string, model string, usage Usage)

// Options configures a single chat call.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int

	// Tools enables function calling.
	Tools []ToolDefinition

	// ResponseSchema, when set, requests structured JSON output matching
	// the given JSON-schema fragment.
	ResponseSchema map[string]any

	// Scope names the caller for cost attribution.
	Scope string
}

// Response is the result of a completed (non-streaming or drained) call.
type Response struct {
	Message      Message
	ToolCalls    []*ToolCall
	FinishReason string
	Usage        Usage
}

// StreamChunk is one element of a streaming response. A chunk with Done set
// terminates the stream and carries the final usage.
type StreamChunk struct {
	Text     string
	ToolCall *ToolCall
	Done     bool
	Usage    Usage
	Err      error
}

// ChunkFunc consumes stream chunks. Returning an error aborts the stream.
type ChunkFunc func(StreamChunk) error

// ChatClient is the contract the agents program against.
type ChatClient interface {
	// Chat performs a blocking chat completion.
	Chat(ctx context.Context, messages []Message, opts Options) (*Response, error)

	// StreamChat streams the completion through onChunk and returns the
	// assembled response.
	StreamChat(ctx context.Context, messages []Message, opts Options, onChunk ChunkFunc) (*Response, error)

	// Model returns the default model name.
	Model() string
}

// ErrorKind classifies chat failures for retry and propagation decisions.
type ErrorKind int

const (
	KindRateLimited ErrorKind = iota
	KindContextOverflow
	KindProviderUnavailable
	KindMalformedResponse
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindContextOverflow:
		return "context_overflow"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindMalformedResponse:
		return "malformed_response"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the typed failure surface of a ChatClient.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to provider-unavailable for
// untyped errors.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindProviderUnavailable
}
