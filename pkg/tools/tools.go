// Package tools implements the research tool layer: web search, page
// fetching and local file parsing, registered behind a rate-limited,
// timeout-bounded registry.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/emilwareus/go-research/pkg/llms"
)

// ErrorKind classifies tool failures so callers can decide on retries.
type ErrorKind int

const (
	KindInvalidArgs ErrorKind = iota
	KindTimeout
	KindRateLimited
	KindNetwork
	KindNotFound
	KindUnsupported
	KindParseFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgs:
		return "invalid_args"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindNotFound:
		return "not_found"
	case KindUnsupported:
		return "unsupported"
	case KindParseFailure:
		return "parse_failure"
	default:
		return "unknown"
	}
}

// Error is the typed failure surface of every tool.
type Error struct {
	Kind    ErrorKind
	Tool    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s %s: %s: %v", e.Tool, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("tool %s %s: %s", e.Tool, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a failure of this kind may succeed on retry.
func (e *Error) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindRateLimited || e.Kind == KindNetwork
}

// KindOfError extracts the tool error kind, defaulting to network.
func KindOfError(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}

// Result is a tool's output: rendered text for the LLM plus the structured
// payload for programmatic callers.
type Result struct {
	Content  string         `json:"content"`
	Data     any            `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Tool is one callable capability exposed to agents.
type Tool interface {
	Name() string
	Description() string

	// Definition returns the function-calling schema advertised to the LLM.
	Definition() llms.ToolDefinition

	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// networkTool is implemented by tools whose calls hit a remote host; the
// registry rate-limits per returned host.
type networkTool interface {
	host(args map[string]any) string
}

// decodeArgs maps the loosely typed arguments the LLM produced onto a typed
// struct. JSON numbers arrive as float64; weak typing converts them to the
// declared field types.
func decodeArgs(tool string, args map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return &Error{Kind: KindInvalidArgs, Tool: tool, Message: "build argument decoder", Err: err}
	}
	if err := dec.Decode(args); err != nil {
		return &Error{Kind: KindInvalidArgs, Tool: tool, Message: "decode arguments", Err: err}
	}
	return nil
}
