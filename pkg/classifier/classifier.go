// Package classifier routes interactive input: new research query, question
// about an existing report, or a request to expand it.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/logger"
)

// QueryType is the routing decision for one line of input.
type QueryType string

const (
	TypeResearch QueryType = "Research"
	TypeQuestion QueryType = "Question"
	TypeExpand   QueryType = "Expand"
)

// Classification is the routing result.
type Classification struct {
	Type       QueryType `json:"type"`
	Confidence float64   `json:"confidence"`
	Topic      string    `json:"topic"`
}

// Classifier decides how to handle user input. A dedicated cheaper model
// may be configured; otherwise the main chat model is used.
type Classifier struct {
	llm   llms.ChatClient
	model string
	log   *slog.Logger
}

// New builds a classifier. model may be empty to use the client default.
func New(llm llms.ChatClient, model string) *Classifier {
	return &Classifier{llm: llm, model: model, log: logger.Get().With("component", "classifier")}
}

var classificationSchema = llms.MustSchemaFor(&Classification{})

// Classify routes the input. When a session with a report exists the
// decision is biased toward Question. On any failure the caller should
// treat the input as a new research query; the returned error signals that.
func (c *Classifier) Classify(ctx context.Context, query string, hasSession bool, sessionSummary string) (*Classification, error) {
	prompt := fmt.Sprintf("Input: %s\nActive session: %t\n", query, hasSession)
	if sessionSummary != "" {
		prompt += fmt.Sprintf("Current report summary: %s\n", sessionSummary)
	}

	system := classifierSystemPrompt
	if hasSession && sessionSummary != "" {
		system += "\nA completed report exists. Unless the input clearly demands new research or an expansion, classify it as Question."
	}

	resp, err := c.llm.Chat(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: system},
		{Role: llms.RoleUser, Content: prompt},
	}, llms.Options{Model: c.model, ResponseSchema: classificationSchema, Scope: "classifier"})
	if err != nil {
		return nil, err
	}

	var parsed Classification
	if err := json.Unmarshal([]byte(resp.Message.Content), &parsed); err != nil {
		return nil, &llms.Error{Kind: llms.KindMalformedResponse, Message: "classification was not valid JSON", Err: err}
	}

	switch parsed.Type {
	case TypeResearch, TypeQuestion, TypeExpand:
	default:
		return nil, &llms.Error{Kind: llms.KindMalformedResponse, Message: fmt.Sprintf("unknown query type %q", parsed.Type)}
	}

	c.log.Debug("classified input", "type", parsed.Type, "confidence", parsed.Confidence)
	return &parsed, nil
}

const classifierSystemPrompt = `Classify the user's input for a research assistant.
Types:
- "Research": a new topic to research from scratch.
- "Question": a question answerable from the current report.
- "Expand": a request to extend or deepen the current report.
Return JSON: {"type": "...", "confidence": <0..1>, "topic": "..."}`
