package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/emilwareus/go-research/pkg/config"
	"github.com/emilwareus/go-research/pkg/httpclient"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint
// (OpenRouter in production, httptest servers in tests).
type OpenAIProvider struct {
	cfg        config.LLMConfig
	httpClient *httpclient.Client
	usageFn    UsageFunc
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty"`
	Stream         bool                  `json:"stream"`
	StreamOptions  *streamOptions        `json:"stream_options,omitempty"`
	Tools          []openAITool          `json:"tools,omitempty"`
	ToolChoice     string                `json:"tool_choice,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIRespMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openAIRespMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// NewOpenAIProvider builds a provider from config. usageFn may be nil.
func NewOpenAIProvider(cfg config.LLMConfig, usageFn UsageFunc) *OpenAIProvider {
	hc := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(cfg.BaseDelay),
		httpclient.WithMaxDelay(cfg.MaxDelay),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	)

	return &OpenAIProvider{
		cfg:        cfg,
		httpClient: hc,
		usageFn:    usageFn,
	}
}

func (p *OpenAIProvider) Model() string {
	return p.cfg.Model
}

// Chat performs a blocking chat completion.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	request := p.buildRequest(messages, opts, false)

	body, status, err := p.post(ctx, request)
	if err != nil {
		return nil, p.wrapTransportError(err, status)
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Message: "unmarshal response", Err: err}
	}
	if resp.Error != nil {
		return nil, p.classifyAPIError(status, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindMalformedResponse, Message: "no response choices returned"}
	}

	choice := resp.Choices[0]
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	p.reportUsage(opts, usage)

	toolCalls, err := parseToolCalls(choice.Message.ToolCalls)
	if err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Message: "parse tool calls", Err: err}
	}

	return &Response{
		Message:      Message{Role: RoleAssistant, Content: choice.Message.Content},
		ToolCalls:    toolCalls,
		FinishReason: choice.FinishReason,
		Usage:        usage,
	}, nil
}

// StreamChat streams chunks through onChunk and returns the assembled
// response. The stream always ends with a Done chunk unless an error or
// cancellation interrupts it.
func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []Message, opts Options, onChunk ChunkFunc) (*Response, error) {
	request := p.buildRequest(messages, opts, true)

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Message: "marshal request", Err: err}
	}

	req, err := p.newRequest(ctx, requestBody)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, p.classifyAPIError(resp.StatusCode, string(body))
		}
		return nil, p.wrapTransportError(err, 0)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, p.classifyAPIError(resp.StatusCode, string(body))
	}

	return p.consumeStream(ctx, resp.Body, opts, onChunk)
}

func (p *OpenAIProvider) consumeStream(ctx context.Context, body io.Reader, opts Options, onChunk ChunkFunc) (*Response, error) {
	reader := bufio.NewReader(body)

	var content strings.Builder
	toolCallAcc := make(map[int]*openAIToolCall)
	var usage Usage
	finishReason := ""

	for {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: KindCancelled, Message: "stream cancelled", Err: err}
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, p.wrapTransportError(err, 0)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}
		if streamResp.Error != nil {
			return nil, &Error{Kind: KindProviderUnavailable, Message: streamResp.Error.Message}
		}
		if streamResp.Usage != nil {
			usage = Usage{
				PromptTokens:     streamResp.Usage.PromptTokens,
				CompletionTokens: streamResp.Usage.CompletionTokens,
				TotalTokens:      streamResp.Usage.TotalTokens,
			}
		}
		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onChunk != nil {
				if err := onChunk(StreamChunk{Text: choice.Delta.Content}); err != nil {
					return nil, err
				}
			}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				tc := deltaCall
				toolCallAcc[len(toolCallAcc)] = &tc
			} else if len(toolCallAcc) > 0 {
				last := toolCallAcc[len(toolCallAcc)-1]
				last.Function.Arguments += deltaCall.Function.Arguments
			}
		}

		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}

	var accumulated []openAIToolCall
	for i := 0; i < len(toolCallAcc); i++ {
		if tc, ok := toolCallAcc[i]; ok {
			accumulated = append(accumulated, *tc)
		}
	}
	toolCalls, err := parseToolCalls(accumulated)
	if err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Message: "parse streamed tool calls", Err: err}
	}

	if onChunk != nil {
		for _, tc := range toolCalls {
			if err := onChunk(StreamChunk{ToolCall: tc}); err != nil {
				return nil, err
			}
		}
		if err := onChunk(StreamChunk{Done: true, Usage: usage}); err != nil {
			return nil, err
		}
	}

	p.reportUsage(opts, usage)

	return &Response{
		Message:      Message{Role: RoleAssistant, Content: content.String()},
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, opts Options, stream bool) openAIRequest {
	openaiMessages := make([]openAIMessage, len(messages))
	for i, msg := range messages {
		openaiMessages[i] = openAIMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
	}

	model := opts.Model
	if model == "" {
		model = p.cfg.Model
	}

	temperature := opts.Temperature
	if temperature == nil {
		temperature = p.cfg.Temperature
	}

	request := openAIRequest{
		Model:       model,
		Messages:    openaiMessages,
		Temperature: temperature,
		Stream:      stream,
	}

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens > 0 {
		request.MaxTokens = &maxTokens
	}

	if stream {
		request.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if len(opts.Tools) > 0 {
		request.Tools = make([]openAITool, len(opts.Tools))
		for i, tool := range opts.Tools {
			request.Tools[i] = openAITool{
				Type: "function",
				Function: openAIToolFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			}
		}
		request.ToolChoice = "auto"
	}

	if opts.ResponseSchema != nil {
		request.ResponseFormat = &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   "response",
				Schema: opts.ResponseSchema,
				Strict: true,
			},
		}
	}

	return request
}

func (p *OpenAIProvider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Host+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindProviderUnavailable, Message: "create request", Err: err}
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	return req, nil
}

func (p *OpenAIProvider) post(ctx context.Context, request openAIRequest) ([]byte, int, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := p.newRequest(ctx, requestBody)
	if err != nil {
		return nil, 0, err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, resp.StatusCode, p.classifyAPIError(resp.StatusCode, string(body))
		}
		return nil, 0, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, p.classifyAPIError(resp.StatusCode, string(body))
	}

	return body, resp.StatusCode, nil
}

func (p *OpenAIProvider) reportUsage(opts Options, usage Usage) {
	if p.usageFn == nil || usage.TotalTokens == 0 {
		return
	}
	model := opts.Model
	if model == "" {
		model = p.cfg.Model
	}
	p.usageFn(opts.Scope, model, usage)
}

func (p *OpenAIProvider) classifyAPIError(status int, message string) error {
	var errResp struct {
		Error openAIError `json:"error"`
	}
	if err := json.Unmarshal([]byte(message), &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Message: message}
	case status >= 500:
		return &Error{Kind: KindProviderUnavailable, Message: message}
	case status == http.StatusBadRequest && looksLikeContextOverflow(message):
		return &Error{Kind: KindContextOverflow, Message: message}
	default:
		return &Error{Kind: KindMalformedResponse, Message: fmt.Sprintf("API error (HTTP %d): %s", status, message)}
	}
}

func (p *OpenAIProvider) wrapTransportError(err error, status int) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCancelled, Message: "request cancelled", Err: err}
	}

	var le *Error
	if errors.As(err, &le) {
		return le
	}

	var re *httpclient.RetryableError
	if errors.As(err, &re) {
		if re.StatusCode == http.StatusTooManyRequests {
			return &Error{Kind: KindRateLimited, Message: "retries exhausted", Err: err}
		}
		return &Error{Kind: KindProviderUnavailable, Message: "retries exhausted", Err: err}
	}

	if status == http.StatusTooManyRequests {
		return &Error{Kind: KindRateLimited, Message: "rate limited", Err: err}
	}
	return &Error{Kind: KindProviderUnavailable, Message: "transport failure", Err: err}
}

func looksLikeContextOverflow(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "context length") ||
		strings.Contains(lower, "context window") ||
		strings.Contains(lower, "maximum context") ||
		strings.Contains(lower, "too many tokens")
}

func parseToolCalls(raw []openAIToolCall) ([]*ToolCall, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	result := make([]*ToolCall, len(raw))
	for i, tc := range raw {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("parse tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		result[i] = &ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		}
	}

	return result, nil
}
