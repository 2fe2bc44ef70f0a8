package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilwareus/go-research/pkg/config"
)

func testLLMConfig(host string) config.LLMConfig {
	return config.LLMConfig{
		Host:       host,
		APIKey:     "test-key",
		Model:      "openai/gpt-4o-mini",
		MaxTokens:  256,
		Timeout:    5 * time.Second,
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func completionBody(content string) string {
	return fmt.Sprintf(`{
		"choices": [{"message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
	}`, content)
}

func TestChatParsesResponse(t *testing.T) {
	var gotAuth string
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotReq))
		fmt.Fprint(w, completionBody("hello there"))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(testLLMConfig(srv.URL), nil)
	resp, err := p.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, "hello there", resp.Message.Content)
	assert.Equal(t, RoleAssistant, resp.Message.Role)
	assert.Equal(t, 19, resp.Usage.TotalTokens)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "openai/gpt-4o-mini", gotReq.Model)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
}

func TestChatReportsUsageWithScope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionBody("ok"))
	}))
	defer srv.Close()

	var gotScope, gotModel string
	var gotUsage Usage
	p := NewOpenAIProvider(testLLMConfig(srv.URL), func(scope, model string, usage Usage) {
		gotScope, gotModel, gotUsage = scope, model, usage
	})

	_, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{Scope: "search/3/extract"})
	require.NoError(t, err)
	assert.Equal(t, "search/3/extract", gotScope)
	assert.Equal(t, "openai/gpt-4o-mini", gotModel)
	assert.Equal(t, 12, gotUsage.PromptTokens)
}

func TestChatRequestsStructuredOutput(t *testing.T) {
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotReq))
		fmt.Fprint(w, completionBody(`{"answer": 42}`))
	}))
	defer srv.Close()

	type answer struct {
		Answer int `json:"answer"`
	}
	p := NewOpenAIProvider(testLLMConfig(srv.URL), nil)
	_, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "?"}},
		Options{ResponseSchema: MustSchemaFor(&answer{})})
	require.NoError(t, err)

	require.NotNil(t, gotReq.ResponseFormat)
	assert.Equal(t, "json_schema", gotReq.ResponseFormat.Type)
	require.NotNil(t, gotReq.ResponseFormat.JSONSchema)
	assert.True(t, gotReq.ResponseFormat.JSONSchema.Strict)
}

func TestChatClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "rate limit exceeded"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(testLLMConfig(srv.URL), nil)
	_, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))
}

func TestChatClassifiesContextOverflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "this model's maximum context length is 128000 tokens"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(testLLMConfig(srv.URL), nil)
	_, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	require.Error(t, err)
	assert.Equal(t, KindContextOverflow, KindOf(err))
}

func TestChatRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, completionBody("recovered"))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(testLLMConfig(srv.URL), nil)
	resp, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Message.Content)
	assert.Equal(t, 2, calls)
}

func TestStreamChatAssemblesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\": [{\"delta\": {\"content\": \"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\": [{\"delta\": {\"content\": \"lo\"}, \"finish_reason\": \"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\": [], \"usage\": {\"prompt_tokens\": 3, \"completion_tokens\": 2, \"total_tokens\": 5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var texts []string
	var done bool
	p := NewOpenAIProvider(testLLMConfig(srv.URL), nil)
	resp, err := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{},
		func(chunk StreamChunk) error {
			if chunk.Text != "" {
				texts = append(texts, chunk.Text)
			}
			if chunk.Done {
				done = true
				assert.Equal(t, 5, chunk.Usage.TotalTokens)
			}
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, texts)
	assert.True(t, done)
	assert.Equal(t, "Hello", resp.Message.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestStreamChatParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\": [{\"delta\": {\"tool_calls\": [{\"id\": \"call_1\", \"type\": \"function\", \"function\": {\"name\": \"search\", \"arguments\": \"{\\\"query\\\":\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\": [{\"delta\": {\"tool_calls\": [{\"function\": {\"arguments\": \" \\\"fusion\\\"}\"}}]}, \"finish_reason\": \"tool_calls\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(testLLMConfig(srv.URL), nil)
	resp, err := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{}, nil)
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
	assert.Equal(t, "fusion", resp.ToolCalls[0].Args["query"])
}

func TestStreamChatCancelledMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\": [{\"delta\": {\"content\": \"start\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := NewOpenAIProvider(testLLMConfig(srv.URL), nil)
	_, err := p.StreamChat(ctx, []Message{{Role: RoleUser, Content: "hi"}}, Options{},
		func(chunk StreamChunk) error {
			cancel()
			return nil
		})
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
}
