package agents

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilwareus/go-research/pkg/config"
	"github.com/emilwareus/go-research/pkg/events"
	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/research"
	"github.com/emilwareus/go-research/pkg/tools"
)

// scriptedChat replays canned responses in call order. Empty strings fail
// the call.
type scriptedChat struct {
	responses []string
	calls     int
}

func (s *scriptedChat) next() (string, error) {
	if s.calls >= len(s.responses) {
		return "", &llms.Error{Kind: llms.KindProviderUnavailable, Message: "script exhausted"}
	}
	content := s.responses[s.calls]
	s.calls++
	if content == "" {
		return "", &llms.Error{Kind: llms.KindProviderUnavailable, Message: "scripted failure"}
	}
	return content, nil
}

func (s *scriptedChat) Chat(_ context.Context, _ []llms.Message, _ llms.Options) (*llms.Response, error) {
	content, err := s.next()
	if err != nil {
		return nil, err
	}
	return &llms.Response{
		Message: llms.Message{Role: llms.RoleAssistant, Content: content},
		Usage:   llms.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (s *scriptedChat) StreamChat(ctx context.Context, messages []llms.Message, opts llms.Options, onChunk llms.ChunkFunc) (*llms.Response, error) {
	resp, err := s.Chat(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		if err := onChunk(llms.StreamChunk{Text: resp.Message.Content}); err != nil {
			return nil, err
		}
		if err := onChunk(llms.StreamChunk{Done: true, Usage: resp.Usage}); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (s *scriptedChat) Model() string { return "test-model" }

// fakeSearchTool answers every query with one deterministic hit.
type fakeSearchTool struct {
	calls int
}

func (f *fakeSearchTool) Name() string        { return "search" }
func (f *fakeSearchTool) Description() string { return "fake search" }

func (f *fakeSearchTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{Name: "search", Parameters: map[string]any{"type": "object"}}
}

func (f *fakeSearchTool) Execute(_ context.Context, args map[string]any) (tools.Result, error) {
	f.calls++
	query, _ := args["query"].(string)
	url := fmt.Sprintf("https://example.com/%d", f.calls)
	return tools.Result{
		Content: fmt.Sprintf("1. Result for %s\n   %s\n   snippet", query, url),
		Data:    []tools.SearchResult{{Title: "Result", URL: url, Snippet: "snippet"}},
	}, nil
}

func testRegistry(t *testing.T, tool tools.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(config.ToolsConfig{
		Timeout:     10 * time.Second,
		RatePerHost: 100,
		Burst:       100,
	}, nil)
	r.Register(tool)
	return r
}

const (
	searchAction = `{"reasoning": "need sources", "action": "call_tool", "tool": "search", "queries": ["capital of France"]}`
	finalize     = `{"reasoning": "enough", "action": "finalize", "answer": "Paris is the capital of France."}`
	fiveFacts    = `{"facts": [
		{"content": "Paris is the capital of France", "source_url": "https://example.com/1", "confidence": 0.95},
		{"content": "Paris has 2.1M inhabitants", "source_url": "https://example.com/1", "confidence": 0.8},
		{"content": "France is in Europe", "source_url": "https://example.com/1", "confidence": 0.9},
		{"content": "The Seine crosses Paris", "source_url": "https://example.com/1", "confidence": 0.7},
		{"content": "Paris hosts the Louvre", "source_url": "https://example.com/1", "confidence": 0.85}
	]}`
	oneGap = `{"gaps": ["population as of 2025?"]}`
	noGaps = `{"gaps": []}`
)

func TestResearchStopsWhenSufficient(t *testing.T) {
	chat := &scriptedChat{responses: []string{searchAction, fiveFacts, oneGap}}
	agent := NewSearchAgent(chat, testRegistry(t, &fakeSearchTool{}), nil, 1, 3)

	out, err := agent.Research(context.Background(), research.Perspective{
		Name: "Basic fact writer", Focus: "facts about France", Questions: []string{"What is the capital of France?"},
	})
	require.NoError(t, err)

	assert.Len(t, out.Facts, 5)
	assert.Len(t, out.Gaps, 1)
	assert.Equal(t, 3, chat.calls, "one think, one extract, one gap call")
	assert.Contains(t, out.Sources, "https://example.com/1")
}

func TestResearchFinalizeExitsLoop(t *testing.T) {
	chat := &scriptedChat{responses: []string{finalize, fiveFacts, noGaps}}
	agent := NewSearchAgent(chat, testRegistry(t, &fakeSearchTool{}), nil, 1, 3)

	out, err := agent.Research(context.Background(), research.Perspective{Name: "P", Focus: "f"})
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", out.Answer)
	assert.Len(t, out.Facts, 5)
}

func TestResearchDiscardsLowConfidenceFacts(t *testing.T) {
	facts := `{"facts": [
		{"content": "Solid claim", "source_url": "https://a.example", "confidence": 0.9},
		{"content": "Rumor", "source_url": "https://b.example", "confidence": 0.2},
		{"content": "Borderline", "source_url": "https://c.example", "confidence": 0.3}
	]}`
	chat := &scriptedChat{responses: []string{finalize, facts, noGaps}}
	agent := NewSearchAgent(chat, testRegistry(t, &fakeSearchTool{}), nil, 1, 3)

	out, err := agent.Research(context.Background(), research.Perspective{Name: "P", Focus: "f"})
	require.NoError(t, err)

	require.Len(t, out.Facts, 2)
	assert.Equal(t, "Solid claim", out.Facts[0].Content)
	assert.Equal(t, "Borderline", out.Facts[1].Content, "0.3 is kept, the floor is inclusive")
}

func TestResearchIteratesOnGaps(t *testing.T) {
	twoFacts := `{"facts": [
		{"content": "fact one", "source_url": "https://a.example", "confidence": 0.9},
		{"content": "fact two", "source_url": "https://b.example", "confidence": 0.9}
	]}`
	gaps := `{"gaps": ["gap one?", "gap two?"]}`
	chat := &scriptedChat{responses: []string{
		searchAction, twoFacts, gaps,
		searchAction, twoFacts, gaps,
		searchAction, twoFacts, gaps,
	}}
	tool := &fakeSearchTool{}
	agent := NewSearchAgent(chat, testRegistry(t, tool), nil, 1, 3)

	out, err := agent.Research(context.Background(), research.Perspective{
		Name: "P", Focus: "f", Questions: []string{"seed?"},
	})
	require.NoError(t, err)

	assert.Equal(t, 9, chat.calls, "three full iterations")
	assert.Len(t, out.Facts, 2, "duplicate facts are merged")
	assert.Equal(t, 3, tool.calls)
}

func TestResearchStreamsLLMChunks(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.LLMChunk)

	chat := &scriptedChat{responses: []string{finalize, fiveFacts, noGaps}}
	agent := NewSearchAgent(chat, testRegistry(t, &fakeSearchTool{}), bus, 2, 3)

	_, err := agent.Research(context.Background(), research.Perspective{Name: "P", Focus: "f"})
	require.NoError(t, err)

	chunk := <-sub.Events()
	data := chunk.Data.(events.LLMChunkData)
	assert.Equal(t, 2, data.WorkerNum)
	assert.NotEmpty(t, data.Text)
}

func TestResearchReturnsPartialOnCancellation(t *testing.T) {
	chat := &scriptedChat{responses: []string{searchAction, fiveFacts, oneGap}}
	agent := NewSearchAgent(chat, testRegistry(t, &fakeSearchTool{}), nil, 1, 3)

	ctx, cancel := context.WithCancel(context.Background())
	out, err := agent.Research(ctx, research.Perspective{Name: "P", Focus: "f", Questions: []string{"q"}})
	require.NoError(t, err)
	require.Len(t, out.Facts, 5)

	// A cancelled context on a fresh run surfaces ctx.Err with empty output.
	cancel()
	out2, err := agent.Research(ctx, research.Perspective{Name: "P", Focus: "f"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotNil(t, out2)
	assert.Empty(t, out2.Facts)
}

func TestResearchEmptyToolResultsStillComplete(t *testing.T) {
	chat := &scriptedChat{responses: []string{searchAction, `{"facts": []}`, noGaps}}
	agent := NewSearchAgent(chat, testRegistry(t, &emptySearchTool{}), nil, 1, 3)

	out, err := agent.Research(context.Background(), research.Perspective{Name: "P", Focus: "f", Questions: []string{"q"}})
	require.NoError(t, err)
	assert.Empty(t, out.Facts)
}

// emptySearchTool returns zero hits.
type emptySearchTool struct{}

func (e *emptySearchTool) Name() string        { return "search" }
func (e *emptySearchTool) Description() string { return "empty" }

func (e *emptySearchTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{Name: "search", Parameters: map[string]any{"type": "object"}}
}

func (e *emptySearchTool) Execute(context.Context, map[string]any) (tools.Result, error) {
	return tools.Result{Content: "No results.", Data: []tools.SearchResult{}}, nil
}
