package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilwareus/go-research/pkg/config"
)

type fakeProvider struct {
	results []SearchResult
	err     error
	calls   int
}

func (f *fakeProvider) Search(_ context.Context, _ string, _ int) ([]SearchResult, error) {
	f.calls++
	return f.results, f.err
}

func searchToolConfig() config.ToolsConfig {
	return config.ToolsConfig{
		TopK:      5,
		Blacklist: []string{"pinterest.com"},
	}
}

func TestSearchDeduplicatesByURL(t *testing.T) {
	provider := &fakeProvider{results: []SearchResult{
		{Title: "First", URL: "https://a.example/page", Snippet: "one"},
		{Title: "Duplicate", URL: "https://a.example/page", Snippet: "two"},
		{Title: "Second", URL: "https://b.example/page", Snippet: "three"},
	}}
	tool := NewSearchTool(searchToolConfig(), provider)

	result, err := tool.Execute(context.Background(), map[string]any{"query": "anything"})
	require.NoError(t, err)

	results := result.Data.([]SearchResult)
	require.Len(t, results, 2)
	assert.Equal(t, "First", results[0].Title)
	assert.Equal(t, "Second", results[1].Title)
}

func TestSearchDropsBlacklistedHosts(t *testing.T) {
	provider := &fakeProvider{results: []SearchResult{
		{Title: "Kept", URL: "https://docs.example/x"},
		{Title: "Blocked", URL: "https://pinterest.com/pin/1"},
		{Title: "Blocked subdomain", URL: "https://www.pinterest.com/pin/2"},
	}}
	tool := NewSearchTool(searchToolConfig(), provider)

	result, err := tool.Execute(context.Background(), map[string]any{"query": "q"})
	require.NoError(t, err)

	results := result.Data.([]SearchResult)
	require.Len(t, results, 1)
	assert.Equal(t, "Kept", results[0].Title)
}

func TestSearchHonorsTopK(t *testing.T) {
	var many []SearchResult
	for i := 0; i < 20; i++ {
		many = append(many, SearchResult{Title: "t", URL: string(rune('a'+i)) + ".example"})
	}
	tool := NewSearchTool(searchToolConfig(), &fakeProvider{results: many})

	result, err := tool.Execute(context.Background(), map[string]any{"query": "q", "top_k": float64(3)})
	require.NoError(t, err)
	assert.Len(t, result.Data.([]SearchResult), 3)
}

func TestSearchRequiresQuery(t *testing.T) {
	tool := NewSearchTool(searchToolConfig(), &fakeProvider{})

	_, err := tool.Execute(context.Background(), map[string]any{})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindInvalidArgs, te.Kind)
}

func TestSearchEmptyResultSet(t *testing.T) {
	tool := NewSearchTool(searchToolConfig(), &fakeProvider{})

	result, err := tool.Execute(context.Background(), map[string]any{"query": "obscure"})
	require.NoError(t, err)
	assert.Empty(t, result.Data)
	assert.Contains(t, result.Content, "No results")
}

func TestBraveProviderParsesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "/res/v1/web/search", r.URL.Path)
		assert.Equal(t, "capital of France", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"web":{"results":[
			{"title":"Paris","url":"https://en.wikipedia.org/wiki/Paris","description":"Capital of France"}
		]}}`))
	}))
	defer server.Close()

	provider := NewBraveProvider(config.ToolsConfig{
		SearchHost:   server.URL,
		SearchAPIKey: "test-key",
	})

	results, err := provider.Search(context.Background(), "capital of France", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Paris", results[0].Title)
	assert.Equal(t, "Capital of France", results[0].Snippet)
}
