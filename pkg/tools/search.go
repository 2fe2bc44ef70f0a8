package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/emilwareus/go-research/pkg/config"
	"github.com/emilwareus/go-research/pkg/httpclient"
	"github.com/emilwareus/go-research/pkg/llms"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchProvider performs the actual web query.
type SearchProvider interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
}

// BraveProvider queries a Brave-compatible web search API.
type BraveProvider struct {
	host   string
	apiKey string
	client *httpclient.Client
}

// NewBraveProvider builds a provider against the configured search host.
func NewBraveProvider(cfg config.ToolsConfig) *BraveProvider {
	return &BraveProvider{
		host:   strings.TrimSuffix(cfg.SearchHost, "/"),
		apiKey: cfg.SearchAPIKey,
		client: httpclient.New(
			httpclient.WithMaxRetries(2),
			httpclient.WithRetryStrategy(httpclient.DefaultRetryStrategy),
		),
	}
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (p *BraveProvider) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	endpoint := fmt.Sprintf("%s/res/v1/web/search?q=%s&count=%d", p.host, url.QueryEscape(query), count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("search API status %d: %s", resp.StatusCode, string(body))
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}

// SearchTool exposes web search to agents. Results are deduplicated by URL
// and blacklisted hosts are dropped before return.
type SearchTool struct {
	provider  SearchProvider
	topK      int
	blacklist []string
	apiHost   string
}

// NewSearchTool wires a search tool around a provider.
func NewSearchTool(cfg config.ToolsConfig, provider SearchProvider) *SearchTool {
	return &SearchTool{
		provider:  provider,
		topK:      cfg.TopK,
		blacklist: cfg.Blacklist,
		apiHost:   hostOf(cfg.SearchHost),
	}
}

func (t *SearchTool) Name() string { return "search" }

func (t *SearchTool) Description() string {
	return "Search the web. Returns a ranked list of {title, url, snippet} results."
}

func (t *SearchTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query",
				},
				"top_k": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results (default 5)",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (t *SearchTool) host(map[string]any) string { return t.apiHost }

type searchArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	var parsed searchArgs
	if err := decodeArgs(t.Name(), args, &parsed); err != nil {
		return Result{}, err
	}
	query := parsed.Query
	if strings.TrimSpace(query) == "" {
		return Result{}, &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: "query is required"}
	}
	topK := parsed.TopK
	if topK <= 0 {
		topK = t.topK
	}

	raw, err := t.provider.Search(ctx, query, topK)
	if err != nil {
		return Result{}, t.classify(err)
	}

	results := t.filter(raw, topK)

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	if len(results) == 0 {
		b.WriteString("No results.")
	}

	return Result{
		Content:  b.String(),
		Data:     results,
		Metadata: map[string]any{"query": query, "count": len(results)},
	}, nil
}

// filter deduplicates by URL and drops blacklisted hosts, preserving rank
// order.
func (t *SearchTool) filter(raw []SearchResult, limit int) []SearchResult {
	seen := make(map[string]struct{}, len(raw))
	results := make([]SearchResult, 0, len(raw))
	for _, r := range raw {
		if _, dup := seen[r.URL]; dup {
			continue
		}
		seen[r.URL] = struct{}{}
		if t.blacklisted(r.URL) {
			continue
		}
		results = append(results, r)
		if len(results) >= limit {
			break
		}
	}
	return results
}

func (t *SearchTool) blacklisted(rawURL string) bool {
	host := hostOf(rawURL)
	for _, blocked := range t.blacklist {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}

func (t *SearchTool) classify(err error) error {
	kind := KindNetwork
	switch {
	case httpclient.StatusOf(err) == http.StatusTooManyRequests:
		kind = KindRateLimited
	case ctxExpired(err):
		kind = KindTimeout
	}
	return &Error{Kind: kind, Tool: t.Name(), Message: "search failed", Err: err}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Hostname()
}

func ctxExpired(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
