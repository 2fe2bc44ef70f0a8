package tools

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/emilwareus/go-research/pkg/config"
	"github.com/emilwareus/go-research/pkg/httpclient"
	"github.com/emilwareus/go-research/pkg/llms"
)

// FetchResult is the structured payload of a fetch call.
type FetchResult struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Text        string `json:"text"`
}

// FetchTool downloads a URL and reduces it to text: HTML is stripped to
// main content, PDFs and office documents are parsed, binary content
// returns empty text with the HTTP status.
type FetchTool struct {
	client  *httpclient.Client
	maxSize int64
}

// NewFetchTool builds a fetch tool with the configured size cap.
func NewFetchTool(cfg config.ToolsConfig) *FetchTool {
	return &FetchTool{
		client:  httpclient.New(httpclient.WithMaxRetries(2)),
		maxSize: cfg.FetchMaxSize,
	}
}

func (t *FetchTool) Name() string { return "fetch" }

func (t *FetchTool) Description() string {
	return "Fetch a URL and return its textual content. Handles HTML, PDF, Word and Excel documents."
}

func (t *FetchTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL to fetch",
				},
				"max_bytes": map[string]any{
					"type":        "integer",
					"description": "Maximum bytes to download (default 1000000)",
				},
			},
			"required": []string{"url"},
		},
	}
}

func (t *FetchTool) host(args map[string]any) string {
	rawURL, _ := args["url"].(string)
	return hostOf(rawURL)
}

type fetchArgs struct {
	URL      string `json:"url"`
	MaxBytes int64  `json:"max_bytes"`
}

func (t *FetchTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	var parsed fetchArgs
	if err := decodeArgs(t.Name(), args, &parsed); err != nil {
		return Result{}, err
	}
	rawURL := parsed.URL
	if !strings.HasPrefix(rawURL, "http") {
		return Result{}, &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: "url must be an http(s) URL"}
	}
	maxBytes := parsed.MaxBytes
	if maxBytes <= 0 {
		maxBytes = t.maxSize
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: "bad url", Err: err}
	}
	req.Header.Set("User-Agent", "go-research/1.0")
	req.Header.Set("Accept", "text/html,application/pdf,application/json,text/plain,*/*")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctxExpired(err) {
			return Result{}, &Error{Kind: KindTimeout, Tool: t.Name(), Message: "fetch timed out", Err: err}
		}
		return Result{}, &Error{Kind: KindNetwork, Tool: t.Name(), Message: "fetch failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return Result{}, &Error{Kind: KindNetwork, Tool: t.Name(), Message: "read body", Err: err}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	text, parseErr := t.toText(contentType, rawURL, data)
	if parseErr != nil {
		return Result{}, &Error{Kind: KindParseFailure, Tool: t.Name(), Message: "extract text", Err: parseErr}
	}

	fetched := FetchResult{Status: resp.StatusCode, ContentType: contentType, Text: text}
	return Result{
		Content: text,
		Data:    fetched,
		Metadata: map[string]any{
			"url":          rawURL,
			"status":       resp.StatusCode,
			"content_type": contentType,
			"bytes":        len(data),
		},
	}, nil
}

// toText dispatches on content type. Unknown binary formats yield empty
// text; the status in the result tells the caller the fetch itself worked.
func (t *FetchTool) toText(contentType, rawURL string, data []byte) (string, error) {
	mediaType := contentType
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch {
	case strings.Contains(mediaType, "html"):
		return extractHTMLText(bytes.NewReader(data))
	case mediaType == "application/pdf" || strings.HasSuffix(strings.ToLower(rawURL), ".pdf"):
		return extractPDFText(data)
	case strings.Contains(mediaType, "wordprocessingml"):
		return extractDocxText(data)
	case strings.Contains(mediaType, "spreadsheetml"):
		return extractXlsxText(data)
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		mediaType == "application/xml":
		return string(data), nil
	default:
		if isMostlyText(data) {
			return string(data), nil
		}
		return "", nil
	}
}

// isMostlyText guards against serving raw binary to the LLM when a server
// mislabels the content type.
func isMostlyText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > 1024 {
		sample = sample[:1024]
	}
	printable := 0
	for _, b := range sample {
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7f) || b >= 0x80 {
			printable++
		}
	}
	return float64(printable)/float64(len(sample)) > 0.9
}
