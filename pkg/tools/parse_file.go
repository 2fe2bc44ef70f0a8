package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emilwareus/go-research/pkg/config"
	"github.com/emilwareus/go-research/pkg/llms"
)

// ParseFileTool extracts text from locally available files. Paths are
// confined to the configured root; traversal outside it is rejected.
type ParseFileTool struct {
	root string
}

// NewParseFileTool builds a parse_file tool rooted at cfg.FileRoot, or the
// working directory when unset.
func NewParseFileTool(cfg config.ToolsConfig) *ParseFileTool {
	root := cfg.FileRoot
	if root == "" {
		root = "."
	}
	return &ParseFileTool{root: root}
}

func (t *ParseFileTool) Name() string { return "parse_file" }

func (t *ParseFileTool) Description() string {
	return "Parse a local file to text. Supports plain text, markdown, PDF, Word and Excel files."
}

func (t *ParseFileTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path of the file, relative to the configured file root",
				},
			},
			"required": []string{"path"},
		},
	}
}

type parseFileArgs struct {
	Path string `json:"path"`
}

func (t *ParseFileTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	var parsed parseFileArgs
	if err := decodeArgs(t.Name(), args, &parsed); err != nil {
		return Result{}, err
	}
	path := parsed.Path
	if path == "" {
		return Result{}, &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: "path is required"}
	}

	resolved, err := t.resolve(path)
	if err != nil {
		return Result{}, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return Result{}, &Error{Kind: KindNotFound, Tool: t.Name(), Message: path, Err: err}
	}
	if info.IsDir() {
		return Result{}, &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: path + " is a directory"}
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Result{}, &Error{Kind: KindNotFound, Tool: t.Name(), Message: "read file", Err: err}
	}

	text, err := t.extract(filepath.Ext(resolved), data)
	if err != nil {
		return Result{}, &Error{Kind: KindParseFailure, Tool: t.Name(), Message: path, Err: err}
	}

	return Result{
		Content: text,
		Metadata: map[string]any{
			"path":     path,
			"size":     info.Size(),
			"ext":      filepath.Ext(resolved),
			"modified": info.ModTime().Format(time.RFC3339),
		},
	}, nil
}

// resolve joins the path under the root and rejects escapes.
func (t *ParseFileTool) resolve(path string) (string, error) {
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(t.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	absRoot, err := filepath.Abs(t.root)
	if err != nil {
		return "", &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: "bad file root", Err: err}
	}
	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return "", &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: "bad path", Err: err}
	}

	if absCandidate != absRoot && !strings.HasPrefix(absCandidate, absRoot+string(filepath.Separator)) {
		return "", &Error{Kind: KindInvalidArgs, Tool: t.Name(), Message: fmt.Sprintf("path %s escapes file root", path)}
	}
	return absCandidate, nil
}

func (t *ParseFileTool) extract(ext string, data []byte) (string, error) {
	switch strings.ToLower(ext) {
	case ".pdf":
		return extractPDFText(data)
	case ".docx":
		return extractDocxText(data)
	case ".xlsx":
		return extractXlsxText(data)
	case ".html", ".htm":
		return extractHTMLText(strings.NewReader(string(data)))
	default:
		if isMostlyText(data) {
			return string(data), nil
		}
		return "", fmt.Errorf("unsupported binary format %q", ext)
	}
}
