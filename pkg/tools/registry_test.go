package tools

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilwareus/go-research/pkg/config"
	"github.com/emilwareus/go-research/pkg/events"
	"github.com/emilwareus/go-research/pkg/llms"
)

func registryConfig() config.ToolsConfig {
	return config.ToolsConfig{
		Timeout:     20 * time.Second,
		RatePerHost: 5,
		Burst:       10,
		TopK:        5,
	}
}

// echoTool is a trivial networked tool pinned to one host.
type echoTool struct {
	hostName string
	delay    time.Duration
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes its input" }

func (e *echoTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{Name: "echo", Parameters: map[string]any{"type": "object"}}
}

func (e *echoTool) host(map[string]any) string { return e.hostName }

func (e *echoTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	msg, _ := args["message"].(string)
	return Result{Content: msg}, nil
}

func TestDecodeArgsCoercesJSONNumbers(t *testing.T) {
	// Tool arguments come off the wire as float64; the decoder must land
	// them in integer fields.
	var parsed searchArgs
	err := decodeArgs("search", map[string]any{"query": "fusion", "top_k": float64(3)}, &parsed)
	require.NoError(t, err)
	assert.Equal(t, "fusion", parsed.Query)
	assert.Equal(t, 3, parsed.TopK)
}

func TestDecodeArgsRejectsWrongShape(t *testing.T) {
	var parsed fetchArgs
	err := decodeArgs("fetch", map[string]any{"url": []any{"not", "a", "string"}}, &parsed)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindInvalidArgs, te.Kind)
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(registryConfig(), nil)

	_, err := r.Execute(context.Background(), "nope", nil)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindNotFound, te.Kind)
}

func TestExecuteEmitsCorrelatedEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.ToolCall, events.ToolResult)

	r := NewRegistry(registryConfig(), bus)
	r.Register(&echoTool{hostName: "echo.example"})

	_, err := r.Execute(context.Background(), "echo", map[string]any{"message": "hi"})
	require.NoError(t, err)

	call := <-sub.Events()
	result := <-sub.Events()

	callData := call.Data.(events.ToolCallData)
	resultData := result.Data.(events.ToolResultData)
	assert.Equal(t, events.ToolCall, call.Type)
	assert.Equal(t, events.ToolResult, result.Type)
	assert.NotEmpty(t, callData.CorrelationID)
	assert.Equal(t, callData.CorrelationID, resultData.CorrelationID)
	assert.Empty(t, resultData.Error)
}

func TestExecuteAppliesPerHostRateLimit(t *testing.T) {
	cfg := registryConfig()
	cfg.RatePerHost = 2
	cfg.Burst = 1

	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.ToolCall, events.ToolResult)

	r := NewRegistry(cfg, bus)
	r.Register(&echoTool{hostName: "limited.example"})

	const calls = 10
	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Execute(context.Background(), "echo", map[string]any{"message": "x"})
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for _, err := range errs {
		assert.NoError(t, err)
	}

	// 10 calls at 2/s with burst 1 needs roughly 4.5s of token waits.
	assert.Greater(t, elapsed, 3*time.Second)
	assert.Less(t, elapsed, 8*time.Second)

	// ToolCall and ToolResult events pair 1:1.
	counts := map[events.Type]int{}
	for i := 0; i < calls*2; i++ {
		e := <-sub.Events()
		counts[e.Type]++
	}
	assert.Equal(t, calls, counts[events.ToolCall])
	assert.Equal(t, calls, counts[events.ToolResult])
}

func TestExecuteTimesOut(t *testing.T) {
	cfg := registryConfig()
	cfg.Timeout = 50 * time.Millisecond

	r := NewRegistry(cfg, nil)
	r.Register(&echoTool{hostName: "slow.example", delay: time.Second})

	start := time.Now()
	_, err := r.Execute(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestParseFileReadsWithinRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("# Notes\nfusion facts"), 0o644))

	tool := NewParseFileTool(config.ToolsConfig{FileRoot: root})
	result, err := tool.Execute(context.Background(), map[string]any{"path": "notes.md"})
	require.NoError(t, err)
	assert.Contains(t, result.Content, "fusion facts")
	assert.Equal(t, ".md", result.Metadata["ext"])
}

func TestParseFileRejectsEscape(t *testing.T) {
	tool := NewParseFileTool(config.ToolsConfig{FileRoot: t.TempDir()})

	_, err := tool.Execute(context.Background(), map[string]any{"path": "../../etc/passwd"})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindInvalidArgs, te.Kind)
}

func TestParseFileMissing(t *testing.T) {
	tool := NewParseFileTool(config.ToolsConfig{FileRoot: t.TempDir()})

	_, err := tool.Execute(context.Background(), map[string]any{"path": "absent.txt"})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindNotFound, te.Kind)
}
