package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/emilwareus/go-research/pkg/config"
	"github.com/emilwareus/go-research/pkg/events"
	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/logger"
)

// Registry routes tool calls through per-call timeouts and per-host rate
// limits, and mirrors every invocation onto the event bus as a
// ToolCall/ToolResult pair sharing one correlation ID.
type Registry struct {
	timeout time.Duration
	perHost rate.Limit
	burst   int
	bus     *events.Bus
	log     *slog.Logger

	mu       sync.RWMutex
	tools    map[string]Tool
	limiters map[string]*rate.Limiter
}

// NewRegistry builds an empty registry. The bus may be nil in tests.
func NewRegistry(cfg config.ToolsConfig, bus *events.Bus) *Registry {
	return &Registry{
		timeout:  cfg.Timeout,
		perHost:  rate.Limit(cfg.RatePerHost),
		burst:    cfg.Burst,
		bus:      bus,
		log:      logger.Get().With("component", "tools"),
		tools:    make(map[string]Tool),
		limiters: make(map[string]*rate.Limiter),
	}
}

// NewDefaultRegistry registers the standard research tools: search, fetch
// and parse_file.
func NewDefaultRegistry(cfg config.ToolsConfig, bus *events.Bus) *Registry {
	r := NewRegistry(cfg, bus)
	r.Register(NewSearchTool(cfg, NewBraveProvider(cfg)))
	r.Register(NewFetchTool(cfg))
	r.Register(NewParseFileTool(cfg))
	return r
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the function-calling schemas of all registered tools.
func (r *Registry) Definitions() []llms.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llms.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Execute runs a named tool under the registry's timeout and rate limits.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	tool, ok := r.Get(name)
	if !ok {
		return Result{}, &Error{Kind: KindNotFound, Tool: name, Message: "no such tool"}
	}

	correlationID := uuid.NewString()
	r.publish(events.Event{
		Type: events.ToolCall,
		Data: events.ToolCallData{CorrelationID: correlationID, Tool: name, Args: args},
	})

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if nt, networked := tool.(networkTool); networked {
		if err := r.waitForHost(ctx, nt.host(args)); err != nil {
			r.publishResult(correlationID, name, Result{}, err)
			return Result{}, err
		}
	}

	start := time.Now()
	result, err := tool.Execute(ctx, args)
	r.log.Debug("tool executed",
		"tool", name, "duration", time.Since(start), "error", err)

	r.publishResult(correlationID, name, result, err)
	return result, err
}

// waitForHost blocks on the host's token bucket, creating it on first use.
func (r *Registry) waitForHost(ctx context.Context, host string) error {
	if host == "" {
		return nil
	}

	r.mu.Lock()
	limiter, ok := r.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(r.perHost, r.burst)
		r.limiters[host] = limiter
	}
	r.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindTimeout, Tool: "registry", Message: fmt.Sprintf("rate limit wait for %s", host), Err: err}
	}
	return nil
}

func (r *Registry) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

func (r *Registry) publishResult(correlationID, name string, result Result, err error) {
	data := events.ToolResultData{
		CorrelationID: correlationID,
		Tool:          name,
		ResultBytes:   len(result.Content),
	}
	if err != nil {
		data.Error = err.Error()
	}
	r.publish(events.Event{Type: events.ToolResult, Data: data})
}
