// Package agents implements the research agents: perspective search,
// fact analysis and report synthesis.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/emilwareus/go-research/pkg/events"
	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/logger"
	"github.com/emilwareus/go-research/pkg/research"
	"github.com/emilwareus/go-research/pkg/tools"
)

const (
	// searchFanOut bounds concurrent web searches inside one iteration.
	searchFanOut = 5

	// minFactConfidence drops facts the extractor itself distrusts.
	minFactConfidence = 0.3

	// sufficientFacts and maxOpenGaps define the sufficiency check: stop
	// iterating once enough facts exist and few gaps remain.
	sufficientFacts = 5
	maxOpenGaps     = 2

	// observationLimit trims tool output before it enters the prompt.
	observationLimit = 4000
)

// SearchOutput is what one perspective's research produced.
type SearchOutput struct {
	Answer  string          `json:"answer"`
	Facts   []research.Fact `json:"facts"`
	Gaps    []string        `json:"gaps"`
	Sources []string        `json:"sources"`
}

// SearchAgent runs a bounded ReAct loop for one perspective.
type SearchAgent struct {
	llm           llms.ChatClient
	registry      *tools.Registry
	bus           *events.Bus
	workerNum     int
	maxIterations int
	log           *slog.Logger
}

// NewSearchAgent builds a search agent for the given worker slot.
func NewSearchAgent(llm llms.ChatClient, registry *tools.Registry, bus *events.Bus, workerNum, maxIterations int) *SearchAgent {
	if maxIterations <= 0 {
		maxIterations = 3
	}
	return &SearchAgent{
		llm:           llm,
		registry:      registry,
		bus:           bus,
		workerNum:     workerNum,
		maxIterations: maxIterations,
		log:           logger.Get().With("component", "search-agent", "worker", workerNum),
	}
}

// agentAction is the structured output of one Think step.
type agentAction struct {
	Reasoning string         `json:"reasoning"`
	Action    string         `json:"action"` // "call_tool" or "finalize"
	Tool      string         `json:"tool,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Queries   []string       `json:"queries,omitempty"`
	Answer    string         `json:"answer,omitempty"`
}

type factsResponse struct {
	Facts []research.Fact `json:"facts"`
}

type gapsResponse struct {
	Gaps []string `json:"gaps"`
}

var (
	actionSchema = llms.MustSchemaFor(&agentAction{})
	factsSchema  = llms.MustSchemaFor(&factsResponse{})
	gapsSchema   = llms.MustSchemaFor(&gapsResponse{})
)

// Research runs the ReAct loop for one perspective. On cancellation the
// facts confirmed so far are returned alongside the context error.
func (a *SearchAgent) Research(ctx context.Context, perspective research.Perspective) (*SearchOutput, error) {
	out := &SearchOutput{}
	var observations []string
	followUps := perspective.Questions

	for iter := 1; iter <= a.maxIterations; iter++ {
		a.publish(events.IterationStarted, events.WorkerData{
			WorkerNum: a.workerNum, Perspective: perspective.Name, Iteration: iter,
		})

		if err := ctx.Err(); err != nil {
			return out, err
		}

		action, err := a.think(ctx, perspective, out, followUps, observations)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, fmt.Errorf("think step: %w", err)
		}

		finalized := action.Action == "finalize"
		if finalized {
			out.Answer = action.Answer
		} else {
			obs, sources := a.act(ctx, action)
			if err := ctx.Err(); err != nil {
				return out, err
			}
			observations = appendObservation(observations, obs)
			out.Sources = mergeSources(out.Sources, sources)
		}

		facts, err := a.extractFacts(ctx, perspective, observations, out.Answer)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			a.log.Warn("fact extraction failed", "iteration", iter, "error", err)
		} else {
			out.Facts = mergeFacts(out.Facts, facts)
		}

		gaps, err := a.identifyGaps(ctx, perspective, out.Facts)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			a.log.Warn("gap identification failed", "iteration", iter, "error", err)
		} else {
			out.Gaps = gaps
		}

		a.publish(events.WorkerProgress, events.WorkerData{
			WorkerNum:   a.workerNum,
			Perspective: perspective.Name,
			Iteration:   iter,
			Facts:       len(out.Facts),
			Message:     fmt.Sprintf("iteration %d: %d facts, %d gaps", iter, len(out.Facts), len(out.Gaps)),
		})

		if finalized || a.sufficient(out) {
			break
		}
		if len(out.Gaps) == 0 {
			break
		}
		followUps = out.Gaps
	}

	if out.Answer == "" {
		out.Answer = renderFacts(out.Facts)
	}
	return out, nil
}

// sufficient is the stop condition: enough facts and few open gaps.
func (a *SearchAgent) sufficient(out *SearchOutput) bool {
	return len(out.Facts) >= sufficientFacts && len(out.Gaps) < maxOpenGaps
}

// think asks the LLM for the next action, streaming chunks to the bus.
func (a *SearchAgent) think(ctx context.Context, perspective research.Perspective, out *SearchOutput, questions, observations []string) (*agentAction, error) {
	prompt := thinkPrompt(perspective, out.Facts, questions, observations)

	resp, err := a.streamChat(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: searchSystemPrompt(a.toolNames())},
		{Role: llms.RoleUser, Content: prompt},
	}, llms.Options{ResponseSchema: actionSchema, Scope: a.scope("think")})
	if err != nil {
		return nil, err
	}

	var action agentAction
	if err := json.Unmarshal([]byte(resp.Message.Content), &action); err != nil {
		return nil, &llms.Error{Kind: llms.KindMalformedResponse, Message: "action was not valid JSON", Err: err}
	}
	if action.Action != "finalize" && action.Action != "call_tool" {
		// Treat unknown actions as a search over the open questions.
		action.Action = "call_tool"
		action.Tool = "search"
		if len(action.Queries) == 0 && len(questions) > 0 {
			action.Queries = questions
		}
	}
	return &action, nil
}

// act executes the chosen tool call. Multiple search queries run
// concurrently up to the fan-out limit; failures become observations so the
// next Think step can route around them.
func (a *SearchAgent) act(ctx context.Context, action *agentAction) ([]string, []string) {
	queries := action.Queries
	if len(queries) == 0 {
		if q, ok := action.Args["query"].(string); ok && q != "" {
			queries = []string{q}
		}
	}

	if action.Tool == "search" && len(queries) > 0 {
		return a.fanOutSearch(ctx, queries)
	}

	result, err := a.registry.Execute(ctx, action.Tool, action.Args)
	if err != nil {
		return []string{fmt.Sprintf("tool %s failed: %v", action.Tool, err)}, nil
	}
	return []string{result.Content}, sourcesFromResult(result)
}

// fanOutSearch runs the queries concurrently, bounded by searchFanOut.
func (a *SearchAgent) fanOutSearch(ctx context.Context, queries []string) ([]string, []string) {
	if len(queries) > searchFanOut {
		queries = queries[:searchFanOut]
	}

	var mu sync.Mutex
	observations := make([]string, 0, len(queries))
	var sources []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(searchFanOut)
	for _, query := range queries {
		query := query
		g.Go(func() error {
			result, err := a.registry.Execute(gctx, "search", map[string]any{"query": query})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				observations = append(observations, fmt.Sprintf("search %q failed: %v", query, err))
				return nil
			}
			observations = append(observations, fmt.Sprintf("search %q:\n%s", query, result.Content))
			sources = mergeSources(sources, sourcesFromResult(result))
			return nil
		})
	}
	_ = g.Wait()

	return observations, sources
}

// extractFacts turns observations into scored facts, discarding anything
// below the confidence floor.
func (a *SearchAgent) extractFacts(ctx context.Context, perspective research.Perspective, observations []string, answer string) ([]research.Fact, error) {
	material := strings.Join(observations, "\n\n")
	if answer != "" {
		material += "\n\nFinal answer:\n" + answer
	}
	if strings.TrimSpace(material) == "" {
		return nil, nil
	}

	resp, err := a.streamChat(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: "Extract atomic, verifiable facts from the research material. Each fact carries its source URL and your confidence in [0,1]. Return JSON only."},
		{Role: llms.RoleUser, Content: fmt.Sprintf("Perspective: %s\n\nMaterial:\n%s", perspective.Focus, material)},
	}, llms.Options{ResponseSchema: factsSchema, Scope: a.scope("facts")})
	if err != nil {
		return nil, err
	}

	var parsed factsResponse
	if err := json.Unmarshal([]byte(resp.Message.Content), &parsed); err != nil {
		return nil, &llms.Error{Kind: llms.KindMalformedResponse, Message: "facts were not valid JSON", Err: err}
	}

	kept := parsed.Facts[:0]
	for _, fact := range parsed.Facts {
		if fact.Confidence >= minFactConfidence {
			kept = append(kept, fact)
		}
	}
	return kept, nil
}

// identifyGaps asks what the gathered facts still do not answer.
func (a *SearchAgent) identifyGaps(ctx context.Context, perspective research.Perspective, facts []research.Fact) ([]string, error) {
	resp, err := a.streamChat(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: "List the open questions the gathered facts do not answer for this research perspective. Return JSON only."},
		{Role: llms.RoleUser, Content: fmt.Sprintf("Perspective: %s\n\nFacts so far:\n%s", perspective.Focus, renderFacts(facts))},
	}, llms.Options{ResponseSchema: gapsSchema, Scope: a.scope("gaps")})
	if err != nil {
		return nil, err
	}

	var parsed gapsResponse
	if err := json.Unmarshal([]byte(resp.Message.Content), &parsed); err != nil {
		return nil, &llms.Error{Kind: llms.KindMalformedResponse, Message: "gaps were not valid JSON", Err: err}
	}
	return parsed.Gaps, nil
}

// streamChat wraps StreamChat so every text chunk reaches the bus tagged
// with the worker number.
func (a *SearchAgent) streamChat(ctx context.Context, messages []llms.Message, opts llms.Options) (*llms.Response, error) {
	return a.llm.StreamChat(ctx, messages, opts, func(chunk llms.StreamChunk) error {
		if chunk.Text != "" {
			a.publish(events.LLMChunk, events.LLMChunkData{WorkerNum: a.workerNum, Text: chunk.Text})
		}
		return nil
	})
}

func (a *SearchAgent) publish(eventType events.Type, data any) {
	if a.bus != nil {
		a.bus.Publish(events.Event{Type: eventType, Data: data})
	}
}

func (a *SearchAgent) scope(step string) string {
	return fmt.Sprintf("search/%d/%s", a.workerNum, step)
}

func (a *SearchAgent) toolNames() []string {
	if a.registry == nil {
		return nil
	}
	defs := a.registry.Definitions()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}

func appendObservation(observations, obs []string) []string {
	for _, o := range obs {
		if len(o) > observationLimit {
			o = o[:observationLimit] + "…"
		}
		observations = append(observations, o)
	}
	return observations
}

func mergeSources(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		seen[s] = struct{}{}
	}
	for _, s := range incoming {
		if _, dup := seen[s]; !dup && s != "" {
			existing = append(existing, s)
			seen[s] = struct{}{}
		}
	}
	return existing
}

func mergeFacts(existing, incoming []research.Fact) []research.Fact {
	seen := make(map[string]struct{}, len(existing))
	for _, f := range existing {
		seen[f.Content] = struct{}{}
	}
	for _, f := range incoming {
		if _, dup := seen[f.Content]; !dup {
			existing = append(existing, f)
			seen[f.Content] = struct{}{}
		}
	}
	return existing
}

func sourcesFromResult(result tools.Result) []string {
	switch data := result.Data.(type) {
	case []tools.SearchResult:
		urls := make([]string, 0, len(data))
		for _, r := range data {
			urls = append(urls, r.URL)
		}
		return urls
	case tools.FetchResult:
		if url, ok := result.Metadata["url"].(string); ok {
			return []string{url}
		}
	}
	return nil
}

func renderFacts(facts []research.Fact) string {
	if len(facts) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s (%.2f, %s)\n", f.Content, f.Confidence, f.SourceURL)
	}
	return b.String()
}

func searchSystemPrompt(toolNames []string) string {
	return fmt.Sprintf(`You are a research agent investigating one perspective of a topic.
Decide your next step. Available tools: %s.
Respond with JSON only:
{"reasoning": "...", "action": "call_tool", "tool": "search", "queries": ["..."]}
or {"reasoning": "...", "action": "call_tool", "tool": "fetch", "args": {"url": "..."}}
or {"reasoning": "...", "action": "finalize", "answer": "..."}
Prefer several focused search queries over one broad one.`, strings.Join(toolNames, ", "))
}

func thinkPrompt(perspective research.Perspective, facts []research.Fact, questions, observations []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Perspective: %s\nFocus: %s\n\n", perspective.Name, perspective.Focus)
	fmt.Fprintf(&b, "Open questions:\n")
	for _, q := range questions {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	fmt.Fprintf(&b, "\nConfirmed facts:\n%s\n", renderFacts(facts))
	if len(observations) > 0 {
		recent := observations
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		fmt.Fprintf(&b, "\nRecent observations:\n%s\n", strings.Join(recent, "\n---\n"))
	}
	b.WriteString("\nChoose the next action.")
	return b.String()
}
