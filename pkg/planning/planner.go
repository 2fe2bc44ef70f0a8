package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/logger"
	"github.com/emilwareus/go-research/pkg/research"
	"github.com/emilwareus/go-research/pkg/tools"
)

const (
	minPerspectives = 1
	maxPerspectives = 6
)

// Plan is the planner's output: the topic, the expert perspectives to
// research and the task graph connecting them.
type Plan struct {
	Topic        string
	Perspectives []research.Perspective
	DAG          *DAG
}

// Planner decomposes a query into perspectives and builds the DAG.
type Planner struct {
	llm        llms.ChatClient
	registry   *tools.Registry
	maxRetries int
	log        *slog.Logger
}

// NewPlanner wires a planner. The registry is used for one preliminary
// search that grounds perspective discovery.
func NewPlanner(llm llms.ChatClient, registry *tools.Registry, maxNodeRetries int) *Planner {
	return &Planner{
		llm:        llm,
		registry:   registry,
		maxRetries: maxNodeRetries,
		log:        logger.Get().With("component", "planner"),
	}
}

type perspectivesResponse struct {
	Topic        string                 `json:"topic"`
	Perspectives []research.Perspective `json:"perspectives"`
}

var perspectivesSchema = llms.MustSchemaFor(&perspectivesResponse{})

// BuildPlan discovers perspectives for the query and assembles the DAG:
// Root -> Search (one per perspective) -> CrossValidate -> FillGaps ->
// Synthesize.
func (p *Planner) BuildPlan(ctx context.Context, query string) (*Plan, error) {
	perspectives, topic := p.discoverPerspectives(ctx, query)

	perspectives = ensureDefault(clamp(perspectives))
	if topic == "" {
		topic = query
	}

	dag, err := BuildResearchDAG(perspectives, p.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("build dag: %w", err)
	}

	return &Plan{Topic: topic, Perspectives: perspectives, DAG: dag}, nil
}

// discoverPerspectives asks the LLM for expert viewpoints, grounded on a
// preliminary search survey. Any failure falls back to the fixed template.
func (p *Planner) discoverPerspectives(ctx context.Context, query string) ([]research.Perspective, string) {
	survey := p.preliminarySurvey(ctx, query)

	resp, err := p.llm.Chat(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: plannerSystemPrompt},
		{Role: llms.RoleUser, Content: perspectivePrompt(query, survey)},
	}, llms.Options{ResponseSchema: perspectivesSchema, Scope: "planner"})
	if err != nil {
		p.log.Warn("perspective discovery failed, using fallback template", "error", err)
		return fallbackPerspectives(query), query
	}

	var parsed perspectivesResponse
	if err := json.Unmarshal([]byte(resp.Message.Content), &parsed); err != nil {
		p.log.Warn("perspective response was not valid JSON, using fallback template", "error", err)
		return fallbackPerspectives(query), query
	}

	valid := parsed.Perspectives[:0]
	for _, persp := range parsed.Perspectives {
		if strings.TrimSpace(persp.Name) != "" && strings.TrimSpace(persp.Focus) != "" {
			valid = append(valid, persp)
		}
	}
	if len(valid) < 1 {
		p.log.Warn("perspective discovery yielded no valid entries, using fallback template")
		return fallbackPerspectives(query), parsed.Topic
	}
	return valid, parsed.Topic
}

// preliminarySurvey runs one web search and renders titles and snippets for
// the discovery prompt. Failures degrade to an empty survey.
func (p *Planner) preliminarySurvey(ctx context.Context, query string) string {
	if p.registry == nil {
		return ""
	}
	result, err := p.registry.Execute(ctx, "search", map[string]any{"query": query})
	if err != nil {
		p.log.Debug("preliminary search failed", "error", err)
		return ""
	}
	return result.Content
}

// clamp bounds the perspective count to [1..6].
func clamp(perspectives []research.Perspective) []research.Perspective {
	if len(perspectives) > maxPerspectives {
		return perspectives[:maxPerspectives]
	}
	return perspectives
}

// ensureDefault guarantees the "Basic fact writer" perspective is present,
// prepending it when absent.
func ensureDefault(perspectives []research.Perspective) []research.Perspective {
	for _, persp := range perspectives {
		if persp.Name == research.DefaultPerspectiveName {
			return perspectives
		}
	}
	base := research.Perspective{
		Name:  research.DefaultPerspectiveName,
		Focus: "Establish the core verifiable facts of the topic",
		Questions: []string{
			"What are the essential facts a reader must know?",
			"What key dates, figures and definitions apply?",
			"Which claims are established beyond dispute?",
		},
	}
	out := append([]research.Perspective{base}, perspectives...)
	if len(out) > maxPerspectives {
		out = out[:maxPerspectives]
	}
	return out
}

// fallbackPerspectives is the fixed 3-perspective template used when
// discovery fails.
func fallbackPerspectives(topic string) []research.Perspective {
	return []research.Perspective{
		{
			Name:  research.DefaultPerspectiveName,
			Focus: fmt.Sprintf("Establish the core verifiable facts about %s", topic),
			Questions: []string{
				fmt.Sprintf("What is %s?", topic),
				"What are the key facts, dates and figures?",
				"Which claims are established beyond dispute?",
			},
		},
		{
			Name:  "Domain analyst",
			Focus: fmt.Sprintf("Analyze the current state and recent developments of %s", topic),
			Questions: []string{
				"What changed in the last two years?",
				"Who are the main actors or contributors?",
				"What do experts consider the open problems?",
			},
		},
		{
			Name:  "Critical reviewer",
			Focus: fmt.Sprintf("Surface limitations, risks and disagreements around %s", topic),
			Questions: []string{
				"What are the main criticisms or risks?",
				"Where do credible sources disagree?",
				"What evidence is weakest?",
			},
		},
	}
}

// BuildResearchDAG assembles the canonical graph for a set of perspectives.
// Search node IDs are "search_1".."search_N" in perspective order; the
// 1-based suffix doubles as the worker number.
func BuildResearchDAG(perspectives []research.Perspective, maxRetries int) (*DAG, error) {
	dag := NewDAG(maxRetries)

	if err := dag.AddNode("root", TaskRoot, "Research root"); err != nil {
		return nil, err
	}

	searchIDs := make([]string, 0, len(perspectives))
	for i, persp := range perspectives {
		id := fmt.Sprintf("search_%d", i+1)
		if err := dag.AddNode(id, TaskSearch, persp.Name); err != nil {
			return nil, err
		}
		if err := dag.AddEdge("root", id); err != nil {
			return nil, err
		}
		searchIDs = append(searchIDs, id)
	}

	if err := dag.AddNode("cross_validate", TaskAnalyze, "Cross-validate gathered facts"); err != nil {
		return nil, err
	}
	for _, id := range searchIDs {
		if err := dag.AddEdge(id, "cross_validate"); err != nil {
			return nil, err
		}
	}

	if err := dag.AddNode("fill_gaps", TaskFillGaps, "Fill knowledge gaps"); err != nil {
		return nil, err
	}
	if err := dag.AddEdge("cross_validate", "fill_gaps"); err != nil {
		return nil, err
	}

	if err := dag.AddNode("synthesize", TaskSynthesize, "Synthesize final report"); err != nil {
		return nil, err
	}
	if err := dag.AddEdge("fill_gaps", "synthesize"); err != nil {
		return nil, err
	}

	return dag, nil
}

// WorkerNum maps a search node ID to its 1-based worker number.
func WorkerNum(nodeID string) int {
	var n int
	if _, err := fmt.Sscanf(nodeID, "search_%d", &n); err != nil {
		return 0
	}
	return n
}

const plannerSystemPrompt = `You are a research planner. Given a query and a survey of search results,
identify the distinct expert perspectives needed to research the topic thoroughly.
Each perspective has a name, a one-sentence focus, and 3-5 seed questions.
Return between 1 and 6 perspectives as JSON.`

func perspectivePrompt(query, survey string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\n", query)
	if survey != "" {
		fmt.Fprintf(&b, "Search survey:\n%s\n\n", survey)
	}
	b.WriteString("Identify the expert perspectives and the overall topic.")
	return b.String()
}
