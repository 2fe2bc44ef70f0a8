package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"

	"github.com/emilwareus/go-research/pkg/events"
	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/logger"
	"github.com/emilwareus/go-research/pkg/research"
)

// AnalysisAgent cross-validates facts, finds contradictions and ranks
// knowledge gaps. Source-quality scoring is a local heuristic with no LLM
// call.
type AnalysisAgent struct {
	llm llms.ChatClient
	bus *events.Bus
	log *slog.Logger
}

// NewAnalysisAgent builds the analysis agent.
func NewAnalysisAgent(llm llms.ChatClient, bus *events.Bus) *AnalysisAgent {
	return &AnalysisAgent{
		llm: llm,
		bus: bus,
		log: logger.Get().With("component", "analysis-agent"),
	}
}

type validationResponse struct {
	Validations []struct {
		Index  int    `json:"index"`
		Status string `json:"status"`
	} `json:"validations"`
}

type contradictionsResponse struct {
	Contradictions []research.Contradiction `json:"contradictions"`
}

type gapRankingResponse struct {
	Gaps []research.KnowledgeGap `json:"gaps"`
}

var (
	validationSchema     = llms.MustSchemaFor(&validationResponse{})
	contradictionsSchema = llms.MustSchemaFor(&contradictionsResponse{})
	gapRankingSchema     = llms.MustSchemaFor(&gapRankingResponse{})
)

// Analyze runs the three LLM steps over the union of all search facts, then
// scores source quality locally.
func (a *AnalysisAgent) Analyze(ctx context.Context, facts []research.Fact, openGaps []string) (*research.AnalysisResult, error) {
	a.publish(events.AnalysisStarted, events.PhaseProgressData{Message: fmt.Sprintf("analyzing %d facts", len(facts)), Total: 3})

	validated, err := a.crossValidate(ctx, facts)
	if err != nil {
		return nil, fmt.Errorf("cross-validation: %w", err)
	}
	a.publish(events.AnalysisProgress, events.PhaseProgressData{Message: "cross-validation done", Step: 1, Total: 3})

	contradictions, err := a.findContradictions(ctx, facts)
	if err != nil {
		return nil, fmt.Errorf("contradiction detection: %w", err)
	}
	a.publish(events.AnalysisProgress, events.PhaseProgressData{Message: "contradiction detection done", Step: 2, Total: 3})

	gaps, err := a.rankGaps(ctx, facts, openGaps)
	if err != nil {
		return nil, fmt.Errorf("gap ranking: %w", err)
	}
	a.publish(events.AnalysisProgress, events.PhaseProgressData{Message: "gap ranking done", Step: 3, Total: 3})

	result := &research.AnalysisResult{
		ValidatedFacts: validated,
		Contradictions: contradictions,
		Gaps:           gaps,
		SourceQuality:  ScoreSources(facts),
	}
	a.publish(events.AnalysisComplete, events.PhaseProgressData{
		Message: fmt.Sprintf("%d validated facts, %d contradictions, %d gaps", len(validated), len(contradictions), len(gaps)),
	})
	return result, nil
}

// crossValidate grades each fact by source diversity.
func (a *AnalysisAgent) crossValidate(ctx context.Context, facts []research.Fact) ([]research.ValidatedFact, error) {
	a.publish(events.CrossValidationStarted, events.PhaseProgressData{Total: len(facts)})

	resp, err := a.llm.Chat(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: `Grade each numbered fact by how well its claim is supported across the available sources.
Status is "supported" (multiple independent sources), "weak" (single source) or "unsupported" (contradicted or sourceless).
Return JSON: {"validations": [{"index": <fact number>, "status": "..."}]}`},
		{Role: llms.RoleUser, Content: numberedFacts(facts)},
	}, llms.Options{ResponseSchema: validationSchema, Scope: "analysis/validate"})
	if err != nil {
		return nil, err
	}

	var parsed validationResponse
	if err := json.Unmarshal([]byte(resp.Message.Content), &parsed); err != nil {
		return nil, &llms.Error{Kind: llms.KindMalformedResponse, Message: "validation was not valid JSON", Err: err}
	}

	statusByIndex := make(map[int]research.ValidationStatus, len(parsed.Validations))
	for _, v := range parsed.Validations {
		switch research.ValidationStatus(v.Status) {
		case research.ValidationSupported, research.ValidationWeak, research.ValidationUnsupported:
			statusByIndex[v.Index] = research.ValidationStatus(v.Status)
		}
	}

	validated := make([]research.ValidatedFact, 0, len(facts))
	for i, fact := range facts {
		status, ok := statusByIndex[i+1]
		if !ok {
			status = research.ValidationWeak
		}
		validated = append(validated, research.ValidatedFact{Fact: fact, Status: status})
	}

	a.publish(events.CrossValidationComplete, events.PhaseProgressData{Total: len(facts)})
	return validated, nil
}

func (a *AnalysisAgent) findContradictions(ctx context.Context, facts []research.Fact) ([]research.Contradiction, error) {
	resp, err := a.llm.Chat(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: `Find pairs of facts whose claims conflict. Tag each pair's nature:
"direct" (mutually exclusive), "nuanced" (conflicting emphasis or interpretation) or "scope" (true in different scopes).
Return JSON: {"contradictions": [{"claim_a", "source_a", "claim_b", "source_b", "nature"}]}. An empty list is a valid answer.`},
		{Role: llms.RoleUser, Content: numberedFacts(facts)},
	}, llms.Options{ResponseSchema: contradictionsSchema, Scope: "analysis/contradictions"})
	if err != nil {
		return nil, err
	}

	var parsed contradictionsResponse
	if err := json.Unmarshal([]byte(resp.Message.Content), &parsed); err != nil {
		return nil, &llms.Error{Kind: llms.KindMalformedResponse, Message: "contradictions were not valid JSON", Err: err}
	}
	return parsed.Contradictions, nil
}

// rankGaps merges the agents' open questions into ranked knowledge gaps,
// sorted descending by importance.
func (a *AnalysisAgent) rankGaps(ctx context.Context, facts []research.Fact, openGaps []string) ([]research.KnowledgeGap, error) {
	resp, err := a.llm.Chat(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: `Identify the most important knowledge gaps given the facts and open questions.
Each gap has a description, an importance in [0,1], and 1-3 suggested search queries.
Return JSON: {"gaps": [...]}`},
		{Role: llms.RoleUser, Content: fmt.Sprintf("Facts:\n%s\nOpen questions:\n- %s", numberedFacts(facts), strings.Join(openGaps, "\n- "))},
	}, llms.Options{ResponseSchema: gapRankingSchema, Scope: "analysis/gaps"})
	if err != nil {
		return nil, err
	}

	var parsed gapRankingResponse
	if err := json.Unmarshal([]byte(resp.Message.Content), &parsed); err != nil {
		return nil, &llms.Error{Kind: llms.KindMalformedResponse, Message: "gap ranking was not valid JSON", Err: err}
	}

	gaps := parsed.Gaps
	sort.SliceStable(gaps, func(i, j int) bool { return gaps[i].Importance > gaps[j].Importance })
	return gaps, nil
}

// ScoreSources is the local source-quality heuristic: host diversity plus
// the spread of extraction confidences. No LLM involved.
func ScoreSources(facts []research.Fact) research.SourceQuality {
	hosts := make(map[string]struct{})
	sources := make(map[string]struct{})
	var confidences []float64
	for _, fact := range facts {
		if fact.SourceURL == "" {
			continue
		}
		sources[fact.SourceURL] = struct{}{}
		if u, err := url.Parse(fact.SourceURL); err == nil && u.Hostname() != "" {
			hosts[u.Hostname()] = struct{}{}
		}
		confidences = append(confidences, fact.Confidence)
	}

	quality := research.SourceQuality{SourceCount: len(sources)}
	if len(sources) > 0 {
		quality.HostDiversity = float64(len(hosts)) / float64(len(sources))
	}

	if len(confidences) > 0 {
		mean, _ := stats.Mean(confidences)
		// Diversity and confidence carry equal weight.
		quality.Score = 0.5*quality.HostDiversity + 0.5*mean
	}
	return quality
}

func (a *AnalysisAgent) publish(eventType events.Type, data any) {
	if a.bus != nil {
		a.bus.Publish(events.Event{Type: eventType, Data: data})
	}
}

func numberedFacts(facts []research.Fact) string {
	var b strings.Builder
	for i, f := range facts {
		fmt.Fprintf(&b, "%d. %s [%s]\n", i+1, f.Content, f.SourceURL)
	}
	if len(facts) == 0 {
		b.WriteString("(none)\n")
	}
	return b.String()
}
