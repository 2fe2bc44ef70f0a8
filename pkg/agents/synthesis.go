package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/emilwareus/go-research/pkg/events"
	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/logger"
	"github.com/emilwareus/go-research/pkg/research"
)

const (
	minSections = 4
	maxSections = 7

	// sectionRetries re-prompts a failing section before surfacing.
	sectionRetries = 2

	summaryLimit = 500
)

// SynthesisAgent writes the final report: outline, section prose, citation
// assembly.
type SynthesisAgent struct {
	llm llms.ChatClient
	bus *events.Bus
	log *slog.Logger
}

// NewSynthesisAgent builds the synthesis agent.
func NewSynthesisAgent(llm llms.ChatClient, bus *events.Bus) *SynthesisAgent {
	return &SynthesisAgent{
		llm: llm,
		bus: bus,
		log: logger.Get().With("component", "synthesis-agent"),
	}
}

// OutlineSection is one top-level section of the planned report.
type OutlineSection struct {
	Section      string   `json:"section"`
	Subsections  []string `json:"subsections,omitempty"`
	KeyFactsRefs []int    `json:"key_facts_refs,omitempty"`
}

type outlineResponse struct {
	Title    string           `json:"title"`
	Summary  string           `json:"summary"`
	Sections []OutlineSection `json:"sections"`
}

var outlineSchema = llms.MustSchemaFor(&outlineResponse{})

// Synthesize produces the report from the validated fact pool. Sections are
// written in outline order; a failing section is retried with a tightened
// instruction before the whole run fails.
func (s *SynthesisAgent) Synthesize(ctx context.Context, topic string, analysis *research.AnalysisResult) (*research.Report, error) {
	facts := factsOf(analysis)
	citations := assembleCitations(facts)

	s.publish(events.SynthesisStarted, events.PhaseProgressData{Message: topic})

	outline, err := s.buildOutline(ctx, topic, facts, citations)
	if err != nil {
		return nil, fmt.Errorf("outline: %w", err)
	}

	var body strings.Builder
	for i, section := range outline.Sections {
		text, err := s.writeSection(ctx, topic, section, facts, citations, analysis.Contradictions)
		if err != nil {
			return nil, fmt.Errorf("section %q: %w", section.Section, err)
		}
		fmt.Fprintf(&body, "## %s\n\n%s\n\n", section.Section, text)

		s.publish(events.SynthesisProgress, events.PhaseProgressData{
			Message: section.Section, Step: i + 1, Total: len(outline.Sections),
		})
	}

	content, citations := renumberCitations(body.String(), citations)

	summary := outline.Summary
	if len(summary) > summaryLimit {
		summary = summary[:summaryLimit]
	}

	report := &research.Report{
		Title:       outline.Title,
		Summary:     summary,
		FullContent: fmt.Sprintf("# %s\n\n%s%s", outline.Title, content, renderCitations(citations)),
		Citations:   citations,
	}

	s.publish(events.SynthesisComplete, events.PhaseProgressData{
		Message: fmt.Sprintf("%d sections, %d citations", len(outline.Sections), len(citations)),
	})
	return report, nil
}

// buildOutline requests a 4-7 section outline. A thin outline gets one
// stricter re-prompt, then padding with stock sections brings it up to the
// minimum; overlong outlines are clamped.
func (s *SynthesisAgent) buildOutline(ctx context.Context, topic string, facts []research.Fact, citations []research.Citation) (*outlineResponse, error) {
	outline, err := s.requestOutline(ctx, topic, facts, citations, "")
	if err != nil {
		return nil, err
	}

	if len(outline.Sections) < minSections {
		retry, rerr := s.requestOutline(ctx, topic, facts, citations,
			fmt.Sprintf("\nThe outline is too thin: it must contain at least %d top-level sections.", minSections))
		if rerr == nil && len(retry.Sections) > len(outline.Sections) {
			outline = retry
		}
		padSections(outline)
	}

	if len(outline.Sections) > maxSections {
		outline.Sections = outline.Sections[:maxSections]
	}
	if outline.Title == "" {
		outline.Title = topic
	}
	return outline, nil
}

func (s *SynthesisAgent) requestOutline(ctx context.Context, topic string, facts []research.Fact, citations []research.Citation, extra string) (*outlineResponse, error) {
	resp, err := s.llm.Chat(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: fmt.Sprintf(`Plan a research report. Produce a title, a summary of at most %d characters,
and between %d and %d top-level sections. Each section may list subsections and the numbers of the key facts it draws on.
Return JSON only.`, summaryLimit, minSections, maxSections) + extra},
		{Role: llms.RoleUser, Content: fmt.Sprintf("Topic: %s\n\nNumbered facts:\n%s\n\nSources:\n%s", topic, numberedFacts(facts), renderSourceList(citations))},
	}, llms.Options{ResponseSchema: outlineSchema, Scope: "synthesis/outline"})
	if err != nil {
		return nil, err
	}

	var outline outlineResponse
	if err := json.Unmarshal([]byte(resp.Message.Content), &outline); err != nil {
		return nil, &llms.Error{Kind: llms.KindMalformedResponse, Message: "outline was not valid JSON", Err: err}
	}
	if len(outline.Sections) == 0 {
		return nil, &llms.Error{Kind: llms.KindMalformedResponse, Message: "outline has no sections"}
	}
	return &outline, nil
}

// stockSections fill an outline that stays below the minimum after the
// re-prompt.
var stockSections = []string{"Background", "Key Findings", "Open Questions", "Outlook"}

func padSections(outline *outlineResponse) {
	used := make(map[string]bool, len(outline.Sections))
	for _, section := range outline.Sections {
		used[section.Section] = true
	}
	for _, name := range stockSections {
		if len(outline.Sections) >= minSections {
			return
		}
		if used[name] {
			continue
		}
		outline.Sections = append(outline.Sections, OutlineSection{Section: name})
	}
}

// writeSection produces one section's prose with inline [n] markers into
// the global source list.
func (s *SynthesisAgent) writeSection(ctx context.Context, topic string, section OutlineSection, facts []research.Fact, citations []research.Citation, contradictions []research.Contradiction) (string, error) {
	instruction := fmt.Sprintf(`Write the section %q of a research report on %q.
Cite sources with inline markers like [1] referring to the numbered source list.
Cover the listed subsections. Write flowing prose, no heading repetition.`, section.Section, topic)

	var lastErr error
	for attempt := 0; attempt <= sectionRetries; attempt++ {
		if attempt > 0 {
			instruction += "\nPrevious attempt was unusable. Return only the section prose as plain markdown text, nothing else."
		}

		resp, err := s.llm.Chat(ctx, []llms.Message{
			{Role: llms.RoleSystem, Content: instruction},
			{Role: llms.RoleUser, Content: sectionPrompt(section, facts, citations, contradictions)},
		}, llms.Options{Scope: "synthesis/section"})
		if err != nil {
			if llms.KindOf(err) == llms.KindCancelled {
				return "", err
			}
			lastErr = err
			continue
		}

		text := strings.TrimSpace(resp.Message.Content)
		if text != "" {
			return text, nil
		}
		lastErr = &llms.Error{Kind: llms.KindMalformedResponse, Message: "empty section"}
	}
	return "", lastErr
}

// assembleCitations deduplicates source URLs in first-appearance order.
func assembleCitations(facts []research.Fact) []research.Citation {
	seen := make(map[string]struct{})
	var citations []research.Citation
	for _, fact := range facts {
		if fact.SourceURL == "" {
			continue
		}
		if _, dup := seen[fact.SourceURL]; dup {
			continue
		}
		seen[fact.SourceURL] = struct{}{}
		citations = append(citations, research.Citation{ID: len(citations) + 1, URL: fact.SourceURL})
	}
	return citations
}

var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// renumberCitations rewrites inline markers to canonical IDs assigned in
// first appearance order, and drops citations never referenced.
func renumberCitations(content string, citations []research.Citation) (string, []research.Citation) {
	byID := make(map[int]research.Citation, len(citations))
	for _, c := range citations {
		byID[c.ID] = c
	}

	remap := make(map[int]int)
	var kept []research.Citation
	out := markerPattern.ReplaceAllStringFunc(content, func(marker string) string {
		old, err := strconv.Atoi(markerPattern.FindStringSubmatch(marker)[1])
		if err != nil {
			return marker
		}
		citation, known := byID[old]
		if !known {
			return marker
		}
		id, seen := remap[old]
		if !seen {
			id = len(kept) + 1
			remap[old] = id
			citation.ID = id
			kept = append(kept, citation)
		}
		return fmt.Sprintf("[%d]", id)
	})

	if len(kept) == 0 {
		return out, citations
	}
	return out, kept
}

func renderCitations(citations []research.Citation) string {
	if len(citations) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Sources\n\n")
	for _, c := range citations {
		fmt.Fprintf(&b, "[%d] %s\n", c.ID, c.URL)
	}
	return b.String()
}

func renderSourceList(citations []research.Citation) string {
	var b strings.Builder
	for _, c := range citations {
		fmt.Fprintf(&b, "%d. %s\n", c.ID, c.URL)
	}
	return b.String()
}

func sectionPrompt(section OutlineSection, facts []research.Fact, citations []research.Citation, contradictions []research.Contradiction) string {
	var b strings.Builder
	if len(section.Subsections) > 0 {
		fmt.Fprintf(&b, "Subsections: %s\n\n", strings.Join(section.Subsections, "; "))
	}

	relevant := facts
	if len(section.KeyFactsRefs) > 0 {
		relevant = nil
		for _, ref := range section.KeyFactsRefs {
			if ref >= 1 && ref <= len(facts) {
				relevant = append(relevant, facts[ref-1])
			}
		}
		if len(relevant) == 0 {
			relevant = facts
		}
	}
	fmt.Fprintf(&b, "Facts:\n%s\n", numberedFacts(relevant))
	fmt.Fprintf(&b, "Sources:\n%s\n", renderSourceList(citations))

	if len(contradictions) > 0 {
		b.WriteString("Known contradictions to address where relevant:\n")
		for _, c := range contradictions {
			fmt.Fprintf(&b, "- %q vs %q (%s)\n", c.ClaimA, c.ClaimB, c.Nature)
		}
	}
	return b.String()
}

func (s *SynthesisAgent) publish(eventType events.Type, data any) {
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: eventType, Data: data})
	}
}

// factsOf flattens the analysis result back to plain facts, skipping
// unsupported ones.
func factsOf(analysis *research.AnalysisResult) []research.Fact {
	facts := make([]research.Fact, 0, len(analysis.ValidatedFacts))
	for _, vf := range analysis.ValidatedFacts {
		if vf.Status == research.ValidationUnsupported {
			continue
		}
		facts = append(facts, vf.Fact)
	}
	return facts
}
