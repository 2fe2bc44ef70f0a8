package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilwareus/go-research/pkg/research"
)

func sampleFacts() []research.Fact {
	return []research.Fact{
		{Content: "Claim A", SourceURL: "https://one.example/a", Confidence: 0.9},
		{Content: "Claim B", SourceURL: "https://two.example/b", Confidence: 0.8},
		{Content: "Claim C", SourceURL: "https://one.example/c", Confidence: 0.6},
	}
}

func TestAnalyzeRunsThreeSteps(t *testing.T) {
	chat := &scriptedChat{responses: []string{
		`{"validations": [{"index": 1, "status": "supported"}, {"index": 2, "status": "weak"}, {"index": 3, "status": "unsupported"}]}`,
		`{"contradictions": [{"claim_a": "Claim A", "source_a": "https://one.example/a", "claim_b": "Claim B", "source_b": "https://two.example/b", "nature": "nuanced"}]}`,
		`{"gaps": [
			{"description": "minor gap", "importance": 0.2, "suggested_queries": ["q1"]},
			{"description": "major gap", "importance": 0.9, "suggested_queries": ["q2"]}
		]}`,
	}}
	agent := NewAnalysisAgent(chat, nil)

	result, err := agent.Analyze(context.Background(), sampleFacts(), []string{"open question"})
	require.NoError(t, err)

	require.Len(t, result.ValidatedFacts, 3)
	assert.Equal(t, research.ValidationSupported, result.ValidatedFacts[0].Status)
	assert.Equal(t, research.ValidationWeak, result.ValidatedFacts[1].Status)
	assert.Equal(t, research.ValidationUnsupported, result.ValidatedFacts[2].Status)

	require.Len(t, result.Contradictions, 1)
	assert.Equal(t, research.ContradictionNuanced, result.Contradictions[0].Nature)

	require.Len(t, result.Gaps, 2)
	assert.Equal(t, "major gap", result.Gaps[0].Description, "gaps sorted descending by importance")

	assert.Equal(t, 3, chat.calls)
}

func TestAnalyzeDefaultsMissingValidationsToWeak(t *testing.T) {
	chat := &scriptedChat{responses: []string{
		`{"validations": [{"index": 1, "status": "supported"}]}`,
		`{"contradictions": []}`,
		`{"gaps": []}`,
	}}
	agent := NewAnalysisAgent(chat, nil)

	result, err := agent.Analyze(context.Background(), sampleFacts(), nil)
	require.NoError(t, err)
	assert.Equal(t, research.ValidationSupported, result.ValidatedFacts[0].Status)
	assert.Equal(t, research.ValidationWeak, result.ValidatedFacts[1].Status)
	assert.Equal(t, research.ValidationWeak, result.ValidatedFacts[2].Status)
}

func TestAnalyzeSurfacesLLMFailure(t *testing.T) {
	chat := &scriptedChat{responses: []string{""}}
	agent := NewAnalysisAgent(chat, nil)

	_, err := agent.Analyze(context.Background(), sampleFacts(), nil)
	assert.Error(t, err)
}

func TestScoreSources(t *testing.T) {
	quality := ScoreSources(sampleFacts())

	assert.Equal(t, 3, quality.SourceCount)
	// Two distinct hosts over three sources.
	assert.InDelta(t, 2.0/3.0, quality.HostDiversity, 1e-9)
	assert.Greater(t, quality.Score, 0.0)
	assert.LessOrEqual(t, quality.Score, 1.0)
}

func TestScoreSourcesEmpty(t *testing.T) {
	quality := ScoreSources(nil)
	assert.Zero(t, quality.SourceCount)
	assert.Zero(t, quality.Score)
}
