package llms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateForMatchesLongestPrefix(t *testing.T) {
	rate, ok := RateFor("openai/gpt-4o-mini-2024-07-18")
	require.True(t, ok)
	assert.InDelta(t, 0.15, rate.input, 1e-9, "gpt-4o-mini outranks the shorter gpt-4o prefix")

	rate, ok = RateFor("openai/gpt-4o-2024-08-06")
	require.True(t, ok)
	assert.InDelta(t, 2.50, rate.input, 1e-9)

	_, ok = RateFor("unknown/model")
	assert.False(t, ok)
}

func TestNewCostBreakdownPricesUsage(t *testing.T) {
	cb := NewCostBreakdown("openai/gpt-4o-mini", Usage{
		PromptTokens: 1_000_000, CompletionTokens: 1_000_000, TotalTokens: 2_000_000,
	})

	assert.InDelta(t, 0.15, cb.InputCost, 1e-9)
	assert.InDelta(t, 0.60, cb.OutputCost, 1e-9)
	assert.InDelta(t, 0.75, cb.TotalCost, 1e-9)
	assert.Equal(t, 2_000_000, cb.TotalTokens)
}

func TestNewCostBreakdownUnknownModelCountsTokensOnly(t *testing.T) {
	cb := NewCostBreakdown("unknown/model", Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150})
	assert.Equal(t, 150, cb.TotalTokens)
	assert.Zero(t, cb.TotalCost)
}

func TestCostBreakdownAdd(t *testing.T) {
	var total CostBreakdown
	total.Add(NewCostBreakdown("openai/gpt-4o-mini", Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}))
	total.Add(NewCostBreakdown("openai/gpt-4o-mini", Usage{PromptTokens: 200, CompletionTokens: 100, TotalTokens: 300}))

	assert.Equal(t, 300, total.InputTokens)
	assert.Equal(t, 150, total.OutputTokens)
	assert.Equal(t, 450, total.TotalTokens)
	assert.InDelta(t, total.InputCost+total.OutputCost, total.TotalCost, 1e-9)
}

func TestSchemaForStripsMetaKeys(t *testing.T) {
	type sample struct {
		Name  string `json:"name"`
		Score float64 `json:"score"`
	}
	schema, err := SchemaFor(&sample{})
	require.NoError(t, err)

	assert.NotContains(t, schema, "$schema")
	assert.NotContains(t, schema, "$id")
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "name")
	assert.Contains(t, props, "score")
}
