package llms

import (
	"strings"
	"sync"
)

// CostBreakdown accumulates token and dollar totals. Monotonically additive;
// the orchestrator keeps one per session plus one per scope.
type CostBreakdown struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	TotalCost    float64 `json:"total_cost_usd"`
}

// Add folds another breakdown into this one.
func (c *CostBreakdown) Add(other CostBreakdown) {
	c.InputTokens += other.InputTokens
	c.OutputTokens += other.OutputTokens
	c.TotalTokens += other.TotalTokens
	c.InputCost += other.InputCost
	c.OutputCost += other.OutputCost
	c.TotalCost += other.TotalCost
}

// modelRate holds USD per 1M tokens.
type modelRate struct {
	input  float64
	output float64
}

// Prefix-matched rates for common models. Unknown models count tokens with
// zero dollar cost rather than failing the run.
var modelRates = map[string]modelRate{
	"openai/gpt-4o-mini":        {input: 0.15, output: 0.60},
	"openai/gpt-4o":             {input: 2.50, output: 10.00},
	"openai/gpt-5":              {input: 1.25, output: 10.00},
	"anthropic/claude-sonnet":   {input: 3.00, output: 15.00},
	"anthropic/claude-haiku":    {input: 0.80, output: 4.00},
	"google/gemini-2.5-flash":   {input: 0.30, output: 2.50},
	"google/gemini-2.5-pro":     {input: 1.25, output: 10.00},
	"deepseek/deepseek-chat":    {input: 0.27, output: 1.10},
	"meta-llama/llama-3.3-70b":  {input: 0.12, output: 0.30},
	"mistralai/mistral-large":   {input: 2.00, output: 6.00},
	"qwen/qwen-2.5-72b":         {input: 0.35, output: 0.40},
	"x-ai/grok-4":               {input: 3.00, output: 15.00},
	"perplexity/sonar-deep":     {input: 2.00, output: 8.00},
	"openrouter/auto":           {input: 1.00, output: 3.00},
	"openai/gpt-4o-mini-search": {input: 0.15, output: 0.60},
}

var ratesMu sync.RWMutex

// RateFor finds the rate for a model by longest matching prefix.
func RateFor(model string) (modelRate, bool) {
	ratesMu.RLock()
	defer ratesMu.RUnlock()

	bestLen := 0
	var best modelRate
	for prefix, rate := range modelRates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = rate
		}
	}
	return best, bestLen > 0
}

// NewCostBreakdown prices one call's usage against the model rate table.
func NewCostBreakdown(model string, usage Usage) CostBreakdown {
	cb := CostBreakdown{
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		TotalTokens:  usage.TotalTokens,
	}

	if rate, ok := RateFor(model); ok {
		cb.InputCost = float64(usage.PromptTokens) / 1_000_000 * rate.input
		cb.OutputCost = float64(usage.CompletionTokens) / 1_000_000 * rate.output
		cb.TotalCost = cb.InputCost + cb.OutputCost
	}

	return cb
}
