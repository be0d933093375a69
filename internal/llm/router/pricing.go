package router

import (
	"strings"

	"github.com/nimbus-cli/nimbus/internal/llm"
	"github.com/nimbus-cli/nimbus/pkg/models"
)

// modelPrice is USD per 1000 tokens.
type modelPrice struct {
	input  float64
	output float64
}

// pricing is the static price table, keyed by provider then model ID.
// Prefix matching handles dated variants ("claude-sonnet-4-20250514"
// matches "claude-sonnet-4"). OpenRouter entries carry the vendor segment
// because that is how its model IDs arrive.
var pricing = map[string]map[string]modelPrice{
	"anthropic": {
		"claude-sonnet-4":   {0.003, 0.015},
		"claude-opus-4":     {0.015, 0.075},
		"claude-3-5-sonnet": {0.003, 0.015},
		"claude-3-5-haiku":  {0.0008, 0.004},
		"claude-3-opus":     {0.015, 0.075},
		"claude-3-haiku":    {0.00025, 0.00125},
	},
	"openai": {
		"gpt-4o-mini": {0.00015, 0.0006},
		"gpt-4o":      {0.0025, 0.01},
		"gpt-4-turbo": {0.01, 0.03},
		"o1-mini":     {0.0011, 0.0044},
		"o1":          {0.015, 0.06},
	},
	"google": {
		"gemini-2.0-flash-lite": {0.000075, 0.0003},
		"gemini-2.0-flash":      {0.0001, 0.0004},
		"gemini-1.5-pro":        {0.00125, 0.005},
		"gemini-1.5-flash":      {0.000075, 0.0003},
	},
	"openrouter": {
		"anthropic/claude-sonnet-4":         {0.003, 0.015},
		"anthropic/claude-3.5-sonnet":       {0.003, 0.015},
		"anthropic/claude-3.5-haiku":        {0.0008, 0.004},
		"anthropic/claude-3-opus":           {0.015, 0.075},
		"openai/gpt-4o":                     {0.0025, 0.01},
		"openai/gpt-4o-mini":                {0.00015, 0.0006},
		"google/gemini-2.0-flash":           {0.0001, 0.0004},
		"meta-llama/llama-3.1-70b-instruct": {0.00052, 0.00075},
		"deepseek/deepseek-chat":            {0.00027, 0.0011},
		"mistralai/mistral-large":           {0.002, 0.006},
	},
	"bedrock": {
		"anthropic.claude-3-5-sonnet": {0.003, 0.015},
		"anthropic.claude-3-5-haiku":  {0.0008, 0.004},
		"meta.llama3-1-70b-instruct":  {0.00072, 0.00072},
	},
	"deepseek": {
		"deepseek-chat":     {0.00027, 0.0011},
		"deepseek-reasoner": {0.00055, 0.00219},
	},
	"mistral": {
		"mistral-large-latest": {0.002, 0.006},
	},
	"groq": {
		"llama-3.3-70b-versatile": {0.00059, 0.00079},
	},
	"perplexity": {
		"sonar": {0.001, 0.001},
	},
}

// lookupPrice finds the price entry for a provider's model, preferring the
// longest matching prefix so "gpt-4o-mini" is not priced as "gpt-4o".
func lookupPrice(provider, model string) (modelPrice, bool) {
	table, ok := pricing[provider]
	if !ok {
		return modelPrice{}, false
	}
	if price, ok := table[model]; ok {
		return price, true
	}

	bestLen := 0
	var best modelPrice
	for key, price := range table {
		if strings.HasPrefix(model, key) && len(key) > bestLen {
			bestLen = len(key)
			best = price
		}
	}
	return best, bestLen > 0
}

// CalculateCost prices a completed request. Local providers cost nothing;
// unknown providers or models price at zero and the caller logs a warning
// via the ok return.
func CalculateCost(provider, model string, usage models.Usage) (llm.CostResult, bool) {
	if provider == "ollama" {
		return llm.CostResult{}, true
	}

	price, ok := lookupPrice(provider, model)
	if !ok {
		return llm.CostResult{}, false
	}

	input := float64(usage.PromptTokens) / 1000 * price.input
	output := float64(usage.CompletionTokens) / 1000 * price.output
	return llm.CostResult{
		CostUSD:   input + output,
		Breakdown: llm.CostBreakdown{Input: input, Output: output},
	}, true
}
