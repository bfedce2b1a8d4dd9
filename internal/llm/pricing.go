package llm

// Model pricing per million tokens (USD), OpenRouter list prices.
var modelPricing = map[string][2]float64{
	// [input_per_1M, output_per_1M]
	"qwen/qwen-2.5-72b-instruct":     {0.23, 0.40},
	"openai/gpt-4o-mini":             {0.15, 0.60},
	"openai/gpt-4o":                  {2.50, 10.0},
	"anthropic/claude-3.5-haiku":     {0.80, 4.0},
	"anthropic/claude-3.5-sonnet":    {3.0, 15.0},
	"meta-llama/llama-3.1-8b-instruct": {0.02, 0.05},
	"google/gemini-flash-1.5":        {0.075, 0.30},
	"mistralai/mistral-nemo":         {0.035, 0.08},
}

// CostFor computes the USD cost of a call from the per-model price
// table. Unknown models cost zero rather than guessing.
func CostFor(model string, promptTokens, completionTokens int) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	cost := float64(promptTokens) / 1_000_000.0 * pricing[0]
	cost += float64(completionTokens) / 1_000_000.0 * pricing[1]
	return cost
}
