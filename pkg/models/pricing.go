package models

// ModelPricing defines per-1K token costs for a model.
type ModelPricing struct {
	Model          string  `json:"model" yaml:"model"`
	PromptCost     float64 `json:"prompt_cost_per_1k" yaml:"prompt_cost_per_1k"`
	CompletionCost float64 `json:"completion_cost_per_1k" yaml:"completion_cost_per_1k"`
}

// CostForUsage returns the estimated USD cost of a call under this pricing.
func (p ModelPricing) CostForUsage(u Usage) float64 {
	return float64(u.PromptTokens)/1000*p.PromptCost +
		float64(u.CompletionTokens)/1000*p.CompletionCost
}
