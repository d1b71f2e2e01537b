package models

import "time"

// Usage represents token usage from a model service response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageRecord tracks one AI operation call: who made it, how it was served,
// and what it cost.
type UsageRecord struct {
	ID               int64         `json:"id"`
	Identity         string        `json:"identity"`
	Operation        OperationType `json:"operation"`
	Variant          string        `json:"variant,omitempty"`
	Model            string        `json:"model,omitempty"`
	Source           ResultSource  `json:"source"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	CostUSD          float64       `json:"cost_usd"`
	LatencyMs        int64         `json:"latency_ms"`
	Success          bool          `json:"success"`
	CreatedAt        time.Time     `json:"created_at"`
}

// UsageSummary aggregates calls by operation and model.
type UsageSummary struct {
	Operation     OperationType `json:"operation"`
	Model         string        `json:"model"`
	RequestCount  int           `json:"request_count"`
	TotalTokens   int64         `json:"total_tokens"`
	TotalCost     float64       `json:"total_cost"`
	AvgLatencyMs  float64       `json:"avg_latency_ms"`
	SuccessRate   float64       `json:"success_rate"`
	FallbackCount int           `json:"fallback_count"`
}

// CostReport is an aggregated cost row grouped by identity and model.
type CostReport struct {
	Identity     string  `json:"identity"`
	Model        string  `json:"model"`
	RequestCount int     `json:"request_count"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}
