package models

import "time"

// VariantConfig describes one model configuration under test.
type VariantConfig struct {
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	PromptStyle string  `json:"prompt_style,omitempty" yaml:"prompt_style,omitempty"`
}

// Experiment is an A/B comparison between two variant configurations of an
// operation. SplitRatio is the fraction of identities assigned to variant A.
type Experiment struct {
	ID         string        `json:"id"`
	Operation  OperationType `json:"operation"`
	VariantA   VariantConfig `json:"variant_a"`
	VariantB   VariantConfig `json:"variant_b"`
	SplitRatio float64       `json:"split_ratio"`
	Active     bool          `json:"active"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at,omitempty"`
}

// VariantResults holds running aggregates for one variant. Averages are
// maintained incrementally; no raw per-call samples are kept.
type VariantResults struct {
	Count             int64   `json:"count"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	AvgCost           float64 `json:"avg_cost"`
	SuccessRate       float64 `json:"success_rate"`
	AvgSatisfaction   float64 `json:"avg_satisfaction"`
	SatisfactionCount int64   `json:"satisfaction_count"`
}

// Outcome is one observed call result fed into an experiment's aggregates.
type Outcome struct {
	LatencyMs    float64  `json:"latency_ms"`
	Cost         float64  `json:"cost"`
	Success      bool     `json:"success"`
	Satisfaction *float64 `json:"satisfaction,omitempty"` // 0.0-1.0 when reported
}

// Verdict is the outcome of comparing two variants.
type Verdict string

const (
	VerdictA            Verdict = "A"
	VerdictB            Verdict = "B"
	VerdictTie          Verdict = "tie"
	VerdictInsufficient Verdict = "insufficient_data"
)

// Comparison is the recommendation produced from an experiment's aggregates.
// Confidence is a heuristic blend of sample size and score separation, not a
// statistical p-value.
type Comparison struct {
	ExperimentID string         `json:"experiment_id"`
	Verdict      Verdict        `json:"verdict"`
	ScoreA       float64        `json:"score_a"`
	ScoreB       float64        `json:"score_b"`
	Confidence   float64        `json:"confidence"`
	ResultsA     VariantResults `json:"results_a"`
	ResultsB     VariantResults `json:"results_b"`
}
