package models

import "fmt"

// OperationType identifies one of the AI operations the layer serves.
type OperationType string

const (
	OpCategorize  OperationType = "categorize"
	OpAutoRespond OperationType = "auto_respond"
	OpOpportunity OperationType = "opportunity"
	OpFAQMatch    OperationType = "faq_match"
	OpDailyDigest OperationType = "daily_digest"
)

// Operations lists every supported operation type.
var Operations = []OperationType{
	OpCategorize, OpAutoRespond, OpOpportunity, OpFAQMatch, OpDailyDigest,
}

// ParseOperationType validates a wire name against the known operations.
func ParseOperationType(s string) (OperationType, error) {
	for _, op := range Operations {
		if string(op) == s {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation type %q", s)
}

// ResultSource says where a result came from.
type ResultSource string

const (
	SourceModel    ResultSource = "model"
	SourceCache    ResultSource = "cache"
	SourceFallback ResultSource = "fallback"
)

// Categories a message can be triaged into.
const (
	CategoryFan      = "fan"
	CategoryBusiness = "business"
	CategorySpam     = "spam"
	CategoryUrgent   = "urgent"
	CategoryGeneral  = "general"
)

// Categories lists the allowed categorize results.
var Categories = []string{
	CategoryFan, CategoryBusiness, CategorySpam, CategoryUrgent, CategoryGeneral,
}

// ValidCategory reports whether s is an allowed category.
func ValidCategory(s string) bool {
	for _, c := range Categories {
		if c == s {
			return true
		}
	}
	return false
}

// Opportunity kinds detected in business messages.
const (
	OpportunitySponsorship = "sponsorship"
	OpportunityCollab      = "collab"
	OpportunitySales       = "sales"
	OpportunityNone        = "none"
)

// AIResult is the caller-visible outcome of any AI operation. Fields are
// populated per operation; Source records whether the result came from the
// model, the cache, or a rule-based fallback.
type AIResult struct {
	Operation  OperationType `json:"operation"`
	Source     ResultSource  `json:"source"`
	Model      string        `json:"model,omitempty"`
	Variant    string        `json:"variant,omitempty"`
	Category   string        `json:"category,omitempty"`   // categorize
	Reply      string        `json:"reply,omitempty"`      // auto_respond
	Score      int           `json:"score,omitempty"`      // opportunity, 0-100
	Kind       string        `json:"kind,omitempty"`       // opportunity kind
	Answer     string        `json:"answer,omitempty"`     // faq_match
	Question   string        `json:"question,omitempty"`   // faq_match
	Summary    string        `json:"summary,omitempty"`    // daily_digest
	Confidence float64       `json:"confidence,omitempty"` // 0.0-1.0
}
