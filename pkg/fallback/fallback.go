// Package fallback provides deterministic rule-based heuristics used when the
// model service is unavailable. Every heuristic is pure and side-effect-free:
// the same content always yields the same result. These are degraded
// approximations of the model's output, not numerically comparable to it.
package fallback

import (
	"strings"

	"github.com/fanside/aigate/pkg/models"
)

// Apply runs the heuristic for an operation. ok is false when no fallback is
// defined for the operation.
func Apply(op models.OperationType, content string) (*models.AIResult, bool) {
	var result *models.AIResult
	switch op {
	case models.OpCategorize:
		result = categorize(content)
	case models.OpAutoRespond:
		result = autoRespond(content)
	case models.OpOpportunity:
		result = opportunity(content)
	case models.OpFAQMatch:
		result = faqMatch(content)
	case models.OpDailyDigest:
		result = dailyDigest(content)
	default:
		return nil, false
	}
	result.Operation = op
	result.Source = models.SourceFallback
	return result, true
}

var categoryKeywords = map[string][]string{
	models.CategoryBusiness: {"sponsorship", "sponsor", "partnership", "collab", "brand", "campaign", "promote", "rate card", "budget", "deal"},
	models.CategorySpam:     {"click here", "free money", "crypto", "giveaway winner", "congratulations you", "claim your", "wire transfer"},
	models.CategoryUrgent:   {"urgent", "asap", "immediately", "right away", "deadline", "emergency", "time sensitive"},
	models.CategoryFan:      {"love your", "big fan", "huge fan", "amazing", "inspired me", "keep it up", "favorite"},
}

func categorize(content string) *models.AIResult {
	lower := strings.ToLower(content)

	best := models.CategoryGeneral
	bestScore := 0
	// Deterministic tie-break: priority order, not map iteration.
	for _, cat := range []string{models.CategorySpam, models.CategoryUrgent, models.CategoryBusiness, models.CategoryFan} {
		score := 0
		for _, kw := range categoryKeywords[cat] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best = cat
			bestScore = score
		}
	}

	confidence := 0.3
	if bestScore > 0 {
		confidence = 0.5
	}
	if bestScore > 1 {
		confidence = 0.65
	}
	return &models.AIResult{Category: best, Confidence: confidence}
}

var cannedReplies = map[string]string{
	models.CategoryFan:      "Thank you so much for the kind words, it really means a lot!",
	models.CategoryBusiness: "Thanks for reaching out! Could you share a few more details about what you have in mind?",
	models.CategoryUrgent:   "Thanks for flagging this, I'm looking into it and will get back to you shortly.",
	models.CategorySpam:     "",
	models.CategoryGeneral:  "Thanks for your message, I'll get back to you soon!",
}

func autoRespond(content string) *models.AIResult {
	cat := categorize(content)
	return &models.AIResult{
		Reply:      cannedReplies[cat.Category],
		Category:   cat.Category,
		Confidence: cat.Confidence * 0.8,
	}
}

// opportunity scores business potential by additive keyword points. The
// thresholds are intentionally not calibrated against the model's score
// distribution; this is a coarse stand-in, not a drop-in replacement.
func opportunity(content string) *models.AIResult {
	lower := strings.ToLower(content)

	score := 0
	kind := models.OpportunityNone

	if containsAny(lower, "sponsorship", "sponsor", "sponsored post") {
		score += 30
		kind = models.OpportunitySponsorship
	}
	if containsAny(lower, "collab", "collaboration", "work together", "joint") {
		score += 25
		if kind == models.OpportunityNone {
			kind = models.OpportunityCollab
		}
	}
	if containsAny(lower, "buy", "purchase", "order", "how much", "price") {
		score += 20
		if kind == models.OpportunityNone {
			kind = models.OpportunitySales
		}
	}
	if containsAny(lower, "$", "budget", "pay", "compensation", "fee") {
		score += 15
	}
	if containsAny(lower, "brand", "company", "agency", "we represent") {
		score += 10
	}
	if containsAny(lower, "email", "contact", "call", "reach out", "schedule") {
		score += 10
	}
	if score > 100 {
		score = 100
	}

	return &models.AIResult{Score: score, Kind: kind, Confidence: 0.4}
}

// faqEntries is a minimal built-in FAQ used only when the model is down.
var faqEntries = []struct {
	question string
	answer   string
	keywords []string
}{
	{
		question: "What are your rates?",
		answer:   "Rates depend on scope and usage. Send over the campaign details and we'll share a quote.",
		keywords: []string{"rate", "rates", "price", "pricing", "cost", "charge"},
	},
	{
		question: "Do you do sponsored posts?",
		answer:   "Yes, sponsored content is available for brands that fit the channel. Share your brief to get started.",
		keywords: []string{"sponsored", "sponsorship", "promotion", "promote"},
	},
	{
		question: "How can I get a shoutout?",
		answer:   "Shoutouts are picked from fan messages each week, so keep them coming!",
		keywords: []string{"shoutout", "shout out", "mention me", "feature me"},
	},
	{
		question: "When do you post new content?",
		answer:   "New content goes up every week; turn on notifications so you don't miss it.",
		keywords: []string{"when", "schedule", "post", "upload", "new video", "new content"},
	},
}

func faqMatch(content string) *models.AIResult {
	lower := strings.ToLower(content)

	bestIdx := -1
	bestScore := 0
	for i, entry := range faqEntries {
		score := 0
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}

	if bestIdx < 0 {
		return &models.AIResult{Confidence: 0.1}
	}
	return &models.AIResult{
		Question:   faqEntries[bestIdx].question,
		Answer:     faqEntries[bestIdx].answer,
		Confidence: 0.45,
	}
}

// dailyDigest extracts the first lines of the content as a crude summary.
func dailyDigest(content string) *models.AIResult {
	const maxLines = 3
	const maxChars = 280

	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == maxLines {
			break
		}
	}

	summary := strings.Join(lines, " ")
	if len(summary) > maxChars {
		summary = summary[:maxChars] + "…"
	}
	return &models.AIResult{Summary: summary, Confidence: 0.3}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
