package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/fanside/aigate/pkg/models"
	"github.com/fanside/aigate/pkg/queue"
)

// formatSummary formats usage summaries as a text table.
func formatSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %-16s %8s %10s %10s %9s %9s\n",
		"Operation", "Model", "Requests", "Tokens", "Cost USD", "Success%", "Fallback")
	b.WriteString(strings.Repeat("-", 82) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-14s %-16s %8d %10d %10.4f %8.1f%% %9d\n",
			r.Operation, r.Model, r.RequestCount, r.TotalTokens,
			r.TotalCost, r.SuccessRate*100, r.FallbackCount)
	}
	return b.String()
}

// formatCostReport formats cost aggregates as a text table.
func formatCostReport(rows []models.CostReport) string {
	if len(rows) == 0 {
		return "No cost data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-16s %8s %10s %10s\n",
		"Identity", "Model", "Requests", "Tokens", "Cost USD")
	b.WriteString(strings.Repeat("-", 72) + "\n")
	for _, r := range rows {
		identity := r.Identity
		if len(identity) > 24 {
			identity = identity[:10] + "..." + identity[len(identity)-10:]
		}
		fmt.Fprintf(&b, "%-24s %-16s %8d %10d %10.4f\n",
			identity, r.Model, r.RequestCount, r.TotalTokens, r.CostUSD)
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:  %d\n"+
		"  Expired:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, stats.Expired, stats.Hits, stats.Misses, hitRate)
}

// formatQueueStatus formats queue depth, breaker state, and pending items.
func formatQueueStatus(items []queue.Item, breaker queue.BreakerState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Retry Queue: %d pending\n", len(items))
	if breaker.Active {
		fmt.Fprintf(&b, "Circuit breaker: OPEN until %s (%d consecutive failures)\n",
			breaker.ResetAt.Format(time.RFC3339), breaker.Failures)
	} else {
		fmt.Fprintf(&b, "Circuit breaker: closed (%d consecutive failures)\n", breaker.Failures)
	}
	if len(items) == 0 {
		return b.String()
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "%-14s %-18s %7s %-20s %s\n",
		"ID", "Kind", "Retries", "Next Attempt", "Last Error")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, item := range items {
		lastErr := item.LastError
		if len(lastErr) > 30 {
			lastErr = lastErr[:27] + "..."
		}
		fmt.Fprintf(&b, "%-14s %-18s %7d %-20s %s\n",
			item.ID, item.Kind, item.RetryCount,
			item.NextRetryAt.Format("2006-01-02 15:04:05"), lastErr)
	}
	return b.String()
}

// formatExperiments formats experiments as a text table.
func formatExperiments(exps []models.Experiment) string {
	if len(exps) == 0 {
		return "No experiments found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-14s %-16s %-16s %6s %-8s\n",
		"ID", "Operation", "Variant A", "Variant B", "Split", "Status")
	b.WriteString(strings.Repeat("-", 88) + "\n")
	for _, e := range exps {
		status := "inactive"
		if e.Active {
			status = "active"
		}
		fmt.Fprintf(&b, "%-20s %-14s %-16s %-16s %5.0f%% %-8s\n",
			e.ID, e.Operation, e.VariantA.Model, e.VariantB.Model,
			e.SplitRatio*100, status)
	}
	return b.String()
}

// formatComparison formats a variant comparison as text.
func formatComparison(cmp *models.Comparison) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Experiment %s\n\n", cmp.ExperimentID)
	fmt.Fprintf(&b, "%-10s %8s %12s %12s %9s\n",
		"Variant", "Samples", "Avg Latency", "Avg Cost", "Success%")
	b.WriteString(strings.Repeat("-", 56) + "\n")
	for _, row := range []struct {
		name string
		res  models.VariantResults
	}{{"A", cmp.ResultsA}, {"B", cmp.ResultsB}} {
		fmt.Fprintf(&b, "%-10s %8d %10.0fms %12.6f %8.1f%%\n",
			row.name, row.res.Count, row.res.AvgLatencyMs,
			row.res.AvgCost, row.res.SuccessRate*100)
	}
	b.WriteString("\n")

	switch cmp.Verdict {
	case models.VerdictInsufficient:
		fmt.Fprintf(&b, "Verdict: insufficient data\n")
	case models.VerdictTie:
		fmt.Fprintf(&b, "Verdict: tie (A %.3f vs B %.3f, confidence %.2f)\n",
			cmp.ScoreA, cmp.ScoreB, cmp.Confidence)
	default:
		fmt.Fprintf(&b, "Verdict: variant %s wins (A %.3f vs B %.3f, confidence %.2f)\n",
			cmp.Verdict, cmp.ScoreA, cmp.ScoreB, cmp.Confidence)
	}
	return b.String()
}

// formatRateStatus formats an identity's rate-limit standing as text.
func formatRateStatus(identity string, st models.RateStatus) string {
	standing := "allowed"
	if !st.Allowed {
		standing = "limited"
	}
	out := fmt.Sprintf("Rate limit for %s\n"+
		"  Standing:  %s\n"+
		"  Limit:     %d\n"+
		"  Remaining: %d\n"+
		"  Resets:    %s\n",
		identity, standing, st.Limit, st.Remaining, st.ResetAt.Format(time.RFC3339))
	if !st.Allowed {
		out += fmt.Sprintf("  Retry in:  %s\n", st.RetryAfter.Round(time.Second))
	}
	return out
}

// formatAuditEntries formats audit log entries as a text table.
func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %-20s %-14s %-10s %-10s %8s %8s\n",
		"Request", "Time", "Operation", "Source", "Identity", "Tokens", "Latency")
	b.WriteString(strings.Repeat("-", 92) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-14s %-20s %-14s %-10s %-10s %8d %6dms\n",
			e.RequestID,
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Operation, e.Source, e.IdentityPrefix,
			e.TotalTokens, e.LatencyMs)
	}
	return b.String()
}
