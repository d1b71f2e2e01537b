package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fanside/aigate/pkg/models"
)

// Tool argument structs.

type identityArgs struct {
	Identity string `json:"identity"`
}

type experimentArgs struct {
	ExperimentID string `json:"experiment_id"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"aigate_usage":              handleUsage,
	"aigate_cost_report":        handleCostReport,
	"aigate_cache_stats":        handleCacheStats,
	"aigate_queue_status":       handleQueueStatus,
	"aigate_experiments":        handleExperiments,
	"aigate_experiment_compare": handleExperimentCompare,
	"aigate_rate_status":        handleRateStatus,
	"aigate_audit_search":       handleAuditSearch,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "aigate_usage",
		Description: "Show aggregated AI operation usage by operation and model, optionally filtered by identity.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"identity": map[string]any{
					"type":        "string",
					"description": "Filter by caller identity (optional, omit for all)",
				},
			},
		},
	},
	{
		Name:        "aigate_cost_report",
		Description: "Show estimated model costs grouped by identity and model.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional, defaults to start of month)",
				},
			},
		},
	},
	{
		Name:        "aigate_cache_stats",
		Description: "Show result cache statistics (entries, hits, misses, hit rate).",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "aigate_queue_status",
		Description: "Show retry queue depth, pending items, and circuit breaker state.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "aigate_experiments",
		Description: "List A/B experiments and their status.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		Name:        "aigate_experiment_compare",
		Description: "Compare the variants of an experiment and show the recommended winner.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"experiment_id"},
			"properties": map[string]any{
				"experiment_id": map[string]any{
					"type":        "string",
					"description": "The experiment to compare",
				},
			},
		},
	},
	{
		Name:        "aigate_rate_status",
		Description: "Show an identity's current rate-limit standing without consuming quota.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"identity"},
			"properties": map[string]any{
				"identity": map[string]any{
					"type":        "string",
					"description": "The caller identity to inspect",
				},
			},
		},
	},
	{
		Name:        "aigate_audit_search",
		Description: "Search the AI call audit log with optional filters.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"operation": map[string]any{
					"type":        "string",
					"description": "Filter by operation (optional)",
				},
				"source": map[string]any{
					"type":        "string",
					"description": "Filter by result source: model, cache, or fallback (optional)",
				},
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional)",
				},
				"identity_prefix": map[string]any{
					"type":        "string",
					"description": "Filter by identity prefix (optional)",
				},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func handleUsage(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args identityArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	rows, err := s.tracker.Summary(ctx, args.Identity)
	if err != nil {
		return errorResult("Error fetching usage: " + err.Error())
	}
	return textResult(formatSummary(rows))
}

type costReportArgs struct {
	Since string `json:"since"`
}

func handleCostReport(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args costReportArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	since := beginningOfMonth()
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		since = t
	}

	reports, err := s.tracker.CostReport(ctx, since)
	if err != nil {
		return errorResult("Error fetching cost report: " + err.Error())
	}
	return textResult(formatCostReport(reports))
}

func beginningOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Cache is not configured.")
	}
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}

func handleQueueStatus(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.queue == nil {
		return textResult("Retry queue is not configured.")
	}
	return textResult(formatQueueStatus(s.queue.Items(), s.queue.Breaker()))
}

func handleExperiments(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.exps == nil {
		return textResult("Experiments are not configured.")
	}
	exps, err := s.exps.List(ctx)
	if err != nil {
		return errorResult("Error listing experiments: " + err.Error())
	}
	return textResult(formatExperiments(exps))
}

func handleExperimentCompare(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.exps == nil {
		return textResult("Experiments are not configured.")
	}
	var args experimentArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.ExperimentID == "" {
		return errorResult("experiment_id is required")
	}
	cmp, err := s.exps.Compare(ctx, args.ExperimentID)
	if err != nil {
		return errorResult("Error comparing experiment: " + err.Error())
	}
	return textResult(formatComparison(cmp))
}

func handleRateStatus(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.limiter == nil {
		return textResult("Rate limiting is not configured.")
	}
	var args identityArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Identity == "" {
		return errorResult("identity is required")
	}
	return textResult(formatRateStatus(args.Identity, s.limiter.Status(ctx, args.Identity)))
}

type auditSearchArgs struct {
	Operation      string `json:"operation"`
	Source         string `json:"source"`
	Since          string `json:"since"`
	IdentityPrefix string `json:"identity_prefix"`
}

func handleAuditSearch(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.auditor == nil {
		return textResult("Audit logging is not configured.")
	}
	var args auditSearchArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	opts := models.AuditQueryOpts{
		Operation:      args.Operation,
		Source:         args.Source,
		IdentityPrefix: args.IdentityPrefix,
		Limit:          50,
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.auditor.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching audit log: " + err.Error())
	}
	return textResult(formatAuditEntries(entries))
}
