package tracker

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/fanside/aigate/pkg/models"
)

func newTestTracker(t *testing.T) *SQLiteTracker {
	t.Helper()
	tr, err := New(filepath.Join(t.TempDir(), "tracker.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func record(identity string, op models.OperationType, source models.ResultSource, tokens int, cost float64, success bool) models.UsageRecord {
	return models.UsageRecord{
		Identity:         identity,
		Operation:        op,
		Model:            "swift-v2",
		Source:           source,
		PromptTokens:     tokens - 5,
		CompletionTokens: 5,
		TotalTokens:      tokens,
		CostUSD:          cost,
		LatencyMs:        100,
		Success:          success,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestRecordAndQuery(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.Record(ctx, record("creator-1", models.OpCategorize, models.SourceModel, 50, 0.001, true)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Record(ctx, record("creator-2", models.OpCategorize, models.SourceModel, 60, 0.002, true)); err != nil {
		t.Fatal(err)
	}

	recs, err := tr.QueryByIdentity(ctx, "creator-1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	r := recs[0]
	if r.Operation != models.OpCategorize || r.TotalTokens != 50 || !r.Success {
		t.Errorf("unexpected record: %+v", r)
	}
}

func TestSummary(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_ = tr.Record(ctx, record("creator-1", models.OpCategorize, models.SourceModel, 50, 0.001, true))
	_ = tr.Record(ctx, record("creator-1", models.OpCategorize, models.SourceModel, 70, 0.002, true))
	_ = tr.Record(ctx, record("creator-1", models.OpCategorize, models.SourceFallback, 0, 0, false))
	_ = tr.Record(ctx, record("creator-1", models.OpOpportunity, models.SourceModel, 80, 0.003, true))

	summaries, err := tr.Summary(ctx, "creator-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summary rows, got %d", len(summaries))
	}

	cat := summaries[0]
	if cat.Operation != models.OpCategorize {
		t.Fatalf("expected categorize first, got %s", cat.Operation)
	}
	if cat.RequestCount != 3 || cat.TotalTokens != 120 {
		t.Errorf("unexpected categorize aggregates: %+v", cat)
	}
	if cat.FallbackCount != 1 {
		t.Errorf("expected 1 fallback, got %d", cat.FallbackCount)
	}
	if math.Abs(cat.SuccessRate-2.0/3.0) > 1e-9 {
		t.Errorf("expected success rate 2/3, got %v", cat.SuccessRate)
	}
}

func TestCostReport(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_ = tr.Record(ctx, record("creator-1", models.OpCategorize, models.SourceModel, 50, 0.001, true))
	_ = tr.Record(ctx, record("creator-2", models.OpCategorize, models.SourceModel, 500, 0.010, true))
	_ = tr.Record(ctx, record("creator-2", models.OpOpportunity, models.SourceModel, 100, 0.004, true))

	reports, err := tr.CostReport(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 report rows, got %d", len(reports))
	}

	// Grouped by identity and model, most expensive first.
	if reports[0].Identity != "creator-2" {
		t.Errorf("expected creator-2 first, got %s", reports[0].Identity)
	}
	if reports[0].RequestCount != 2 || reports[0].TotalTokens != 600 {
		t.Errorf("unexpected aggregates: %+v", reports[0])
	}
	if math.Abs(reports[0].CostUSD-0.014) > 1e-9 {
		t.Errorf("expected cost 0.014, got %v", reports[0].CostUSD)
	}
}
