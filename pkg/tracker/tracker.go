package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fanside/aigate/pkg/models"
)

// Tracker records and queries per-call AI usage and cost.
type Tracker interface {
	// Record stores a usage record.
	Record(ctx context.Context, rec models.UsageRecord) error
	// QueryByIdentity returns usage records for an identity since a given time.
	QueryByIdentity(ctx context.Context, identity string, since time.Time) ([]models.UsageRecord, error)
	// Summary returns aggregated usage grouped by operation and model,
	// optionally filtered by identity.
	Summary(ctx context.Context, identity string) ([]models.UsageSummary, error)
	// CostReport returns cost aggregates grouped by identity and model since
	// a given time.
	CostReport(ctx context.Context, since time.Time) ([]models.CostReport, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identity TEXT NOT NULL,
	operation TEXT NOT NULL,
	variant TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cost_usd REAL NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_identity_time ON usage_records(identity, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_operation ON usage_records(operation);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores a usage record.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records
		 (identity, operation, variant, model, source, prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Identity, string(rec.Operation), rec.Variant, rec.Model, string(rec.Source),
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.CostUSD, rec.LatencyMs, success, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// QueryByIdentity returns usage records for an identity since a given time,
// newest first.
func (t *SQLiteTracker) QueryByIdentity(ctx context.Context, identity string, since time.Time) ([]models.UsageRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, identity, operation, variant, model, source, prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms, success, created_at
		 FROM usage_records WHERE identity = ? AND created_at >= ? ORDER BY created_at DESC`,
		identity, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var op, source string
		var success int
		if err := rows.Scan(&r.ID, &r.Identity, &op, &r.Variant, &r.Model, &source,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.CostUSD, &r.LatencyMs, &success, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		r.Operation = models.OperationType(op)
		r.Source = models.ResultSource(source)
		r.Success = success != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summary returns aggregated usage grouped by operation and model.
func (t *SQLiteTracker) Summary(ctx context.Context, identity string) ([]models.UsageSummary, error) {
	query := `SELECT operation, model, COUNT(*), COALESCE(SUM(total_tokens), 0),
		COALESCE(SUM(cost_usd), 0), COALESCE(AVG(latency_ms), 0), COALESCE(AVG(success), 0),
		COALESCE(SUM(source = 'fallback'), 0)
		FROM usage_records`
	var args []any
	if identity != "" {
		query += ` WHERE identity = ?`
		args = append(args, identity)
	}
	query += ` GROUP BY operation, model ORDER BY operation, model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		var op string
		if err := rows.Scan(&op, &s.Model, &s.RequestCount, &s.TotalTokens,
			&s.TotalCost, &s.AvgLatencyMs, &s.SuccessRate, &s.FallbackCount); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.Operation = models.OperationType(op)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// CostReport returns cost aggregates grouped by identity and model since a
// given time, most expensive first.
func (t *SQLiteTracker) CostReport(ctx context.Context, since time.Time) ([]models.CostReport, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT identity, model, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records WHERE created_at >= ?
		 GROUP BY identity, model ORDER BY SUM(cost_usd) DESC, identity, model`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("cost report: %w", err)
	}
	defer rows.Close()

	var reports []models.CostReport
	for rows.Next() {
		var r models.CostReport
		if err := rows.Scan(&r.Identity, &r.Model, &r.RequestCount, &r.TotalTokens, &r.CostUSD); err != nil {
			return nil, fmt.Errorf("scan cost report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
