package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fanside/aigate/pkg/models"
)

// Logger writes and queries AI call audit entries in a dedicated SQLite
// database. Identities are stored as a SHA-256 hash plus a short prefix so
// entries can be correlated without retaining the raw identity.
type Logger struct {
	db      *sql.DB
	cfg     models.AuditConfig
	done    chan struct{}
	wg      sync.WaitGroup
	exclude map[string]bool
}

// New opens the audit database, creates the schema, and starts the retention
// goroutine.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	exc := make(map[string]bool)
	for _, op := range cfg.ExcludeOps {
		exc[op] = true
	}

	l := &Logger{
		db:      db,
		cfg:     cfg,
		done:    make(chan struct{}),
		exclude: exc,
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		request_id      TEXT PRIMARY KEY,
		identity_hash   TEXT NOT NULL,
		identity_prefix TEXT NOT NULL,
		operation       TEXT NOT NULL,
		variant         TEXT,
		model           TEXT,
		source          TEXT NOT NULL,
		content         TEXT,
		result          TEXT,
		total_tokens    INTEGER,
		latency_ms      INTEGER,
		success         INTEGER NOT NULL,
		created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_log(operation)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_prefix ON audit_log(identity_prefix)`)
	return err
}

// Log inserts an audit entry, respecting content capture and exclusion
// configuration.
func (l *Logger) Log(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if l.exclude[string(entry.Operation)] {
		return nil
	}

	content := entry.Content
	if !l.cfg.IncludeContent {
		content = ""
	}
	result := entry.Result
	if l.cfg.MaxBodySize > 0 {
		if len(content) > l.cfg.MaxBodySize {
			content = content[:l.cfg.MaxBodySize]
		}
		if len(result) > l.cfg.MaxBodySize {
			result = result[:l.cfg.MaxBodySize]
		}
	}

	success := 0
	if entry.Success {
		success = 1
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO audit_log
		(request_id, identity_hash, identity_prefix, operation, variant, model,
		 source, content, result, total_tokens, latency_ms, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.IdentityHash, entry.IdentityPrefix,
		string(entry.Operation), entry.Variant, entry.Model,
		string(entry.Source), content, result,
		entry.TotalTokens, entry.LatencyMs, success, entry.CreatedAt,
	)
	return err
}

// Query returns audit entries matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT request_id, identity_hash, identity_prefix, operation, variant, model,
		source, content, result, total_tokens, latency_ms, success, created_at
		FROM audit_log WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.Operation != "" {
		q += " AND operation = ?"
		args = append(args, opts.Operation)
	}
	if opts.Source != "" {
		q += " AND source = ?"
		args = append(args, opts.Source)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since)
	}
	if opts.IdentityPrefix != "" {
		q += " AND identity_prefix = ?"
		args = append(args, opts.IdentityPrefix)
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var op, source string
		var variant, model, content, result sql.NullString
		var success int
		if err := rows.Scan(
			&e.RequestID, &e.IdentityHash, &e.IdentityPrefix, &op,
			&variant, &model, &source, &content, &result,
			&e.TotalTokens, &e.LatencyMs, &success, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Operation = models.OperationType(op)
		e.Source = models.ResultSource(source)
		e.Variant = variant.String
		e.Model = model.String
		e.Content = content.String
		e.Result = result.String
		e.Success = success != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns aggregate counts grouped by operation and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT operation, date(created_at) as day, count(*) as cnt
		 FROM audit_log GROUP BY operation, day ORDER BY day DESC, operation`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.Operation, &day, &s.Count); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}

// HashIdentity returns the SHA-256 hex hash and 8-char prefix for an
// identity.
func HashIdentity(identity string) (hash, prefix string) {
	h := sha256.Sum256([]byte(identity))
	hash = hex.EncodeToString(h[:])
	if len(identity) > 8 {
		prefix = identity[:8]
	} else {
		prefix = identity
	}
	return hash, prefix
}
