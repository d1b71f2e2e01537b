package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// CounterStore is the atomic counter store behind the limiter. Reserve must
// be atomic against concurrent callers sharing an identity so that two
// simultaneous requests cannot both take the last slot.
type CounterStore interface {
	// Reserve prunes entries older than cutoff, counts the survivors, and
	// records ts when the count is below limit, all in one atomic step. It
	// returns the pre-record count, the oldest surviving timestamp (zero
	// when the window is empty), and whether ts was recorded.
	Reserve(ctx context.Context, identity string, cutoff, ts time.Time, limit int) (count int, oldest time.Time, recorded bool, err error)
	// Peek prunes and counts without recording a new entry.
	Peek(ctx context.Context, identity string, cutoff time.Time) (count int, oldest time.Time, err error)
	// Reset removes all entries for the identity.
	Reset(ctx context.Context, identity string) error
	// Close releases store resources.
	Close() error
}

// SQLiteStore implements CounterStore on a shared SQLite database. Entry
// timestamps are stored as epoch nanoseconds so window comparisons are exact.
type SQLiteStore struct {
	db *sql.DB
}

const createRateTable = `
CREATE TABLE IF NOT EXISTS rate_entries (
	identity TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_identity_ts ON rate_entries(identity, ts);
`

// NewSQLiteStore opens the database and creates the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open rate limit db: %w", err)
	}

	if _, err := db.Exec(createRateTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate rate limit db: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Reserve implements CounterStore inside a single transaction.
func (s *SQLiteStore) Reserve(ctx context.Context, identity string, cutoff, ts time.Time, limit int) (int, time.Time, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_entries WHERE identity = ? AND ts < ?`,
		identity, cutoff.UnixNano(),
	); err != nil {
		return 0, time.Time{}, false, fmt.Errorf("prune entries: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_entries WHERE identity = ?`, identity,
	).Scan(&count); err != nil {
		return 0, time.Time{}, false, fmt.Errorf("count entries: %w", err)
	}

	recorded := false
	if count < limit {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_entries (identity, ts) VALUES (?, ?)`,
			identity, ts.UnixNano(),
		); err != nil {
			return 0, time.Time{}, false, fmt.Errorf("record entry: %w", err)
		}
		recorded = true
	}

	var oldestNs sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MIN(ts) FROM rate_entries WHERE identity = ?`, identity,
	).Scan(&oldestNs); err != nil {
		return 0, time.Time{}, false, fmt.Errorf("oldest entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, time.Time{}, false, fmt.Errorf("commit reserve: %w", err)
	}

	var oldest time.Time
	if oldestNs.Valid {
		oldest = time.Unix(0, oldestNs.Int64).UTC()
	}
	return count, oldest, recorded, nil
}

// Peek implements CounterStore; pruning still happens so reads stay cheap.
func (s *SQLiteStore) Peek(ctx context.Context, identity string, cutoff time.Time) (int, time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("begin peek: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_entries WHERE identity = ? AND ts < ?`,
		identity, cutoff.UnixNano(),
	); err != nil {
		return 0, time.Time{}, fmt.Errorf("prune entries: %w", err)
	}

	var count int
	var oldestNs sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(ts) FROM rate_entries WHERE identity = ?`, identity,
	).Scan(&count, &oldestNs); err != nil {
		return 0, time.Time{}, fmt.Errorf("count entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, time.Time{}, fmt.Errorf("commit peek: %w", err)
	}

	var oldest time.Time
	if oldestNs.Valid {
		oldest = time.Unix(0, oldestNs.Int64).UTC()
	}
	return count, oldest, nil
}

// Reset implements CounterStore.
func (s *SQLiteStore) Reset(ctx context.Context, identity string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_entries WHERE identity = ?`, identity,
	); err != nil {
		return fmt.Errorf("reset entries: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
