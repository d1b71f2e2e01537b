package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fanside/aigate/pkg/models"
)

// Cache is an exact-match result cache backed by SQLite. Entries are keyed by
// content fingerprint and scoped to the identity that computed them. Expiry is
// logical: expired rows are treated as misses at read time and only removed
// by an explicit Sweep.
type Cache struct {
	db     *sql.DB
	ttls   map[models.OperationType]time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key  TEXT NOT NULL,
	identity   TEXT NOT NULL,
	operation  TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	hit_count  INTEGER NOT NULL DEFAULT 0,
	last_hit_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (cache_key, identity)
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// New opens the cache database and creates the schema. ttls maps each
// operation type to its expiration; a zero TTL disables caching for that
// operation entirely.
func New(dbPath string, ttls map[models.OperationType]time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, ttls: ttls}, nil
}

// Key computes the deterministic fingerprint for content under an operation
// type. The operation name is a namespace prefix, so the same content hashed
// for different operations never collides. FNV-32a is enough here: this is a
// cache key, not a security boundary.
func Key(content string, op models.OperationType) string {
	h := fnv.New32a()
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return fmt.Sprintf("%s:%08x", op, h.Sum32())
}

// TTL returns the configured expiration for an operation type.
func (c *Cache) TTL(op models.OperationType) time.Duration {
	return c.ttls[op]
}

// Get returns the cached payload for key, scoped to identity. An entry past
// its expiration, stored for an operation whose TTL is now zero, or written
// by a different identity is a miss, never an error. A hit updates the hit
// counter and last-hit time as a detached best-effort write that may lose
// updates under contention; that loss is accepted.
func (c *Cache) Get(ctx context.Context, key, identity string) ([]byte, bool) {
	var payload []byte
	var operation string
	var expiresAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT payload, operation, expires_at FROM cache_entries WHERE cache_key = ? AND identity = ?`,
		key, identity,
	).Scan(&payload, &operation, &expiresAt)
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}

	now := time.Now().UTC()
	if now.UnixNano() >= expiresAt {
		c.misses.Add(1)
		return nil, false
	}
	if c.ttls[models.OperationType(operation)] == 0 {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	go func() {
		_, err := c.db.Exec(
			`UPDATE cache_entries SET hit_count = hit_count + 1, last_hit_at = ? WHERE cache_key = ? AND identity = ?`,
			now.UnixNano(), key, identity,
		)
		if err != nil {
			log.Printf("cache hit-count update failed: %v", err)
		}
	}()

	return payload, true
}

// Set stores a payload under key for identity using the operation's
// configured TTL. A zero TTL makes Set a no-op.
func (c *Cache) Set(ctx context.Context, key, identity string, op models.OperationType, payload []byte) error {
	return c.SetWithTTL(ctx, key, identity, op, payload, c.ttls[op])
}

// SetWithTTL stores a payload with an explicit TTL override. A TTL of zero or
// less is a no-op.
func (c *Cache) SetWithTTL(ctx context.Context, key, identity string, op models.OperationType, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (cache_key, identity, operation, payload, created_at, expires_at, hit_count, last_hit_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0)`,
		key, identity, string(op), payload, now.UnixNano(), now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Sweep physically deletes expired entries and returns how many were removed.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes all cache entries.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Stats returns cache performance metrics. Hit and miss counters are
// process-local; entry counts come from the shared database.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var entries, expired int64
	now := time.Now().UTC().UnixNano()
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(expires_at <= ?), 0) FROM cache_entries`, now,
	).Scan(&entries, &expired)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: entries,
		Expired: expired,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
