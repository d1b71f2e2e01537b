package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fanside/aigate/pkg/models"
)

func newTestCache(t *testing.T, ttls map[models.OperationType]time.Duration) *Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	c, err := New(dbPath, ttls)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKey(t *testing.T) {
	k1 := Key("Love your content!", models.OpCategorize)
	k2 := Key("Love your content!", models.OpCategorize)
	k3 := Key("Love your content!", models.OpOpportunity)
	k4 := Key("love your content!", models.OpCategorize)

	if k1 != k2 {
		t.Error("same content and operation should produce the same key")
	}
	if k1 == k3 {
		t.Error("different operations must never collide for the same content")
	}
	if k1 == k4 {
		t.Error("different content should produce a different key")
	}
}

func TestSetAndGet(t *testing.T) {
	c := newTestCache(t, map[models.OperationType]time.Duration{models.OpCategorize: time.Hour})
	ctx := context.Background()
	key := Key("hi there", models.OpCategorize)

	if err := c.Set(ctx, key, "user-1", models.OpCategorize, []byte(`{"category":"fan"}`)); err != nil {
		t.Fatal(err)
	}

	data, ok := c.Get(ctx, key, "user-1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(data) != `{"category":"fan"}` {
		t.Errorf("unexpected payload: %s", data)
	}
}

func TestIdentityScoping(t *testing.T) {
	c := newTestCache(t, map[models.OperationType]time.Duration{models.OpCategorize: time.Hour})
	ctx := context.Background()
	key := Key("hi there", models.OpCategorize)

	if err := c.Set(ctx, key, "user-1", models.OpCategorize, []byte("data")); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(ctx, key, "user-2"); ok {
		t.Error("expected miss for a different identity")
	}
}

func TestTTLExpiration(t *testing.T) {
	c := newTestCache(t, map[models.OperationType]time.Duration{models.OpCategorize: 20 * time.Millisecond})
	ctx := context.Background()
	key := Key("expiring", models.OpCategorize)

	if err := c.Set(ctx, key, "user-1", models.OpCategorize, []byte("data")); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(ctx, key, "user-1"); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get(ctx, key, "user-1"); ok {
		t.Error("expected miss at or after expiry")
	}
}

func TestZeroTTLNeverCaches(t *testing.T) {
	c := newTestCache(t, map[models.OperationType]time.Duration{models.OpDailyDigest: 0})
	ctx := context.Background()
	key := Key("digest", models.OpDailyDigest)

	if err := c.Set(ctx, key, "user-1", models.OpDailyDigest, []byte("data")); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(ctx, key, "user-1"); ok {
		t.Error("zero-TTL operation must never serve cached results")
	}
}

func TestHitCountUpdated(t *testing.T) {
	c := newTestCache(t, map[models.OperationType]time.Duration{models.OpFAQMatch: time.Hour})
	ctx := context.Background()
	key := Key("what are your rates?", models.OpFAQMatch)

	if err := c.Set(ctx, key, "user-1", models.OpFAQMatch, []byte("answer")); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, key, "user-1"); !ok {
		t.Fatal("expected hit")
	}

	// The hit-count update is detached and best-effort; poll for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var hits int64
		if err := c.db.QueryRow(
			`SELECT hit_count FROM cache_entries WHERE cache_key = ? AND identity = ?`,
			key, "user-1",
		).Scan(&hits); err != nil {
			t.Fatal(err)
		}
		if hits == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("hit count never reached 1, got %d", hits)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSweep(t *testing.T) {
	c := newTestCache(t, map[models.OperationType]time.Duration{
		models.OpCategorize: 10 * time.Millisecond,
		models.OpFAQMatch:   time.Hour,
	})
	ctx := context.Background()

	_ = c.Set(ctx, Key("short", models.OpCategorize), "u", models.OpCategorize, []byte("a"))
	_ = c.Set(ctx, Key("long", models.OpFAQMatch), "u", models.OpFAQMatch, []byte("b"))

	time.Sleep(20 * time.Millisecond)

	removed, err := c.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("expected 1 swept entry, got %d", removed)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 remaining entry, got %d", stats.Entries)
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t, map[models.OperationType]time.Duration{models.OpCategorize: time.Hour})
	ctx := context.Background()
	key := Key("stats", models.OpCategorize)

	_ = c.Set(ctx, key, "u", models.OpCategorize, []byte("data"))
	c.Get(ctx, key, "u")       // hit
	c.Get(ctx, "nope:0", "u") // miss

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestClear(t *testing.T) {
	c := newTestCache(t, map[models.OperationType]time.Duration{models.OpCategorize: time.Hour})
	ctx := context.Background()

	_ = c.Set(ctx, Key("a", models.OpCategorize), "u", models.OpCategorize, []byte("1"))
	_ = c.Set(ctx, Key("b", models.OpCategorize), "u", models.OpCategorize, []byte("2"))

	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}

	stats, _ := c.Stats(ctx)
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after clear, got %d", stats.Entries)
	}
}
