package queue

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MaxSize:          10,
		MaxRetries:       2,
		Backoff:          []time.Duration{20 * time.Millisecond, 40 * time.Millisecond},
		BreakerThreshold: 100,
		BreakerCooldown:  time.Minute,
	}
}

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := New(cfg, &MemStore{})
	if err != nil {
		t.Fatal(err)
	}
	return q
}

// drainUntil calls ProcessDue until the queue is empty or the deadline hits.
func drainUntil(t *testing.T, q *Queue, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for q.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue did not drain within %v, %d items left", timeout, q.Len())
		}
		q.ProcessDue()
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueAndProcess(t *testing.T) {
	q := newTestQueue(t, testConfig())

	var got []string
	q.RegisterProcessor("webhook_delivery", func(item Item) bool {
		got = append(got, string(item.Payload))
		return true
	})

	id, err := q.Enqueue("webhook_delivery", []byte(`{"score":80}`))
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected non-empty item ID")
	}

	q.ProcessDue()

	if len(got) != 1 || got[0] != `{"score":80}` {
		t.Errorf("unexpected payloads: %v", got)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue after success, got %d items", q.Len())
	}
}

func TestEnqueueAtCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 2
	q := newTestQueue(t, cfg)

	if _, err := q.Enqueue("a", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("a", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue("a", nil); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestRetryBackoffThenDrop(t *testing.T) {
	cfg := testConfig()
	q := newTestQueue(t, cfg)

	var attempts []time.Time
	q.RegisterProcessor("flaky", func(item Item) bool {
		attempts = append(attempts, time.Now())
		return false
	})

	if _, err := q.Enqueue("flaky", nil); err != nil {
		t.Fatal(err)
	}

	drainUntil(t, q, 2*time.Second)

	// Initial attempt plus exactly MaxRetries retries.
	want := 1 + cfg.MaxRetries
	if len(attempts) != want {
		t.Fatalf("expected %d attempts, got %d", want, len(attempts))
	}

	// Inter-attempt delays follow the backoff schedule (within scheduling
	// tolerance; ProcessDue polls every 5ms here).
	for i := 1; i < len(attempts); i++ {
		gap := attempts[i].Sub(attempts[i-1])
		minGap := cfg.Backoff[i-1]
		if gap < minGap {
			t.Errorf("retry %d fired after %v, want at least %v", i, gap, minGap)
		}
	}
}

func TestBackoffClampsToLastValue(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 4
	cfg.Backoff = []time.Duration{10 * time.Millisecond}
	q := newTestQueue(t, cfg)

	var attempts atomic.Int32
	q.RegisterProcessor("flaky", func(item Item) bool {
		attempts.Add(1)
		return false
	})

	if _, err := q.Enqueue("flaky", nil); err != nil {
		t.Fatal(err)
	}
	drainUntil(t, q, 2*time.Second)

	if got := attempts.Load(); got != 5 {
		t.Errorf("expected 5 attempts with a one-entry backoff schedule, got %d", got)
	}
}

func TestProcessingOrder(t *testing.T) {
	q := newTestQueue(t, testConfig())

	var got []string
	q.RegisterProcessor("task", func(item Item) bool {
		got = append(got, string(item.Payload))
		return true
	})

	// All items are due immediately; ties resolve by insertion order.
	for _, p := range []string{"first", "second", "third"} {
		if _, err := q.Enqueue("task", []byte(p)); err != nil {
			t.Fatal(err)
		}
	}

	q.ProcessDue()

	if len(got) != 3 || got[0] != "first" || got[1] != "second" || got[2] != "third" {
		t.Errorf("unexpected processing order: %v", got)
	}
}

func TestCircuitBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 10
	cfg.Backoff = []time.Duration{time.Millisecond}
	cfg.BreakerThreshold = 3
	cfg.BreakerCooldown = 80 * time.Millisecond
	q := newTestQueue(t, cfg)

	var calls atomic.Int32
	q.RegisterProcessor("down", func(item Item) bool {
		calls.Add(1)
		return false
	})

	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue("down", nil); err != nil {
			t.Fatal(err)
		}
	}

	q.ProcessDue()

	if got := calls.Load(); got != 3 {
		t.Fatalf("expected dispatch to stop at breaker threshold 3, got %d calls", got)
	}
	if !q.Breaker().Active {
		t.Fatal("expected breaker to be active")
	}

	// Still within the cool-down: nothing dispatches even though items are due.
	time.Sleep(5 * time.Millisecond)
	q.ProcessDue()
	if got := calls.Load(); got != 3 {
		t.Errorf("expected no dispatch while breaker is active, got %d calls", got)
	}

	// After the cool-down the first ProcessDue clears the breaker and resumes.
	time.Sleep(cfg.BreakerCooldown)
	q.ProcessDue()
	if got := calls.Load(); got <= 3 {
		t.Errorf("expected dispatch to resume after cool-down, got %d calls", got)
	}
}

func TestSuccessResetsBreakerCounter(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerThreshold = 3
	q := newTestQueue(t, cfg)

	fail := true
	q.RegisterProcessor("mixed", func(item Item) bool {
		if fail {
			fail = false
			return false
		}
		return true
	})

	// One failure, one success: the consecutive-failure count restarts.
	if _, err := q.Enqueue("mixed", nil); err != nil {
		t.Fatal(err)
	}
	drainUntil(t, q, 2*time.Second)

	if got := q.Breaker().Failures; got != 0 {
		t.Errorf("expected failure counter reset on success, got %d", got)
	}
}

func TestDurabilityAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}

	q1, err := New(testConfig(), store)
	if err != nil {
		t.Fatal(err)
	}
	id1, _ := q1.Enqueue("webhook_delivery", []byte("a"))
	id2, _ := q1.Enqueue("webhook_delivery", []byte("b"))

	// Simulated restart: a fresh queue over the same store.
	q2, err := New(testConfig(), store)
	if err != nil {
		t.Fatal(err)
	}
	if q2.Len() != 2 {
		t.Fatalf("expected 2 rehydrated items, got %d", q2.Len())
	}

	items := q2.Items()
	if items[0].ID != id1 || items[1].ID != id2 {
		t.Errorf("rehydrated items out of order: %s, %s", items[0].ID, items[1].ID)
	}

	var got []string
	q2.RegisterProcessor("webhook_delivery", func(item Item) bool {
		got = append(got, string(item.Payload))
		return true
	})
	q2.ProcessDue()

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected replayed payloads: %v", got)
	}
}

func TestDequeue(t *testing.T) {
	q := newTestQueue(t, testConfig())

	id, err := q.Enqueue("task", nil)
	if err != nil {
		t.Fatal(err)
	}

	if !q.Dequeue(id) {
		t.Error("expected Dequeue to remove the item")
	}
	if q.Dequeue(id) {
		t.Error("expected second Dequeue to report absence")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d items", q.Len())
	}
}

func TestConcurrentProcessDue(t *testing.T) {
	q := newTestQueue(t, testConfig())

	var calls atomic.Int32
	q.RegisterProcessor("task", func(item Item) bool {
		calls.Add(1)
		return true
	})

	for i := 0; i < 8; i++ {
		if _, err := q.Enqueue("task", nil); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.ProcessDue()
		}()
	}
	wg.Wait()

	// Each item dispatched exactly once regardless of interleaving.
	if got := calls.Load(); got != 8 {
		t.Errorf("expected 8 dispatches, got %d", got)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d items", q.Len())
	}
}

func TestClear(t *testing.T) {
	q := newTestQueue(t, testConfig())
	_, _ = q.Enqueue("task", nil)
	_, _ = q.Enqueue("task", nil)

	q.Clear()

	if q.Len() != 0 {
		t.Errorf("expected empty queue after clear, got %d items", q.Len())
	}
}
