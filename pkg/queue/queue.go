package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("retry queue is full")

// Handler processes one queued side effect. It returns true on success (the
// item is removed) and false on failure (the item is rescheduled). Handlers
// run without the queue lock and are never aborted mid-flight.
type Handler func(item Item) bool

// Item is one durable side-effecting operation awaiting execution.
type Item struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Payload     []byte    `json:"payload"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at"`
	CreatedAt   time.Time `json:"created_at"`
	LastError   string    `json:"last_error,omitempty"`
	Seq         int64     `json:"seq"`
}

// Config controls queue behavior. The hooks are optional and are invoked
// with the queue lock held, so they must not call back into the queue.
type Config struct {
	MaxSize          int
	MaxRetries       int
	Backoff          []time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	OnRetry func() // called when a failed item is rescheduled
	OnDrop  func() // called when an item is dropped after exhausting retries
}

// Queue is a durable retry queue for side-effecting operations. Items are
// processed in ascending next-retry order, ties broken by insertion order.
// The full state is persisted after every mutation, so a restart over the
// same StateStore resumes exactly where the previous process left off.
type Queue struct {
	cfg   Config
	store StateStore

	mu         sync.Mutex
	items      map[string]*Item
	nextSeq    int64
	breaker    BreakerState
	processors map[string]Handler

	wake chan struct{}
}

// New creates a Queue and rehydrates any persisted state from store.
func New(cfg Config, store StateStore) (*Queue, error) {
	st, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue state: %w", err)
	}

	q := &Queue{
		cfg:        cfg,
		store:      store,
		items:      make(map[string]*Item, len(st.Items)),
		nextSeq:    st.NextSeq,
		breaker:    st.Breaker,
		processors: make(map[string]Handler),
		wake:       make(chan struct{}, 1),
	}
	for i := range st.Items {
		item := st.Items[i]
		q.items[item.ID] = &item
		if item.Seq >= q.nextSeq {
			q.nextSeq = item.Seq + 1
		}
	}
	return q, nil
}

// RegisterProcessor installs the handler invoked for items of the given kind.
func (q *Queue) RegisterProcessor(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[kind] = h
}

// Enqueue adds a side effect due for immediate processing and returns its ID.
func (q *Queue) Enqueue(kind string, payload []byte) (string, error) {
	q.mu.Lock()
	if len(q.items) >= q.cfg.MaxSize {
		q.mu.Unlock()
		return "", ErrQueueFull
	}

	now := time.Now().UTC()
	item := &Item{
		ID:          generateItemID(),
		Kind:        kind,
		Payload:     append([]byte(nil), payload...),
		NextRetryAt: now,
		CreatedAt:   now,
		Seq:         q.nextSeq,
	}
	q.nextSeq++
	q.items[item.ID] = item
	q.persistLocked()
	q.mu.Unlock()

	q.nudge()
	return item.ID, nil
}

// Dequeue removes an item by ID and reports whether it was present.
func (q *Queue) Dequeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[id]; !ok {
		return false
	}
	delete(q.items, id)
	q.persistLocked()
	return true
}

// ProcessDue dispatches all currently due items to their processors. It is
// idempotent and safe to call concurrently: an item taken by one call is
// simply absent for the other. While the circuit breaker is active and before
// its reset time, nothing is dispatched.
func (q *Queue) ProcessDue() {
	for {
		now := time.Now().UTC()

		q.mu.Lock()
		if q.breaker.Active {
			if now.Before(q.breaker.ResetAt) {
				q.mu.Unlock()
				return
			}
			// First attempt after the cool-down clears the breaker.
			q.breaker = BreakerState{}
			q.persistLocked()
		}

		item := q.takeDueLocked(now)
		if item == nil {
			q.mu.Unlock()
			return
		}
		handler := q.processors[item.Kind]
		q.mu.Unlock()

		if handler == nil {
			q.fail(item, fmt.Sprintf("no processor registered for kind %q", item.Kind))
			continue
		}

		if handler(*item) {
			q.succeed(item)
		} else {
			if q.fail(item, "processor reported failure") {
				// Breaker tripped; stop dispatching the rest of the due set.
				return
			}
		}
	}
}

// takeDueLocked removes and returns the due item with the earliest
// next-retry time, ties broken by insertion order. Returns nil when nothing
// is due.
func (q *Queue) takeDueLocked(now time.Time) *Item {
	var best *Item
	for _, item := range q.items {
		if item.NextRetryAt.After(now) {
			continue
		}
		if best == nil || item.NextRetryAt.Before(best.NextRetryAt) ||
			(item.NextRetryAt.Equal(best.NextRetryAt) && item.Seq < best.Seq) {
			best = item
		}
	}
	if best == nil {
		return nil
	}
	delete(q.items, best.ID)
	return best
}

func (q *Queue) succeed(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.breaker.Failures = 0
	q.persistLocked()
}

// fail reschedules or drops a failed item and reports whether the circuit
// breaker tripped as a result.
func (q *Queue) fail(item *Item, lastErr string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.RetryCount++
	item.LastError = lastErr

	if item.RetryCount > q.cfg.MaxRetries {
		log.Printf("queue: dropping item %s (%s) after %d retries, last error: %s",
			item.ID, item.Kind, q.cfg.MaxRetries, item.LastError)
		if q.cfg.OnDrop != nil {
			q.cfg.OnDrop()
		}
	} else {
		idx := item.RetryCount - 1
		if idx >= len(q.cfg.Backoff) {
			idx = len(q.cfg.Backoff) - 1
		}
		item.NextRetryAt = time.Now().UTC().Add(q.cfg.Backoff[idx])
		q.items[item.ID] = item
		if q.cfg.OnRetry != nil {
			q.cfg.OnRetry()
		}
	}

	q.breaker.Failures++
	tripped := false
	if q.cfg.BreakerThreshold > 0 && q.breaker.Failures >= q.cfg.BreakerThreshold && !q.breaker.Active {
		q.breaker.Active = true
		q.breaker.ResetAt = time.Now().UTC().Add(q.cfg.BreakerCooldown)
		log.Printf("queue: circuit breaker open after %d consecutive failures, resuming at %s",
			q.breaker.Failures, q.breaker.ResetAt.Format(time.RFC3339))
		tripped = true
	}

	q.persistLocked()
	return tripped
}

// Run processes due items until ctx is cancelled. It processes anything
// already past due immediately, then sleeps until the earliest next-retry
// time instead of polling. Enqueue nudges the loop awake.
func (q *Queue) Run(ctx context.Context) error {
	q.ProcessDue()

	for {
		wait, ok := q.nextWake()

		var timer *time.Timer
		var timerC <-chan time.Time
		if ok {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-q.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
		q.ProcessDue()
	}
}

// nextWake returns how long until the next item is due, accounting for an
// active breaker. ok is false when the queue is empty.
func (q *Queue) nextWake() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	for _, item := range q.items {
		if earliest.IsZero() || item.NextRetryAt.Before(earliest) {
			earliest = item.NextRetryAt
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	if q.breaker.Active && q.breaker.ResetAt.After(earliest) {
		earliest = q.breaker.ResetAt
	}

	wait := time.Until(earliest)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// Clear removes all items.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[string]*Item)
	q.persistLocked()
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot of queued items in processing order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRetryAt.Equal(out[j].NextRetryAt) {
			return out[i].NextRetryAt.Before(out[j].NextRetryAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Breaker returns the current circuit breaker state.
func (q *Queue) Breaker() BreakerState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.breaker
}

// persistLocked saves the full queue state. A persistence failure is logged
// but does not fail the mutation: the in-memory queue stays authoritative
// for this process.
func (q *Queue) persistLocked() {
	st := &State{
		Items:   make([]Item, 0, len(q.items)),
		NextSeq: q.nextSeq,
		Breaker: q.breaker,
	}
	for _, item := range q.items {
		st.Items = append(st.Items, *item)
	}
	sort.Slice(st.Items, func(i, j int) bool { return st.Items[i].Seq < st.Items[j].Seq })

	if err := q.store.Save(st); err != nil {
		log.Printf("queue: persist failed: %v", err)
	}
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// generateItemID creates an item ID like itm_a3f9c2d1.
func generateItemID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return "itm_" + hex.EncodeToString(b)
}
