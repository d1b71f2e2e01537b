package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fanside/aigate/pkg/config"
	"github.com/fanside/aigate/pkg/inference"
	"github.com/fanside/aigate/pkg/models"
	"github.com/fanside/aigate/pkg/orchestrator"
	"github.com/fanside/aigate/pkg/queue"
	"github.com/fanside/aigate/pkg/ratelimit"

	cachepkg "github.com/fanside/aigate/pkg/cache/sqlite"
)

// newTestServer wires a full stack (real cache, limiter, queue, orchestrator)
// against an httptest upstream standing in for the model service.
func newTestServer(t *testing.T, cfg *config.Config, upstream http.Handler) (*Server, *queue.Queue) {
	t.Helper()
	dir := t.TempDir()

	model := httptest.NewServer(upstream)
	t.Cleanup(model.Close)

	cache, err := cachepkg.New(filepath.Join(dir, "cache.db"), cfg.Cache.TTLByOperation())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	store, err := ratelimit.NewSQLiteStore(filepath.Join(dir, "rate.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	limiter := ratelimit.New(store, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)

	q, err := queue.New(queue.Config{
		MaxSize:          cfg.Queue.MaxSize,
		MaxRetries:       cfg.Queue.MaxRetries,
		Backoff:          cfg.Queue.Backoff,
		BreakerThreshold: cfg.Queue.BreakerThreshold,
		BreakerCooldown:  cfg.Queue.BreakerCooldown,
	}, &queue.MemStore{})
	if err != nil {
		t.Fatal(err)
	}

	client := inference.New(model.URL, "", 5*time.Second)
	orch := orchestrator.New(orchestrator.Config{
		DefaultModel:   cfg.Inference.DefaultModel,
		MaxRetries:     cfg.Inference.MaxRetries,
		RetryBaseDelay: cfg.Inference.RetryBaseDelay,
		Pricing:        cfg.Pricing,
	}, client, cache, limiter, nil, nil, nil, nil)

	return New(cfg, orch, q, nil, nil), q
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Inference.MaxRetries = 0
	cfg.Inference.RetryBaseDelay = time.Millisecond
	return cfg
}

func categorizeUpstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"swift-v2","category":"fan","confidence":0.9,"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`)
	})
}

func postOp(t *testing.T, s *Server, op, identity, content string) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"content":%q}`, content)
	req := httptest.NewRequest(http.MethodPost, "/v1/ops/"+op, strings.NewReader(body))
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+identity)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestOperationAndCacheHeaders(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), categorizeUpstream())

	rec := postOp(t, s, "categorize", "creator-1", "Love your videos!")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Aigate-Cache"); got != "miss" {
		t.Errorf("expected cache miss header, got %q", got)
	}
	if got := rec.Header().Get("X-Aigate-Source"); got != "model" {
		t.Errorf("expected model source header, got %q", got)
	}

	var result models.AIResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Category != "fan" {
		t.Errorf("unexpected category %q", result.Category)
	}

	rec = postOp(t, s, "categorize", "creator-1", "Love your videos!")
	if got := rec.Header().Get("X-Aigate-Cache"); got != "hit" {
		t.Errorf("expected cache hit on second identical call, got %q", got)
	}
	if got := rec.Header().Get("X-Aigate-Source"); got != "cache" {
		t.Errorf("expected cache source header, got %q", got)
	}
}

func TestMissingIdentity(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), categorizeUpstream())

	rec := postOp(t, s, "categorize", "", "hello")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestXAPIKeyHeader(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), categorizeUpstream())

	req := httptest.NewRequest(http.MethodPost, "/v1/ops/categorize", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("X-API-Key", "creator-1")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with X-API-Key auth, got %d", rec.Code)
	}
}

func TestUnknownOperation(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), categorizeUpstream())

	rec := postOp(t, s, "summarize_everything", "creator-1", "hello")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestEmptyContent(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), categorizeUpstream())

	rec := postOp(t, s, "categorize", "creator-1", "  ")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestRateLimitedResponse(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.MaxRequests = 1
	s, _ := newTestServer(t, cfg, categorizeUpstream())

	if rec := postOp(t, s, "categorize", "creator-1", "first message"); rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	rec := postOp(t, s, "categorize", "creator-1", "second message")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
}

func TestFallbackWhenUpstreamFails(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rec := postOp(t, s, "categorize", "creator-1", "I'm such a big fan of your work")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 served by fallback, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Aigate-Source"); got != "fallback" {
		t.Errorf("expected fallback source header, got %q", got)
	}
}

func TestWebhookEnqueuedAndDelivered(t *testing.T) {
	received := make(chan webhookDelivery, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d webhookDelivery
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			t.Errorf("bad webhook payload: %v", err)
		}
		received <- d
	}))
	defer hook.Close()

	cfg := testConfig()
	cfg.Webhook.URL = hook.URL
	cfg.Webhook.MinOpportunityScore = 60

	s, q := newTestServer(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"swift-v2","score":85,"kind":"sponsorship","confidence":0.8}`)
	}))

	rec := postOp(t, s, "opportunity", "creator-1", "We'd love to sponsor your next video")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 queued delivery, got %d", q.Len())
	}

	q.ProcessDue()

	select {
	case d := <-received:
		if d.Kind != "sponsorship" || d.Score != 85 || d.Identity != "creator-1" {
			t.Errorf("unexpected delivery: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
	if q.Len() != 0 {
		t.Errorf("expected queue drained after delivery, got %d", q.Len())
	}
}

func TestWebhookSkippedBelowThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Webhook.URL = "http://127.0.0.1:1/hook"
	cfg.Webhook.MinOpportunityScore = 60

	s, q := newTestServer(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"swift-v2","score":30,"kind":"sales","confidence":0.7}`)
	}))

	if rec := postOp(t, s, "opportunity", "creator-1", "maybe buy something"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if q.Len() != 0 {
		t.Errorf("expected no queued delivery below threshold, got %d", q.Len())
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, testConfig(), categorizeUpstream())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
