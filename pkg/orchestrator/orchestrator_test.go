package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fanside/aigate/pkg/inference"
	"github.com/fanside/aigate/pkg/models"
)

type mockModel struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many calls before succeeding
	resp     *inference.Response
}

func (m *mockModel) Invoke(_ context.Context, _ inference.Request) (*inference.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return nil, inference.ErrCallFailed
	}
	return m.resp, nil
}

func (m *mockModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    int
	sets    int
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string][]byte)}
}

func (c *mockCache) Get(_ context.Context, key, identity string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	payload, ok := c.entries[identity+"|"+key]
	return payload, ok
}

func (c *mockCache) Set(_ context.Context, key, identity string, _ models.OperationType, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[identity+"|"+key] = payload
	return nil
}

type mockLimiter struct {
	mu      sync.Mutex
	calls   int
	allowed bool
}

func (l *mockLimiter) Check(_ context.Context, _ string) models.RateStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.allowed {
		return models.RateStatus{Allowed: true, Limit: 30, Remaining: 29}
	}
	return models.RateStatus{
		Allowed:    false,
		Limit:      30,
		RetryAfter: 42 * time.Second,
		ResetAt:    time.Now().Add(42 * time.Second),
	}
}

func (l *mockLimiter) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type mockExperiments struct {
	exp      *models.Experiment
	outcomes []models.Outcome
	variants []string
}

func (e *mockExperiments) ActiveFor(_ context.Context, _ models.OperationType) (*models.Experiment, error) {
	return e.exp, nil
}

func (e *mockExperiments) RecordOutcome(_ context.Context, _ string, variant string, out models.Outcome) error {
	e.outcomes = append(e.outcomes, out)
	e.variants = append(e.variants, variant)
	return nil
}

type mockUsage struct {
	records []models.UsageRecord
}

func (u *mockUsage) Record(_ context.Context, rec models.UsageRecord) error {
	u.records = append(u.records, rec)
	return nil
}

func categorizeResp() *inference.Response {
	return &inference.Response{
		Model:      "swift-v2",
		Category:   models.CategoryFan,
		Confidence: 0.92,
		Usage:      &models.Usage{PromptTokens: 40, CompletionTokens: 5, TotalTokens: 45},
	}
}

func testConfig() Config {
	return Config{
		DefaultModel:   "swift-v2",
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		Pricing: []models.ModelPricing{
			{Model: "swift-v2", PromptCost: 0.001, CompletionCost: 0.002},
		},
	}
}

func TestProcessSuccess(t *testing.T) {
	model := &mockModel{resp: categorizeResp()}
	cache := newMockCache()
	limiter := &mockLimiter{allowed: true}
	usage := &mockUsage{}
	o := New(testConfig(), model, cache, limiter, nil, usage, nil, nil)

	result, err := o.Process(context.Background(), Request{
		Identity:  "creator-1",
		Operation: models.OpCategorize,
		Content:   "Love your content!",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Category != models.CategoryFan || result.Source != models.SourceModel {
		t.Errorf("unexpected result: %+v", result)
	}
	if model.callCount() != 1 {
		t.Errorf("expected 1 model call, got %d", model.callCount())
	}
	if cache.sets != 1 {
		t.Errorf("expected result cached, got %d sets", cache.sets)
	}
	if len(usage.records) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(usage.records))
	}
	rec := usage.records[0]
	if rec.TotalTokens != 45 || !rec.Success || rec.Source != models.SourceModel {
		t.Errorf("unexpected usage record: %+v", rec)
	}
	// 40 prompt tokens at 0.001/1k plus 5 completion at 0.002/1k.
	if want := 0.00005; rec.CostUSD < want*0.99 || rec.CostUSD > want*1.01 {
		t.Errorf("unexpected cost: %v", rec.CostUSD)
	}
}

func TestCacheHitSkipsLimiterAndModel(t *testing.T) {
	model := &mockModel{resp: categorizeResp()}
	cache := newMockCache()
	limiter := &mockLimiter{allowed: true}
	o := New(testConfig(), model, cache, limiter, nil, nil, nil, nil)

	req := Request{Identity: "creator-1", Operation: models.OpCategorize, Content: "Love your content!"}

	if _, err := o.Process(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	result, err := o.Process(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.Source != models.SourceCache {
		t.Errorf("expected cached result, got source %s", result.Source)
	}
	if model.callCount() != 1 {
		t.Errorf("expected model untouched on cache hit, got %d calls", model.callCount())
	}
	if limiter.callCount() != 1 {
		t.Errorf("expected limiter untouched on cache hit, got %d calls", limiter.callCount())
	}
}

func TestRateLimited(t *testing.T) {
	model := &mockModel{resp: categorizeResp()}
	limiter := &mockLimiter{allowed: false}
	o := New(testConfig(), model, nil, limiter, nil, nil, nil, nil)

	_, err := o.Process(context.Background(), Request{
		Identity: "creator-1", Operation: models.OpCategorize, Content: "hi",
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatal("expected *RateLimitedError")
	}
	if rle.RetryAfter != 42*time.Second {
		t.Errorf("expected retry-after carried through, got %v", rle.RetryAfter)
	}
	if model.callCount() != 0 {
		t.Errorf("expected no model call when rate limited, got %d", model.callCount())
	}
}

func TestRetriesThenSuccess(t *testing.T) {
	model := &mockModel{resp: categorizeResp(), failures: 3}
	o := New(testConfig(), model, nil, nil, nil, nil, nil, nil)

	result, err := o.Process(context.Background(), Request{
		Identity: "creator-1", Operation: models.OpCategorize, Content: "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Source != models.SourceModel {
		t.Errorf("expected model result after retries, got %s", result.Source)
	}
	// maxRetries=3 means up to 4 attempts total.
	if model.callCount() != 4 {
		t.Errorf("expected exactly 4 model calls, got %d", model.callCount())
	}
}

func TestFallbackAfterExhaustion(t *testing.T) {
	model := &mockModel{failures: 100}
	usage := &mockUsage{}
	o := New(testConfig(), model, nil, nil, nil, usage, nil, nil)

	result, err := o.Process(context.Background(), Request{
		Identity: "creator-1", Operation: models.OpCategorize, Content: "I'm a huge fan!",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Source != models.SourceFallback {
		t.Errorf("expected fallback marker, got %s", result.Source)
	}
	if result.Category == "" {
		t.Error("expected a usable heuristic category")
	}
	if model.callCount() != 4 {
		t.Errorf("expected 4 attempts before fallback, got %d", model.callCount())
	}
	if len(usage.records) != 1 || usage.records[0].Success {
		t.Errorf("expected a failed usage record, got %+v", usage.records)
	}
}

func TestInvalidResponseRetried(t *testing.T) {
	// Structurally invalid: category outside the allowed set.
	model := &mockModel{resp: &inference.Response{Model: "swift-v2", Category: "nonsense", Confidence: 0.9}}
	o := New(testConfig(), model, nil, nil, nil, nil, nil, nil)

	result, err := o.Process(context.Background(), Request{
		Identity: "creator-1", Operation: models.OpCategorize, Content: "hello there",
	})
	if err != nil {
		t.Fatal(err)
	}
	if model.callCount() != 4 {
		t.Errorf("expected invalid responses retried 4 times, got %d calls", model.callCount())
	}
	if result.Source != models.SourceFallback {
		t.Errorf("expected fallback after invalid responses, got %s", result.Source)
	}
}

func TestExperimentVariantAndOutcome(t *testing.T) {
	exps := &mockExperiments{exp: &models.Experiment{
		ID:         "exp-1",
		Operation:  models.OpCategorize,
		VariantA:   models.VariantConfig{Model: "swift-v2"},
		VariantB:   models.VariantConfig{Model: "swift-v3"},
		SplitRatio: 0.5,
		Active:     true,
	}}
	model := &mockModel{resp: categorizeResp()}
	o := New(testConfig(), model, nil, nil, exps, nil, nil, nil)

	result, err := o.Process(context.Background(), Request{
		Identity: "creator-1", Operation: models.OpCategorize, Content: "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Variant != "A" && result.Variant != "B" {
		t.Errorf("expected a variant assignment, got %q", result.Variant)
	}
	if len(exps.outcomes) != 1 {
		t.Fatalf("expected 1 recorded outcome, got %d", len(exps.outcomes))
	}
	if !exps.outcomes[0].Success {
		t.Error("expected a successful outcome")
	}
	if exps.variants[0] != result.Variant {
		t.Errorf("outcome recorded against %s, result says %s", exps.variants[0], result.Variant)
	}

	// Outcomes are recorded for fallback-served calls too.
	model2 := &mockModel{failures: 100}
	exps2 := &mockExperiments{exp: exps.exp}
	o2 := New(testConfig(), model2, nil, nil, exps2, nil, nil, nil)
	if _, err := o2.Process(context.Background(), Request{
		Identity: "creator-1", Operation: models.OpCategorize, Content: "hi",
	}); err != nil {
		t.Fatal(err)
	}
	if len(exps2.outcomes) != 1 || exps2.outcomes[0].Success {
		t.Errorf("expected a failed outcome for fallback-served call, got %+v", exps2.outcomes)
	}
}

func TestNoFallbackDefined(t *testing.T) {
	model := &mockModel{failures: 100}
	cfg := testConfig()
	cfg.MaxRetries = 0
	o := New(cfg, model, nil, nil, nil, nil, nil, nil)

	_, err := o.Process(context.Background(), Request{
		Identity: "creator-1", Operation: models.OperationType("unsupported"), Content: "hi",
	})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}
