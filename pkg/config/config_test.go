package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fanside/aigate/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8090" {
		t.Errorf("expected :8090, got %s", cfg.Listen)
	}
	if cfg.RateLimit.MaxRequests != 30 {
		t.Errorf("expected 30 max requests, got %d", cfg.RateLimit.MaxRequests)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("expected 5 max retries, got %d", cfg.Queue.MaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestTTLByOperation(t *testing.T) {
	cfg := Default()
	ttls := cfg.Cache.TTLByOperation()

	if ttls[models.OpCategorize] != 24*time.Hour {
		t.Errorf("expected 24h for categorize, got %v", ttls[models.OpCategorize])
	}
	if ttls[models.OpDailyDigest] != 0 {
		t.Errorf("expected 0 for daily_digest, got %v", ttls[models.OpDailyDigest])
	}

	// Overrides replace defaults; unknown names are ignored.
	cfg.Cache.TTL = map[string]time.Duration{
		"categorize": 2 * time.Hour,
		"bogus_op":   time.Minute,
	}
	ttls = cfg.Cache.TTLByOperation()
	if ttls[models.OpCategorize] != 2*time.Hour {
		t.Errorf("expected override 2h, got %v", ttls[models.OpCategorize])
	}
	if ttls[models.OpAutoRespond] != time.Hour {
		t.Errorf("expected default 1h for auto_respond, got %v", ttls[models.OpAutoRespond])
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_INFERENCE_KEY", "sk-test-123")

	content := `
listen: ":9090"
db_path: "test.db"
inference:
  url: https://inference.example.com
  api_key: ${TEST_INFERENCE_KEY}
  max_retries: 2
  retry_base_delay: 100ms
rate_limit:
  enabled: true
  max_requests: 10
  window: 30s
cache:
  enabled: true
  ttl:
    faq_match: 72h
    daily_digest: 0s
queue:
  max_size: 50
  max_retries: 3
  backoff: [500ms, 1s, 2s]
  breaker_threshold: 4
  breaker_cooldown: 1m
experiments:
  enabled: true
  min_sample: 10
pricing:
  - model: swift-v2
    prompt_cost_per_1k: 0.0008
    completion_cost_per_1k: 0.0024
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Inference.APIKey != "sk-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Inference.APIKey)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("expected 30s window, got %v", cfg.RateLimit.Window)
	}
	if len(cfg.Queue.Backoff) != 3 || cfg.Queue.Backoff[0] != 500*time.Millisecond {
		t.Errorf("unexpected backoff schedule: %v", cfg.Queue.Backoff)
	}
	ttls := cfg.Cache.TTLByOperation()
	if ttls[models.OpFAQMatch] != 72*time.Hour {
		t.Errorf("expected 72h faq_match TTL, got %v", ttls[models.OpFAQMatch])
	}
	if cfg.Experiments.MinSample != 10 {
		t.Errorf("expected min_sample 10, got %d", cfg.Experiments.MinSample)
	}
	if len(cfg.Pricing) != 1 || cfg.Pricing[0].Model != "swift-v2" {
		t.Errorf("unexpected pricing: %+v", cfg.Pricing)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Queue.Backoff = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty backoff")
	}

	cfg = Default()
	cfg.RateLimit.MaxRequests = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero max_requests")
	}

	cfg = Default()
	cfg.Experiments.Weights = ScoreWeights{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for all-zero weights")
	}
}
