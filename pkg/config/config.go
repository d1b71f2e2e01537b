package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fanside/aigate/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all aigate configuration.
type Config struct {
	Listen      string                `yaml:"listen"`
	DBPath      string                `yaml:"db_path"`
	QueuePath   string                `yaml:"queue_path"`
	Inference   InferenceConfig       `yaml:"inference"`
	RateLimit   RateLimitConfig       `yaml:"rate_limit"`
	Cache       CacheConfig           `yaml:"cache"`
	Queue       QueueConfig           `yaml:"queue"`
	Experiments ExperimentsConfig     `yaml:"experiments"`
	Webhook     WebhookConfig         `yaml:"webhook"`
	Audit       models.AuditConfig    `yaml:"audit"`
	Pricing     []models.ModelPricing `yaml:"pricing"`
}

// InferenceConfig defines the upstream model inference service and the
// bounded synchronous retry policy applied to it.
type InferenceConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	DefaultModel   string        `yaml:"default_model"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

// RateLimitConfig controls the per-identity sliding window.
type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// CacheConfig controls the result cache. TTL maps operation wire names to
// expirations; a zero duration disables caching for that operation.
type CacheConfig struct {
	Enabled bool                     `yaml:"enabled"`
	TTL     map[string]time.Duration `yaml:"ttl"`
}

// TTLByOperation returns the effective per-operation TTL table, with
// configured values overriding defaults.
func (c CacheConfig) TTLByOperation() map[models.OperationType]time.Duration {
	ttls := map[models.OperationType]time.Duration{
		models.OpCategorize:  24 * time.Hour,
		models.OpAutoRespond: time.Hour,
		models.OpOpportunity: 6 * time.Hour,
		models.OpFAQMatch:    7 * 24 * time.Hour,
		models.OpDailyDigest: 0,
	}
	for name, ttl := range c.TTL {
		op, err := models.ParseOperationType(name)
		if err != nil {
			continue
		}
		ttls[op] = ttl
	}
	return ttls
}

// QueueConfig controls the durable retry queue.
type QueueConfig struct {
	MaxSize          int             `yaml:"max_size"`
	MaxRetries       int             `yaml:"max_retries"`
	Backoff          []time.Duration `yaml:"backoff"`
	BreakerThreshold int             `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration   `yaml:"breaker_cooldown"`
}

// ExperimentsConfig controls A/B comparison scoring.
type ExperimentsConfig struct {
	Enabled   bool         `yaml:"enabled"`
	MinSample int64        `yaml:"min_sample"`
	Weights   ScoreWeights `yaml:"weights"`
	TieMargin float64      `yaml:"tie_margin"`
}

// ScoreWeights weight the composite comparison score. Success carries the
// most weight, then cost, then latency.
type ScoreWeights struct {
	Success float64 `yaml:"success"`
	Cost    float64 `yaml:"cost"`
	Latency float64 `yaml:"latency"`
}

// WebhookConfig defines where detected opportunities are delivered.
type WebhookConfig struct {
	URL                 string `yaml:"url"`
	MinOpportunityScore int    `yaml:"min_opportunity_score"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:    ":8090",
		DBPath:    "aigate.db",
		QueuePath: "aigate-queue.json",
		Inference: InferenceConfig{
			DefaultModel:   "swift-v2",
			Timeout:        20 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 200 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			MaxRequests: 30,
			Window:      time.Minute,
		},
		Cache: CacheConfig{
			Enabled: true,
		},
		Queue: QueueConfig{
			MaxSize:          500,
			MaxRetries:       5,
			Backoff:          []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second},
			BreakerThreshold: 10,
			BreakerCooldown:  2 * time.Minute,
		},
		Experiments: ExperimentsConfig{
			Enabled:   true,
			MinSample: 30,
			Weights:   ScoreWeights{Success: 0.5, Cost: 0.3, Latency: 0.2},
			TieMargin: 0.02,
		},
		Webhook: WebhookConfig{
			MinOpportunityScore: 60,
		},
		Audit: models.AuditConfig{
			DBPath:        "aigate-audit.db",
			RetentionDays: 30,
			MaxBodySize:   8192,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that YAML decoding cannot.
func (c *Config) Validate() error {
	if c.RateLimit.Enabled && c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rate_limit.max_requests must be positive")
	}
	if c.RateLimit.Enabled && c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive")
	}
	if len(c.Queue.Backoff) == 0 {
		return fmt.Errorf("queue.backoff must not be empty")
	}
	if c.Experiments.MinSample < 1 {
		return fmt.Errorf("experiments.min_sample must be at least 1")
	}
	w := c.Experiments.Weights
	if w.Success < 0 || w.Cost < 0 || w.Latency < 0 || w.Success+w.Cost+w.Latency == 0 {
		return fmt.Errorf("experiments.weights must be non-negative and not all zero")
	}
	return nil
}
