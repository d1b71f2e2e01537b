// Package orchestrator is the single entry point for AI operations. It
// composes the result cache, rate limiter, experiment assignment, the model
// client with bounded synchronous retries, and rule-based fallbacks, so no
// caller ever talks to the model service directly.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fanside/aigate/pkg/audit"
	cachepkg "github.com/fanside/aigate/pkg/cache/sqlite"
	"github.com/fanside/aigate/pkg/experiment"
	"github.com/fanside/aigate/pkg/fallback"
	"github.com/fanside/aigate/pkg/inference"
	"github.com/fanside/aigate/pkg/metrics"
	"github.com/fanside/aigate/pkg/models"
)

// ErrRateLimited is matched by errors.Is against a *RateLimitedError.
var ErrRateLimited = errors.New("rate limited")

// ErrModelUnavailable is returned when all retries are exhausted and no
// fallback heuristic exists for the operation.
var ErrModelUnavailable = errors.New("model service unavailable")

// RateLimitedError carries retry-after information for a denied request.
type RateLimitedError struct {
	RetryAfter time.Duration
	ResetAt    time.Time
	Limit      int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: try again in %s", e.RetryAfter.Round(time.Second))
}

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// ResultCache is the cache surface the orchestrator needs.
type ResultCache interface {
	Get(ctx context.Context, key, identity string) ([]byte, bool)
	Set(ctx context.Context, key, identity string, op models.OperationType, payload []byte) error
}

// RateChecker admits or denies a request for an identity.
type RateChecker interface {
	Check(ctx context.Context, identity string) models.RateStatus
}

// Experiments resolves active experiments and accumulates outcomes.
type Experiments interface {
	ActiveFor(ctx context.Context, op models.OperationType) (*models.Experiment, error)
	RecordOutcome(ctx context.Context, experimentID, variant string, out models.Outcome) error
}

// ModelInvoker calls the model inference service.
type ModelInvoker interface {
	Invoke(ctx context.Context, req inference.Request) (*inference.Response, error)
}

// UsageRecorder persists per-call usage and cost.
type UsageRecorder interface {
	Record(ctx context.Context, rec models.UsageRecord) error
}

// Auditor records calls for operator inspection.
type Auditor interface {
	Log(ctx context.Context, entry models.AuditEntry) error
}

// Config controls the orchestrator's synchronous retry policy and pricing.
// This retry loop is deliberately smaller-scoped than the retry queue's: it
// is bounded and synchronous to keep request latency acceptable.
type Config struct {
	DefaultModel   string
	MaxRetries     int
	RetryBaseDelay time.Duration
	Pricing        []models.ModelPricing
}

// Request is one AI operation invocation on behalf of an identity.
type Request struct {
	Identity  string
	Operation models.OperationType
	Content   string
}

// Orchestrator wires the resilience layer together. Any collaborator except
// the model invoker may be nil, which disables that concern.
type Orchestrator struct {
	cfg         Config
	model       ModelInvoker
	cache       ResultCache
	limiter     RateChecker
	experiments Experiments
	usage       UsageRecorder
	auditor     Auditor
	metrics     *metrics.Metrics
	pricing     map[string]models.ModelPricing
}

// New creates an Orchestrator with its collaborators.
func New(cfg Config, model ModelInvoker, cache ResultCache, limiter RateChecker,
	exps Experiments, usage UsageRecorder, auditor Auditor, m *metrics.Metrics) *Orchestrator {

	pricing := make(map[string]models.ModelPricing, len(cfg.Pricing))
	for _, p := range cfg.Pricing {
		pricing[p.Model] = p
	}

	return &Orchestrator{
		cfg:         cfg,
		model:       model,
		cache:       cache,
		limiter:     limiter,
		experiments: exps,
		usage:       usage,
		auditor:     auditor,
		metrics:     m,
		pricing:     pricing,
	}
}

// Process runs one AI operation: cache lookup, rate-limit check, variant
// resolution, the bounded retry loop against the model, fallback on
// exhaustion, then best-effort result and metric writes. A cache hit skips
// the rate limiter entirely. Failures of the trailing writes never turn a
// usable result into an error.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*models.AIResult, error) {
	key := cachepkg.Key(req.Content, req.Operation)

	if o.cache != nil {
		if payload, ok := o.cache.Get(ctx, key, req.Identity); ok {
			var result models.AIResult
			if err := json.Unmarshal(payload, &result); err == nil {
				result.Source = models.SourceCache
				if o.metrics != nil {
					o.metrics.CacheHits.WithLabelValues(string(req.Operation)).Inc()
				}
				return &result, nil
			}
			log.Printf("discarding undecodable cache entry %s: treating as miss", key)
		}
		if o.metrics != nil {
			o.metrics.CacheMisses.WithLabelValues(string(req.Operation)).Inc()
		}
	}

	if o.limiter != nil {
		st := o.limiter.Check(ctx, req.Identity)
		if !st.Allowed {
			if o.metrics != nil {
				o.metrics.RateLimitDenials.Inc()
			}
			return nil, &RateLimitedError{RetryAfter: st.RetryAfter, ResetAt: st.ResetAt, Limit: st.Limit}
		}
	}

	variant, experimentID, varCfg := o.resolveVariant(ctx, req)

	start := time.Now()
	resp, lastErr := o.invokeWithRetries(ctx, req, varCfg)
	latency := time.Since(start)

	success := resp != nil
	modelName := varCfg.Model
	var usage models.Usage
	var result *models.AIResult

	if success {
		result = resultFromResponse(resp, req.Operation)
		result.Variant = variant
		if resp.Model != "" {
			modelName = resp.Model
			result.Model = resp.Model
		}
		if resp.Usage != nil {
			usage = *resp.Usage
		}
	} else {
		fb, ok := fallback.Apply(req.Operation, req.Content)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, lastErr)
		}
		fb.Variant = variant
		result = fb
		if o.metrics != nil {
			o.metrics.Fallbacks.WithLabelValues(string(req.Operation)).Inc()
		}
	}

	if o.metrics != nil {
		outcome := "success"
		if !success {
			outcome = "failure"
		}
		o.metrics.ModelCalls.WithLabelValues(string(req.Operation), outcome).Inc()
		o.metrics.ModelCallLatency.WithLabelValues(string(req.Operation)).Observe(latency.Seconds())
	}

	o.recordResult(ctx, req, key, result, experimentID, variant, modelName, usage, latency, success, lastErr)
	return result, nil
}

// resolveVariant picks the experiment variant for this identity, or the
// default configuration when no experiment is active for the operation.
func (o *Orchestrator) resolveVariant(ctx context.Context, req Request) (variant, experimentID string, varCfg models.VariantConfig) {
	varCfg = models.VariantConfig{Model: o.cfg.DefaultModel}
	if o.experiments == nil {
		return "", "", varCfg
	}

	exp, err := o.experiments.ActiveFor(ctx, req.Operation)
	if err != nil {
		log.Printf("experiment lookup failed: %v", err)
		return "", "", varCfg
	}
	if exp == nil {
		return "", "", varCfg
	}

	variant = experiment.AssignVariant(exp.ID, req.Identity, exp.SplitRatio)
	if variant == "A" {
		varCfg = exp.VariantA
	} else {
		varCfg = exp.VariantB
	}
	if varCfg.Model == "" {
		varCfg.Model = o.cfg.DefaultModel
	}
	return variant, exp.ID, varCfg
}

// invokeWithRetries calls the model up to MaxRetries+1 times with exponential
// backoff. A structurally invalid response counts as a failure and is retried
// like any other.
func (o *Orchestrator) invokeWithRetries(ctx context.Context, req Request, varCfg models.VariantConfig) (*inference.Response, error) {
	var lastErr error
	attempts := o.cfg.MaxRetries + 1

	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := o.cfg.RetryBaseDelay * (1 << (i - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := o.model.Invoke(ctx, inference.Request{
			Operation: req.Operation,
			Content:   req.Content,
			Variant:   varCfg,
		})
		if err == nil {
			err = resp.Validate(req.Operation)
			if err == nil {
				return resp, nil
			}
		}
		lastErr = err
		log.Printf("model call attempt %d/%d for %s failed: %v", i+1, attempts, req.Operation, err)
	}
	return nil, lastErr
}

// recordResult performs the trailing best-effort writes: cache, experiment
// outcome, usage, and audit. Errors are logged and swallowed.
func (o *Orchestrator) recordResult(ctx context.Context, req Request, key string,
	result *models.AIResult, experimentID, variant, modelName string,
	usage models.Usage, latency time.Duration, success bool, lastErr error) {

	if o.cache != nil {
		if payload, err := json.Marshal(result); err == nil {
			if err := o.cache.Set(ctx, key, req.Identity, req.Operation, payload); err != nil {
				log.Printf("cache write failed: %v", err)
			}
		}
	}

	if o.experiments != nil && experimentID != "" {
		out := models.Outcome{
			LatencyMs: float64(latency.Milliseconds()),
			Cost:      o.costFor(modelName, usage),
			Success:   success,
		}
		if err := o.experiments.RecordOutcome(ctx, experimentID, variant, out); err != nil {
			log.Printf("experiment outcome write failed: %v", err)
		}
	}

	if o.usage != nil {
		rec := models.UsageRecord{
			Identity:         req.Identity,
			Operation:        req.Operation,
			Variant:          variant,
			Model:            result.Model,
			Source:           result.Source,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
			CostUSD:          o.costFor(modelName, usage),
			LatencyMs:        latency.Milliseconds(),
			Success:          success,
			CreatedAt:        time.Now().UTC(),
		}
		if err := o.usage.Record(ctx, rec); err != nil {
			log.Printf("usage record failed: %v", err)
		}
	}

	if o.auditor != nil {
		hash, prefix := audit.HashIdentity(req.Identity)
		resultJSON, _ := json.Marshal(result)
		entry := models.AuditEntry{
			RequestID:      generateRequestID(),
			IdentityHash:   hash,
			IdentityPrefix: prefix,
			Operation:      req.Operation,
			Variant:        variant,
			Model:          result.Model,
			Source:         result.Source,
			Content:        req.Content,
			Result:         string(resultJSON),
			TotalTokens:    usage.TotalTokens,
			LatencyMs:      latency.Milliseconds(),
			Success:        success,
			CreatedAt:      time.Now().UTC(),
		}
		go func() {
			if err := o.auditor.Log(context.Background(), entry); err != nil {
				log.Printf("audit log error: %v", err)
			}
		}()
	}

	if !success && lastErr != nil {
		log.Printf("%s served by fallback after exhausted retries: %v", req.Operation, lastErr)
	}
}

func (o *Orchestrator) costFor(model string, usage models.Usage) float64 {
	p, ok := o.pricing[model]
	if !ok {
		return 0
	}
	return p.CostForUsage(usage)
}

func resultFromResponse(resp *inference.Response, op models.OperationType) *models.AIResult {
	return &models.AIResult{
		Operation:  op,
		Source:     models.SourceModel,
		Model:      resp.Model,
		Category:   resp.Category,
		Reply:      resp.Reply,
		Score:      resp.Score,
		Kind:       resp.Kind,
		Answer:     resp.Answer,
		Question:   resp.Question,
		Summary:    resp.Summary,
		Confidence: resp.Confidence,
	}
}

// generateRequestID creates an ID like req_9f2ac481.
func generateRequestID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return "req_" + hex.EncodeToString(b)
}
