package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the AI call layer.
type Metrics struct {
	ModelCalls       *prometheus.CounterVec
	ModelCallLatency *prometheus.HistogramVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	RateLimitDenials prometheus.Counter
	Fallbacks        *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	QueueRetries     prometheus.Counter
	QueueDrops       prometheus.Counter
	BreakerOpen      prometheus.Gauge
}

// New creates and registers all metrics with the provided registry.
func New(reg prometheus.Registerer) *Metrics {
	modelCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aigate_model_calls_total",
		Help: "Total model service invocations by operation and outcome",
	}, []string{"operation", "outcome"})

	modelCallLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aigate_model_call_seconds",
		Help:    "Model call latency including synchronous retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	cacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aigate_cache_hits_total",
		Help: "Result cache hits by operation",
	}, []string{"operation"})

	cacheMisses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aigate_cache_misses_total",
		Help: "Result cache misses by operation",
	}, []string{"operation"})

	rateLimitDenials := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aigate_rate_limit_denials_total",
		Help: "Requests denied by the rate limiter",
	})

	fallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aigate_fallbacks_total",
		Help: "Results served by rule-based fallback heuristics",
	}, []string{"operation"})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aigate_queue_depth",
		Help: "Items currently in the retry queue",
	})

	queueRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aigate_queue_retries_total",
		Help: "Retry queue item dispatch attempts",
	})

	queueDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aigate_queue_drops_total",
		Help: "Retry queue items dropped after exhausting retries",
	})

	breakerOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aigate_queue_breaker_open",
		Help: "1 while the retry queue circuit breaker is open",
	})

	reg.MustRegister(modelCalls, modelCallLatency, cacheHits, cacheMisses,
		rateLimitDenials, fallbacks, queueDepth, queueRetries, queueDrops, breakerOpen)

	return &Metrics{
		ModelCalls:       modelCalls,
		ModelCallLatency: modelCallLatency,
		CacheHits:        cacheHits,
		CacheMisses:      cacheMisses,
		RateLimitDenials: rateLimitDenials,
		Fallbacks:        fallbacks,
		QueueDepth:       queueDepth,
		QueueRetries:     queueRetries,
		QueueDrops:       queueDrops,
		BreakerOpen:      breakerOpen,
	}
}
