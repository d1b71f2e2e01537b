// Package server is the HTTP face of the orchestrator. It extracts the
// caller identity, dispatches AI operations, and turns orchestrator errors
// into HTTP status codes. Detected opportunities are handed to the durable
// retry queue for webhook delivery.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fanside/aigate/pkg/config"
	"github.com/fanside/aigate/pkg/metrics"
	"github.com/fanside/aigate/pkg/models"
	"github.com/fanside/aigate/pkg/orchestrator"
	"github.com/fanside/aigate/pkg/queue"
)

// Processor runs one AI operation end to end.
type Processor interface {
	Process(ctx context.Context, req orchestrator.Request) (*models.AIResult, error)
}

// Server exposes the AI operations over HTTP.
type Server struct {
	cfg     *config.Config
	orch    Processor
	queue   *queue.Queue
	metrics *metrics.Metrics
	mux     *http.ServeMux
	webhook *http.Client
}

// New creates a Server and registers the webhook delivery processor on the
// queue. reg may be nil to disable the /metrics endpoint.
func New(cfg *config.Config, orch Processor, q *queue.Queue, m *metrics.Metrics, reg *prometheus.Registry) *Server {
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		queue:   q,
		metrics: m,
		mux:     http.NewServeMux(),
		webhook: &http.Client{Timeout: 10 * time.Second},
	}
	s.mux.HandleFunc("/v1/ops/", s.handleOperation)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	if reg != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	if q != nil {
		q.RegisterProcessor("webhook_delivery", s.deliverWebhook)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe runs the HTTP server and the queue dispatch loop until ctx
// is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("aigate listening on %s", s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.queue != nil {
		g.Go(func() error {
			if err := s.queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if s.metrics != nil && s.queue != nil {
		g.Go(func() error {
			s.syncQueueGauges(ctx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// syncQueueGauges refreshes the queue depth and breaker gauges until ctx is
// cancelled.
func (s *Server) syncQueueGauges(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.QueueDepth.Set(float64(s.queue.Len()))
			if s.queue.Breaker().Active {
				s.metrics.BreakerOpen.Set(1)
			} else {
				s.metrics.BreakerOpen.Set(0)
			}
		}
	}
}

type operationRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	identity := extractIdentity(r)
	if identity == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	opName := strings.TrimPrefix(r.URL.Path, "/v1/ops/")
	op, err := models.ParseOperationType(opName)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown operation %q", opName))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body.Close()

	var req operationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSONError(w, http.StatusBadRequest, "content is required")
		return
	}

	result, err := s.orch.Process(r.Context(), orchestrator.Request{
		Identity:  identity,
		Operation: op,
		Content:   req.Content,
	})
	if err != nil {
		var rle *orchestrator.RateLimitedError
		switch {
		case errors.As(err, &rle):
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rle.RetryAfter)))
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		case errors.Is(err, orchestrator.ErrModelUnavailable):
			writeJSONError(w, http.StatusServiceUnavailable, "model service unavailable")
		default:
			log.Printf("operation %s failed: %v", op, err)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	s.maybeEnqueueWebhook(identity, result)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Aigate-Source", string(result.Source))
	if result.Source == models.SourceCache {
		w.Header().Set("X-Aigate-Cache", "hit")
	} else {
		w.Header().Set("X-Aigate-Cache", "miss")
	}
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// webhookDelivery is the payload queued for an opportunity notification.
type webhookDelivery struct {
	Identity   string `json:"identity"`
	Operation  string `json:"operation"`
	Kind       string `json:"kind"`
	Score      int    `json:"score"`
	Source     string `json:"source"`
	DetectedAt string `json:"detected_at"`
}

// maybeEnqueueWebhook queues a webhook delivery for opportunity results at
// or above the configured score threshold. Cache hits are skipped so a
// repeated lookup does not re-notify.
func (s *Server) maybeEnqueueWebhook(identity string, result *models.AIResult) {
	if s.queue == nil || s.cfg.Webhook.URL == "" {
		return
	}
	if result.Operation != models.OpOpportunity || result.Source == models.SourceCache {
		return
	}
	if result.Kind == "" || result.Kind == models.OpportunityNone {
		return
	}
	if result.Score < s.cfg.Webhook.MinOpportunityScore {
		return
	}

	payload, err := json.Marshal(webhookDelivery{
		Identity:   identity,
		Operation:  string(result.Operation),
		Kind:       result.Kind,
		Score:      result.Score,
		Source:     string(result.Source),
		DetectedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if _, err := s.queue.Enqueue("webhook_delivery", payload); err != nil {
		log.Printf("webhook enqueue failed: %v", err)
	}
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(s.queue.Len()))
	}
}

// deliverWebhook posts one queued payload to the configured webhook URL.
func (s *Server) deliverWebhook(item queue.Item) bool {
	req, err := http.NewRequest(http.MethodPost, s.cfg.Webhook.URL, bytes.NewReader(item.Payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.webhook.Do(req)
	if err != nil {
		log.Printf("webhook delivery %s failed: %v", item.ID, err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("webhook delivery %s returned %d", item.ID, resp.StatusCode)
		return false
	}
	return true
}

// retryAfterSeconds rounds a retry-after duration up to whole seconds, with
// a floor of 1 so clients never see Retry-After: 0.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func extractIdentity(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"aigate_error","code":%d}}`, message, code)
}
