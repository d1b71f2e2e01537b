// Package inference is the HTTP client for the model inference service.
// Transport errors, non-2xx statuses, and malformed bodies are all surfaced
// uniformly as ErrCallFailed so callers can treat them as retryable.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fanside/aigate/pkg/models"
)

// ErrCallFailed marks any transient model-service failure.
var ErrCallFailed = errors.New("model call failed")

// ErrInvalidResponse marks a response that failed schema validation. Callers
// treat it like a call failure for retry purposes.
var ErrInvalidResponse = errors.New("model response invalid")

// Request is one model invocation.
type Request struct {
	Operation models.OperationType `json:"operation"`
	Content   string               `json:"content"`
	Variant   models.VariantConfig `json:"variant"`
}

// Response is the structured model output for any operation. Which fields are
// required depends on the operation; Validate enforces that.
type Response struct {
	Model      string        `json:"model"`
	Category   string        `json:"category,omitempty"`
	Reply      string        `json:"reply,omitempty"`
	Score      int           `json:"score"`
	Kind       string        `json:"kind,omitempty"`
	Answer     string        `json:"answer,omitempty"`
	Question   string        `json:"question,omitempty"`
	Summary    string        `json:"summary,omitempty"`
	Confidence float64       `json:"confidence"`
	Usage      *models.Usage `json:"usage,omitempty"`
}

// Validate enforces the per-operation response schema: required fields
// present, confidence in [0,1], opportunity score in [0,100], category from
// the allowed set.
func (r *Response) Validate(op models.OperationType) error {
	if r.Model == "" {
		return fmt.Errorf("%w: missing model", ErrInvalidResponse)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrInvalidResponse, r.Confidence)
	}

	switch op {
	case models.OpCategorize:
		if !models.ValidCategory(r.Category) {
			return fmt.Errorf("%w: unknown category %q", ErrInvalidResponse, r.Category)
		}
	case models.OpAutoRespond:
		if r.Reply == "" {
			return fmt.Errorf("%w: missing reply", ErrInvalidResponse)
		}
	case models.OpOpportunity:
		if r.Score < 0 || r.Score > 100 {
			return fmt.Errorf("%w: score %d out of range", ErrInvalidResponse, r.Score)
		}
	case models.OpFAQMatch:
		if r.Answer == "" {
			return fmt.Errorf("%w: missing answer", ErrInvalidResponse)
		}
	case models.OpDailyDigest:
		if r.Summary == "" {
			return fmt.Errorf("%w: missing summary", ErrInvalidResponse)
		}
	}
	return nil
}

// Client calls the model inference service.
type Client struct {
	url    string
	apiKey string
	http   *http.Client
}

// New creates a Client for the service at url.
func New(url, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		url:    url,
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

// Invoke sends one request and parses the structured response. Schema
// validation is the caller's concern; Invoke only guarantees well-formed
// JSON from a 2xx status.
func (c *Client) Invoke(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/infer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrCallFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrCallFailed, resp.StatusCode)
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed body: %v", ErrCallFailed, err)
	}
	return &out, nil
}
