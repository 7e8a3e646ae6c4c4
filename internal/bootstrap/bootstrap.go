// Package bootstrap is the client for the conversation bootstrap API, which
// creates a conversation for a specialty focus and session type and returns
// its id. The id is what a voice session is started with.
//
// Every endpoint is guarded by its own circuit breaker; equivalent endpoints
// are tried in order. Client mistakes (4xx) are returned as [*StatusError]
// without tripping a breaker or failing over.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/tutorlink/internal/observe"
	"github.com/MrWong99/tutorlink/internal/resilience"
)

// createPath is appended to each endpoint base URL.
const createPath = "/api/conversations"

// ErrInvalidResponse is returned when the API answers 2xx without a usable
// conversation id.
var ErrInvalidResponse = errors.New("bootstrap: invalid response")

// Request selects what kind of conversation to create.
type Request struct {
	SpecialtyFocus string `json:"specialtyFocus"`
	SessionType    string `json:"sessionType"`
}

// Validate rejects requests the API would refuse.
func (r Request) Validate() error {
	var errs []error
	if strings.TrimSpace(r.SpecialtyFocus) == "" {
		errs = append(errs, errors.New("specialty focus is required"))
	}
	if strings.TrimSpace(r.SessionType) == "" {
		errs = append(errs, errors.New("session type is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("bootstrap: invalid request: %w", errors.Join(errs...))
	}
	return nil
}

type createResponse struct {
	ConversationID string `json:"conversationId"`
}

// StatusError reports a non-2xx answer.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("bootstrap: %s: unexpected status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("bootstrap: %s: unexpected status %d: %s", e.Endpoint, e.Code, e.Body)
}

// Temporary reports whether retrying against the same or another endpoint
// may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// Client creates conversations. It is safe for concurrent use.
type Client struct {
	endpoints  *resilience.FallbackGroup[string]
	httpClient *http.Client
	apiKey     string
	metrics    *observe.Metrics
}

// Option is a functional option for [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(cl *Client) { cl.apiKey = key }
}

// WithFallbacks adds equivalent endpoints tried after the primary.
func WithFallbacks(baseURLs ...string) Option {
	return func(cl *Client) {
		for _, u := range baseURLs {
			u = strings.TrimRight(u, "/")
			cl.endpoints.AddFallback(u, u)
		}
	}
}

// WithMetrics records request latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// New constructs a [Client] for baseURL. breaker configures the circuit
// breaker placed in front of each endpoint; its IsFailure is set by the
// client.
func New(baseURL string, breaker resilience.CircuitBreakerConfig, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("bootstrap: base url must not be empty")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	breaker.IsFailure = isFailure

	c := &Client{
		endpoints:  resilience.NewFallbackGroup(baseURL, baseURL, resilience.FallbackConfig{CircuitBreaker: breaker}),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// isFailure keeps caller mistakes and cancellation from tripping a breaker.
func isFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// Create asks the API for a new conversation and returns its id, a UUID v4.
func (c *Client) Create(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("bootstrap: marshal request: %w", err)
	}

	start := time.Now()
	id, err := resilience.ExecuteWithResult(ctx, c.endpoints, func(ctx context.Context, base string) (string, error) {
		return c.create(ctx, base, body)
	})
	c.metrics.BootstrapDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("status", outcome(err))))
	if err != nil {
		return "", err
	}
	slog.Info("bootstrap: conversation created",
		"conversation_id", id,
		"specialty_focus", req.SpecialtyFocus,
		"session_type", req.SessionType,
	)
	return id, nil
}

func (c *Client) create(ctx context.Context, base string, body []byte) (string, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+createPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("bootstrap: build request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(hreq)
	if err != nil {
		return "", fmt.Errorf("bootstrap: %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &StatusError{Endpoint: base, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out createResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %s: decode: %v", ErrInvalidResponse, base, err)
	}
	u, err := uuid.Parse(out.ConversationID)
	if err != nil || u.Version() != 4 {
		return "", fmt.Errorf("%w: %s: conversation id %q is not a UUID v4", ErrInvalidResponse, base, out.ConversationID)
	}
	return u.String(), nil
}

func outcome(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &se):
		return fmt.Sprintf("%dxx", se.Code/100)
	default:
		return "error"
	}
}
