// Package http provides a reusable HTTP client with resilience features and
// venue rate limiting.
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"grid_engine/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// APIError represents an API error response.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer signs a request before it is sent. Venue signers add auth headers
// and an HMAC over the canonical query string.
type Signer interface {
	SignRequest(req *http.Request) error
}

// Weight classifies an endpoint for rate limiting. Venues meter request
// weight and order count separately.
type Weight int

const (
	WeightLight  Weight = iota // metadata, price, keepalive
	WeightHeavy                // account, open orders, klines
	WeightOrder                // place/cancel/query order
)

// Client wraps http.Client with retry, circuit breaking, signing, proxy
// rebinding and per-weight-class rate limiting.
type Client struct {
	// mu guards client; SetProxy swaps it while requests are in flight on
	// other goroutines.
	mu      sync.RWMutex
	client  *http.Client
	baseURL string
	signer  Signer
	timeout time.Duration

	pipeline failsafe.Executor[*http.Response]

	requestLimiter *rate.Limiter
	orderLimiter   *rate.Limiter

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new HTTP client with default resilience policies.
func NewClient(baseURL string, timeout time.Duration, signer Signer) *Client {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			// Retry on network errors or transient server errors. 429 and
			// 451 are NOT retried here; callers handle backoff and proxy
			// failover with more context.
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL:  baseURL,
		signer:   signer,
		timeout:  timeout,
		pipeline: failsafe.With[*http.Response](retryPolicy, breaker),
		// Spot venue budgets: ~1200 weight/min and ~50 orders/10s. Kept a
		// notch under the published limits.
		requestLimiter: rate.NewLimiter(rate.Limit(18), 40),
		orderLimiter:   rate.NewLimiter(rate.Limit(4), 8),
		tracer:         tracer,
		reqCounter:     reqCounter,
		errCounter:     errCounter,
		latencyHist:    latencyHist,
	}
}

// SetProxy rebinds the client's transport to the given egress proxy. A nil
// proxyURL restores direct egress.
func (c *Client) SetProxy(proxyURL *url.URL) {
	transport := &http.Transport{}
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	c.mu.Lock()
	c.client = &http.Client{
		Timeout:   c.timeout,
		Transport: transport,
	}
	c.mu.Unlock()
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, path string, params map[string]string, w Weight, signed bool) ([]byte, error) {
	return c.request(ctx, http.MethodGet, path, params, w, signed)
}

// Post sends a POST request with query-string parameters (venue convention
// for signed order endpoints).
func (c *Client) Post(ctx context.Context, path string, params map[string]string, w Weight, signed bool) ([]byte, error) {
	return c.request(ctx, http.MethodPost, path, params, w, signed)
}

// Put sends a PUT request.
func (c *Client) Put(ctx context.Context, path string, params map[string]string, w Weight, signed bool) ([]byte, error) {
	return c.request(ctx, http.MethodPut, path, params, w, signed)
}

// Delete sends a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, params map[string]string, w Weight, signed bool) ([]byte, error) {
	return c.request(ctx, http.MethodDelete, path, params, w, signed)
}

func (c *Client) request(ctx context.Context, method, path string, params map[string]string, w Weight, signed bool) ([]byte, error) {
	if err := c.waitLimit(ctx, w); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	q := req.URL.Query()
	for k, v := range params {
		q.Add(k, v)
	}
	req.URL.RawQuery = q.Encode()

	return c.do(req, signed)
}

func (c *Client) waitLimit(ctx context.Context, w Weight) error {
	switch w {
	case WeightOrder:
		if err := c.orderLimiter.Wait(ctx); err != nil {
			return err
		}
		return c.requestLimiter.Wait(ctx)
	case WeightHeavy:
		// Heavy endpoints count several weight units.
		return c.requestLimiter.WaitN(ctx, 5)
	default:
		return c.requestLimiter.Wait(ctx)
	}
}

func (c *Client) do(req *http.Request, signed bool) ([]byte, error) {
	start := time.Now()
	ctx := req.Context()

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", req.Method, req.URL.Path),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		),
	)
	defer span.End()

	req = req.WithContext(ctx)

	if signed && c.signer != nil {
		if err := c.signer.SignRequest(req); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		c.mu.RLock()
		hc := c.client
		c.mu.RUnlock()
		return hc.Do(req)
	})

	duration := time.Since(start).Seconds()
	c.reqCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("path", req.URL.Path),
	))
	c.latencyHist.Record(ctx, duration, metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("path", req.URL.Path),
	))

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", req.Method),
			attribute.String("path", req.URL.Path),
			attribute.String("error", "pipeline_failed"),
		))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", req.Method),
			attribute.String("path", req.URL.Path),
			attribute.Int("status", resp.StatusCode),
		))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return body, nil
}
