// Package coingecko is the market data fetcher: one GET per call against the
// CoinGecko v3 API, guarded by bounded retries and a circuit breaker.
package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rupneel/crypto-tracker/internal/adapter/metrics"
	"github.com/rupneel/crypto-tracker/internal/domain"
	"github.com/rupneel/crypto-tracker/internal/platform/correlation"
	"github.com/rupneel/crypto-tracker/internal/platform/retry"
	"github.com/sony/gobreaker"
)

const (
	apiKeyHeader = "x-cg-demo-api-key"

	// Cap on how much of an upstream body is read.
	maxBodyBytes = 8 << 20

	defaultInitialBackoff   = 500 * time.Millisecond
	defaultRateLimitBackoff = 2 * time.Second
)

// UpstreamError describes a failed provider call. It always matches
// domain.ErrUpstreamUnavailable under errors.Is.
type UpstreamError struct {
	Endpoint   string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Endpoint, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool {
	return target == domain.ErrUpstreamUnavailable
}

type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int

	// Backoffs between attempts; zero values use the package defaults.
	InitialBackoff   time.Duration
	RateLimitBackoff time.Duration
}

type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	policy     retry.Policy
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.UpstreamMetrics
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Its Timeout is left as given.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock drives retry backoff waits from clock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.policy.Clock = clock }
}

func WithMetrics(m *metrics.UpstreamMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(cfg Config, opts ...Option) *Client {
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	rateLimited := cfg.RateLimitBackoff
	if rateLimited <= 0 {
		rateLimited = defaultRateLimitBackoff
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		policy: retry.Policy{
			MaxAttempts:      attempts,
			InitialBackoff:   initial,
			RateLimitBackoff: rateLimited,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Retrying upstream request", "attempt", attempt, "backoff", backoff, "error", err)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "coingecko",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		// A 4xx other than 429 or a caller that went away is not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || classify(err) == retry.Stop
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			if c.metrics != nil {
				c.metrics.BreakerState.Set(stateToFloat(to))
			}
		},
	})

	return c
}

// Fetch performs one logical provider call and returns the raw JSON body.
// The configured timeout bounds the whole call, retries included. Every
// failure matches domain.ErrUpstreamUnavailable.
func (c *Client) Fetch(ctx context.Context, endpoint string, query url.Values) (json.RawMessage, error) {
	start := time.Now()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		return retry.Do(ctx, c.policy, classify, func(ctx context.Context) (json.RawMessage, error) {
			return c.get(ctx, endpoint, query)
		})
	})

	outcome := "success"
	if err != nil {
		outcome = "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "breaker_open"
			err = &UpstreamError{Endpoint: endpoint, Err: err}
		}
	}
	if c.metrics != nil {
		c.metrics.Requests.WithLabelValues(endpointLabel(endpoint), outcome).Inc()
		c.metrics.RequestDuration.WithLabelValues(endpointLabel(endpoint)).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		slog.WarnContext(ctx, "Upstream request failed", "endpoint", endpoint, "error", err)
		return nil, unwrapRetry(endpoint, err)
	}
	return body.(json.RawMessage), nil
}

// BreakerOpen reports whether calls are currently short-circuited.
func (c *Client) BreakerOpen() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values) (json.RawMessage, error) {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &UpstreamError{Endpoint: endpoint, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	if id, ok := correlation.ID(ctx); ok {
		req.Header.Set("X-Correlation-ID", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Endpoint: endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &UpstreamError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", snippet(data))}
	}
	if !json.Valid(data) {
		return nil, &UpstreamError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: errors.New("response body is not valid JSON")}
	}

	return json.RawMessage(data), nil
}

// classify maps a failed attempt to a retry action: 429 waits longer, other
// 4xx and malformed bodies are final, everything else is transient.
func classify(err error) retry.Action {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return retry.Retry
	}
	switch {
	case ue.StatusCode == http.StatusTooManyRequests:
		return retry.After
	case ue.StatusCode >= 500:
		return retry.Retry
	case ue.StatusCode != 0:
		return retry.Stop
	default:
		return retry.Retry
	}
}

// unwrapRetry strips the retry wrappers so callers see the UpstreamError, or
// the context error when the wait was cancelled.
func unwrapRetry(endpoint string, err error) error {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	return &UpstreamError{Endpoint: endpoint, Err: err}
}

func endpointLabel(endpoint string) string {
	switch {
	case endpoint == "/coins/markets":
		return "markets"
	case strings.HasSuffix(endpoint, "/market_chart"):
		return "market_chart"
	case strings.HasPrefix(endpoint, "/coins/"):
		return "coin"
	case endpoint == "/search/trending":
		return "trending"
	case endpoint == "/search":
		return "search"
	case endpoint == "/global":
		return "global"
	default:
		return "other"
	}
}

func snippet(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
