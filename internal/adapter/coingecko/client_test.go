package coingecko

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rupneel/crypto-tracker/internal/adapter/metrics"
	"github.com/rupneel/crypto-tracker/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, attempts int) (*Client, *int32) {
	t.Helper()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:          srv.URL,
		APIKey:           "demo-key",
		Timeout:          200 * time.Millisecond,
		MaxAttempts:      attempts,
		InitialBackoff:   time.Millisecond,
		RateLimitBackoff: time.Millisecond,
	})
	return c, &calls
}

func TestFetch_Success(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/markets", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currency"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "demo-key", r.Header.Get("x-cg-demo-api-key"))
		_, _ = w.Write([]byte(`[{"id":"bitcoin"}]`))
	}, 2)

	body, err := c.Fetch(context.Background(), "/coins/markets", url.Values{"vs_currency": {"usd"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"bitcoin"}]`, string(body))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestFetch_OmitsAPIKeyWhenUnset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("x-cg-demo-api-key"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/", Timeout: time.Second, MaxAttempts: 1})
	_, err := c.Fetch(context.Background(), "/global", nil)
	require.NoError(t, err)
}

func TestFetch_ClientErrorIsNotRetried(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"coin not found"}`, http.StatusNotFound)
	}, 3)

	_, err := c.Fetch(context.Background(), "/coins/nope", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusNotFound, ue.StatusCode)
	assert.Equal(t, "/coins/nope", ue.Endpoint)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestFetch_ServerErrorIsRetried(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 2)

	_, err := c.Fetch(context.Background(), "/global", nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestFetch_RecoversOnRetry(t *testing.T) {
	var n int32
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&n, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":{}}`))
	}, 2)

	body, err := c.Fetch(context.Background(), "/global", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{}}`, string(body))
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestFetch_MalformedBody(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}, 3)

	_, err := c.Fetch(context.Background(), "/search/trending", nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestFetch_Timeout(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}, 1)

	_, err := c.Fetch(context.Background(), "/global", nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestFetch_TimeoutBoundsRetries(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, 3)

	start := time.Now()
	_, err := c.Fetch(context.Background(), "/global", nil)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	// Three 200ms attempts would take 600ms; the budget covers all of them.
	assert.Less(t, elapsed, 450*time.Millisecond)
}

func TestFetch_CancelledCallsDoNotTripBreaker(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, 2)

	for range 10 {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		_, err := c.Fetch(ctx, "/coins/markets", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		cancel()
	}

	assert.False(t, c.BreakerOpen())
}

func TestFetch_BreakerOpensAndFailsFast(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, 1)

	for range 5 {
		_, err := c.Fetch(context.Background(), "/global", nil)
		require.Error(t, err)
	}
	require.True(t, c.BreakerOpen())

	_, err := c.Fetch(context.Background(), "/global", nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Equal(t, int32(5), atomic.LoadInt32(calls), "open breaker must not reach the provider")
}

func TestFetch_NotFoundDoesNotTripBreaker(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, 1)

	for range 10 {
		_, _ = c.Fetch(context.Background(), "/coins/nope", nil)
	}
	assert.False(t, c.BreakerOpen())
}

func TestFetch_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewUpstreamMetrics(reg)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second, MaxAttempts: 1}, WithMetrics(m))
	_, err := c.Fetch(context.Background(), "/coins/markets", nil)
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(m.Requests.WithLabelValues("markets", "success")), 0)
}

func TestEndpointLabel(t *testing.T) {
	tests := map[string]string{
		"/coins/markets":              "markets",
		"/coins/bitcoin":              "coin",
		"/coins/bitcoin/market_chart": "market_chart",
		"/search":                     "search",
		"/search/trending":            "trending",
		"/global":                     "global",
		"/exchanges":                  "other",
	}
	for endpoint, want := range tests {
		assert.Equal(t, want, endpointLabel(endpoint), endpoint)
	}
}
