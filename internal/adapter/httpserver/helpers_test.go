package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rupneel/crypto-tracker/internal/domain"
	"github.com/rupneel/crypto-tracker/internal/platform/config"
)

// --- Mock implementations ---

type mockMarket struct {
	listingFn func(ctx context.Context, q domain.ListingQuery) (json.RawMessage, error)
	coinFn    func(ctx context.Context, coinID string) (json.RawMessage, error)
	historyFn func(ctx context.Context, q domain.HistoryQuery) (json.RawMessage, error)
	searchFn  func(ctx context.Context, query string) (json.RawMessage, error)
	trending  json.RawMessage
	global    json.RawMessage
	err       error
}

var errNotImplemented = errors.New("not implemented")

func (m *mockMarket) Listing(ctx context.Context, q domain.ListingQuery) (json.RawMessage, error) {
	if m.listingFn != nil {
		return m.listingFn(ctx, q)
	}
	return nil, errNotImplemented
}

func (m *mockMarket) Coin(ctx context.Context, coinID string) (json.RawMessage, error) {
	if m.coinFn != nil {
		return m.coinFn(ctx, coinID)
	}
	return nil, errNotImplemented
}

func (m *mockMarket) History(ctx context.Context, q domain.HistoryQuery) (json.RawMessage, error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, q)
	}
	return nil, errNotImplemented
}

func (m *mockMarket) Search(ctx context.Context, query string) (json.RawMessage, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, query)
	}
	return nil, errNotImplemented
}

func (m *mockMarket) Trending(context.Context) (json.RawMessage, error) {
	return m.trending, m.err
}

func (m *mockMarket) GlobalStats(context.Context) (json.RawMessage, error) {
	return m.global, m.err
}

// --- Helpers ---

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		CORSOrigins:        "http://localhost:3000",
		RateLimitPerMinute: 1000,
	}
}

func newTestServer(t *testing.T, market marketService, opts ...Option) *Server {
	t.Helper()
	return newTestServerWithConfig(t, testConfig(), market, opts...)
}

func newTestServerWithConfig(t *testing.T, cfg *config.Config, market marketService, opts ...Option) *Server {
	t.Helper()
	return NewServer(cfg, market, nil, opts...)
}

func doGet(t *testing.T, srv *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "1.2.3.4:1234"
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}
