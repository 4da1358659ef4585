package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rupneel/crypto-tracker/internal/domain"
	apperrors "github.com/rupneel/crypto-tracker/internal/platform/errors"
)

func TestHandleListing_Defaults(t *testing.T) {
	var got domain.ListingQuery
	market := &mockMarket{listingFn: func(_ context.Context, q domain.ListingQuery) (json.RawMessage, error) {
		got = q
		return json.RawMessage(`[{"id":"bitcoin"},{"id":"ethereum"}]`), nil
	}}
	srv := newTestServer(t, market)

	rec := doGet(t, srv, "/api/v1/cryptos")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ListingQuery{Currency: "usd", Page: 1, PerPage: 50, Order: "market_cap_desc"}, got)

	var resp listingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Page)
	assert.Equal(t, 50, resp.PerPage)
	assert.Equal(t, 2, resp.Count)
	assert.JSONEq(t, `{"id":"bitcoin"}`, string(resp.Data[0]))
}

func TestHandleListing_CustomQuery(t *testing.T) {
	var got domain.ListingQuery
	market := &mockMarket{listingFn: func(_ context.Context, q domain.ListingQuery) (json.RawMessage, error) {
		got = q
		return json.RawMessage(`[]`), nil
	}}
	srv := newTestServer(t, market)

	rec := doGet(t, srv, "/api/v1/cryptos/?vs_currency=eur&page=3&per_page=250&order=volume_desc")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ListingQuery{Currency: "eur", Page: 3, PerPage: 250, Order: "volume_desc"}, got)
	assert.JSONEq(t, `{"data":[],"page":3,"per_page":250,"count":0}`, rec.Body.String())
}

func TestHandleListing_Validation(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"page zero", "page=0"},
		{"page not a number", "page=two"},
		{"per_page too large", "per_page=251"},
		{"per_page zero", "per_page=0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			market := &mockMarket{listingFn: func(context.Context, domain.ListingQuery) (json.RawMessage, error) {
				called = true
				return json.RawMessage(`[]`), nil
			}}
			srv := newTestServer(t, market)

			rec := doGet(t, srv, "/api/v1/cryptos?"+tt.query)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, called)

			var resp apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, apperrors.TypeValidation, resp.Type)
		})
	}
}

func TestHandleListing_UpstreamFailure(t *testing.T) {
	market := &mockMarket{listingFn: func(context.Context, domain.ListingQuery) (json.RawMessage, error) {
		return nil, fmt.Errorf("fetch cryptos_usd_1_50_market_cap_desc: %w", domain.ErrUpstreamUnavailable)
	}}
	srv := newTestServer(t, market)

	rec := doGet(t, srv, "/api/v1/cryptos")

	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.TypeExternal, resp.Type)
	assert.NotContains(t, rec.Body.String(), "cryptos_usd")
}

func TestHandleListing_NotAnArray(t *testing.T) {
	market := &mockMarket{listingFn: func(context.Context, domain.ListingQuery) (json.RawMessage, error) {
		return json.RawMessage(`{"status":{"error_code":429}}`), nil
	}}
	srv := newTestServer(t, market)

	rec := doGet(t, srv, "/api/v1/cryptos")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleSearch(t *testing.T) {
	var got string
	market := &mockMarket{searchFn: func(_ context.Context, query string) (json.RawMessage, error) {
		got = query
		return json.RawMessage(`{"coins":[{"id":"bitcoin"}]}`), nil
	}}
	srv := newTestServer(t, market)

	rec := doGet(t, srv, "/api/v1/cryptos/search?query=%20BTC%20")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTC", got)
	assert.JSONEq(t, `{"coins":[{"id":"bitcoin"}]}`, rec.Body.String())
}

func TestHandleSearch_QueryRequired(t *testing.T) {
	srv := newTestServer(t, &mockMarket{})

	for _, target := range []string{"/api/v1/cryptos/search", "/api/v1/cryptos/search?query=%20%20"} {
		rec := doGet(t, srv, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHandleTrendingAndGlobal(t *testing.T) {
	market := &mockMarket{
		trending: json.RawMessage(`{"coins":[]}`),
		global:   json.RawMessage(`{"data":{"active_cryptocurrencies":10000}}`),
	}
	srv := newTestServer(t, market)

	rec := doGet(t, srv, "/api/v1/cryptos/trending")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"coins":[]}`, rec.Body.String())

	rec = doGet(t, srv, "/api/v1/cryptos/market/global")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"active_cryptocurrencies":10000}}`, rec.Body.String())
}

func TestHandleTrending_UpstreamFailure(t *testing.T) {
	srv := newTestServer(t, &mockMarket{err: domain.ErrUpstreamUnavailable})

	rec := doGet(t, srv, "/api/v1/cryptos/trending")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleCoin(t *testing.T) {
	var got string
	market := &mockMarket{coinFn: func(_ context.Context, coinID string) (json.RawMessage, error) {
		got = coinID
		return json.RawMessage(`{"id":"ethereum"}`), nil
	}}
	srv := newTestServer(t, market)

	rec := doGet(t, srv, "/api/v1/cryptos/ethereum")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ethereum", got)
	assert.JSONEq(t, `{"id":"ethereum"}`, rec.Body.String())
}

func TestHandleHistory(t *testing.T) {
	var got domain.HistoryQuery
	market := &mockMarket{historyFn: func(_ context.Context, q domain.HistoryQuery) (json.RawMessage, error) {
		got = q
		return json.RawMessage(`{"prices":[[1,2]]}`), nil
	}}
	srv := newTestServer(t, market)

	rec := doGet(t, srv, "/api/v1/cryptos/bitcoin/history?vs_currency=eur&days=90&interval=daily")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.HistoryQuery{CoinID: "bitcoin", Currency: "eur", Days: "90", Interval: "daily"}, got)

	rec = doGet(t, srv, "/api/v1/cryptos/bitcoin/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.HistoryQuery{CoinID: "bitcoin", Currency: "usd", Days: "7"}, got)

	rec = doGet(t, srv, "/api/v1/cryptos/bitcoin/history?days=max")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "max", got.Days)
}

func TestHandleHistory_InvalidDays(t *testing.T) {
	srv := newTestServer(t, &mockMarket{})

	for _, days := range []string{"0", "-7", "week"} {
		rec := doGet(t, srv, "/api/v1/cryptos/bitcoin/history?days="+days)
		assert.Equal(t, http.StatusBadRequest, rec.Code, days)
	}
}

func TestValidDays(t *testing.T) {
	assert.True(t, validDays("1"))
	assert.True(t, validDays("365"))
	assert.True(t, validDays("max"))
	assert.False(t, validDays(""))
	assert.False(t, validDays("1.5"))
}
