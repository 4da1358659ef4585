package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rupneel/crypto-tracker/internal/cache"
	"github.com/rupneel/crypto-tracker/internal/domain"
)

const (
	shortHistoryTTL = 60 * time.Second
	longHistoryTTL  = 300 * time.Second
	searchTTL       = 600 * time.Second
	trendingTTL     = 300 * time.Second
)

// Cache is the cache-aside store the market service reads through.
type Cache interface {
	GetOrFetch(ctx context.Context, key cache.Key, ttl time.Duration) (json.RawMessage, error)
}

// MarketService maps each market data operation to its cache key, upstream
// request and TTL. Payloads are passed through as raw provider JSON.
type MarketService struct {
	cache      Cache
	defaultTTL time.Duration
}

func NewMarketService(c Cache, defaultTTL time.Duration) *MarketService {
	return &MarketService{cache: c, defaultTTL: defaultTTL}
}

// Listing returns one page of the market listing. Zero-valued query fields
// take the package defaults.
func (s *MarketService) Listing(ctx context.Context, q domain.ListingQuery) (json.RawMessage, error) {
	return s.cache.GetOrFetch(ctx, listingKey(normalizeListing(q)), s.defaultTTL)
}

// TopMarkets returns the first n coins by market cap in the given currency.
func (s *MarketService) TopMarkets(ctx context.Context, currency string, n int) ([]domain.Coin, error) {
	raw, err := s.Listing(ctx, domain.ListingQuery{
		Currency: currency,
		Page:     1,
		PerPage:  n,
		Order:    domain.DefaultOrder,
	})
	if err != nil {
		return nil, err
	}

	var coins []domain.Coin
	if err := json.Unmarshal(raw, &coins); err != nil {
		return nil, fmt.Errorf("%w: decode market listing: %v", domain.ErrUpstreamUnavailable, err)
	}
	return coins, nil
}

// Coin returns the detail document for one coin.
func (s *MarketService) Coin(ctx context.Context, coinID string) (json.RawMessage, error) {
	key := cache.Key{
		ID:       "crypto_" + coinID,
		Endpoint: "/coins/" + url.PathEscape(coinID),
		Query: url.Values{
			"localization":   {"false"},
			"tickers":        {"false"},
			"market_data":    {"true"},
			"community_data": {"false"},
			"developer_data": {"false"},
			"sparkline":      {"true"},
		},
	}
	return s.cache.GetOrFetch(ctx, key, s.defaultTTL)
}

// History returns price, market cap and volume series for one coin.
// Recent ranges (1 and 7 days) are cached for a shorter time.
func (s *MarketService) History(ctx context.Context, q domain.HistoryQuery) (json.RawMessage, error) {
	if q.Currency == "" {
		q.Currency = domain.DefaultCurrency
	}
	if q.Days == "" {
		q.Days = domain.DefaultDays
	}

	query := url.Values{
		"vs_currency": {q.Currency},
		"days":        {q.Days},
	}
	if q.Interval != "" {
		query.Set("interval", q.Interval)
	}

	key := cache.Key{
		ID:       fmt.Sprintf("history_%s_%s_%s", q.CoinID, q.Currency, q.Days),
		Endpoint: "/coins/" + url.PathEscape(q.CoinID) + "/market_chart",
		Query:    query,
	}
	return s.cache.GetOrFetch(ctx, key, historyTTL(q.Days))
}

// Search looks coins up by name or symbol. Surrounding whitespace is dropped
// before both the request and the key, and the key is case-insensitive.
func (s *MarketService) Search(ctx context.Context, query string) (json.RawMessage, error) {
	query = strings.TrimSpace(query)
	key := cache.Key{
		ID:       "search_" + strings.ToLower(query),
		Endpoint: "/search",
		Query:    url.Values{"query": {query}},
	}
	return s.cache.GetOrFetch(ctx, key, searchTTL)
}

func (s *MarketService) Trending(ctx context.Context) (json.RawMessage, error) {
	return s.cache.GetOrFetch(ctx, cache.Key{ID: "trending", Endpoint: "/search/trending"}, trendingTTL)
}

func (s *MarketService) GlobalStats(ctx context.Context) (json.RawMessage, error) {
	return s.cache.GetOrFetch(ctx, cache.Key{ID: "global_stats", Endpoint: "/global"}, s.defaultTTL)
}

func normalizeListing(q domain.ListingQuery) domain.ListingQuery {
	if q.Currency == "" {
		q.Currency = domain.DefaultCurrency
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = domain.DefaultPerPage
	}
	if q.PerPage > domain.MaxPerPage {
		q.PerPage = domain.MaxPerPage
	}
	if q.Order == "" {
		q.Order = domain.DefaultOrder
	}
	return q
}

// The key ignores sparkline and change-window options, so every listing
// request sends the same fixed values for them.
func listingKey(q domain.ListingQuery) cache.Key {
	return cache.Key{
		ID:       fmt.Sprintf("cryptos_%s_%d_%d_%s", q.Currency, q.Page, q.PerPage, q.Order),
		Endpoint: "/coins/markets",
		Query: url.Values{
			"vs_currency":             {q.Currency},
			"order":                   {q.Order},
			"per_page":                {strconv.Itoa(q.PerPage)},
			"page":                    {strconv.Itoa(q.Page)},
			"sparkline":               {"true"},
			"price_change_percentage": {"1h,24h,7d"},
		},
	}
}

func historyTTL(days string) time.Duration {
	if days == "1" || days == "7" {
		return shortHistoryTTL
	}
	return longHistoryTTL
}
