// Package cache is a time-bounded cache-aside store in front of the market
// data fetcher. Entries are replaced wholesale and never mutated in place.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/rupneel/crypto-tracker/internal/adapter/metrics"
)

// Key identifies one logical upstream request. ID is the canonical cache key;
// Endpoint and Query describe how to fetch it on a miss.
type Key struct {
	ID       string
	Endpoint string
	Query    url.Values
}

// Entry is one cached payload. It is valid while now < CreatedAt + TTL.
type Entry struct {
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	TTL       time.Duration   `json:"ttl"`
}

func (e Entry) ExpiresAt() time.Time { return e.CreatedAt.Add(e.TTL) }

func (e Entry) Valid(now time.Time) bool { return now.Before(e.ExpiresAt()) }

// Fetcher performs the upstream call on a miss.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string, query url.Values) (json.RawMessage, error)
}

// Backend is an optional shared second layer consulted after a memory miss.
// Errors are logged and treated as misses.
type Backend interface {
	Get(ctx context.Context, id string) (Entry, bool, error)
	Set(ctx context.Context, id string, e Entry) error
}

type Store struct {
	fetcher Fetcher
	clock   clockwork.Clock
	backend Backend
	group   *singleflight.Group
	metrics *metrics.CacheMetrics

	mu      sync.Mutex
	entries map[string]Entry
}

type Option func(*Store)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

func WithBackend(b Backend) Option {
	return func(s *Store) { s.backend = b }
}

// WithSingleFlight collapses concurrent misses on one key into a single
// upstream call. Without it concurrent misses each fetch and the last write wins.
func WithSingleFlight(enabled bool) Option {
	return func(s *Store) {
		if enabled {
			s.group = &singleflight.Group{}
		} else {
			s.group = nil
		}
	}
}

func WithMetrics(m *metrics.CacheMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

func NewStore(fetcher Fetcher, opts ...Option) *Store {
	s := &Store{
		fetcher: fetcher,
		clock:   clockwork.NewRealClock(),
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrFetch returns the cached payload for key if still valid, otherwise
// fetches, stores and returns it. A failed fetch stores nothing and drops any
// expired entry for the key.
func (s *Store) GetOrFetch(ctx context.Context, key Key, ttl time.Duration) (json.RawMessage, error) {
	now := s.clock.Now()

	if e, ok := s.lookup(key.ID, now); ok {
		s.hit("memory")
		return e.Payload, nil
	}
	s.miss("memory")

	if e, ok := s.lookupBackend(ctx, key.ID, now); ok {
		s.hit("redis")
		s.put(key.ID, e)
		return e.Payload, nil
	}

	if s.group == nil {
		return s.fetch(ctx, key, ttl)
	}

	v, err, _ := s.group.Do(key.ID, func() (interface{}, error) {
		return s.fetch(ctx, key, ttl)
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

func (s *Store) fetch(ctx context.Context, key Key, ttl time.Duration) (json.RawMessage, error) {
	payload, err := s.fetcher.Fetch(ctx, key.Endpoint, key.Query)
	if err != nil {
		s.dropExpired(key.ID)
		if s.metrics != nil {
			s.metrics.FetchErrors.Inc()
		}
		return nil, fmt.Errorf("fetch %s: %w", key.ID, err)
	}

	e := Entry{Payload: payload, CreatedAt: s.clock.Now(), TTL: ttl}
	s.put(key.ID, e)

	if s.backend != nil {
		if err := s.backend.Set(ctx, key.ID, e); err != nil {
			slog.WarnContext(ctx, "Failed to populate shared cache", "key", key.ID, "error", err)
		}
	}

	return payload, nil
}

func (s *Store) lookup(id string, now time.Time) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || !e.Valid(now) {
		return Entry{}, false
	}
	return e, true
}

func (s *Store) lookupBackend(ctx context.Context, id string, now time.Time) (Entry, bool) {
	if s.backend == nil {
		return Entry{}, false
	}

	e, ok, err := s.backend.Get(ctx, id)
	if err != nil {
		slog.WarnContext(ctx, "Shared cache lookup failed", "key", id, "error", err)
		return Entry{}, false
	}
	if !ok || !e.Valid(now) {
		s.miss("redis")
		return Entry{}, false
	}
	return e, true
}

func (s *Store) put(id string, e Entry) {
	s.mu.Lock()
	s.entries[id] = e
	n := len(s.entries)
	s.mu.Unlock()

	s.setSize(n)
}

func (s *Store) dropExpired(id string) {
	now := s.clock.Now()

	s.mu.Lock()
	if e, ok := s.entries[id]; ok && !e.Valid(now) {
		delete(s.entries, id)
	}
	n := len(s.entries)
	s.mu.Unlock()

	s.setSize(n)
}

// EvictExpired removes every expired entry and returns how many were removed.
func (s *Store) EvictExpired() int {
	now := s.clock.Now()

	s.mu.Lock()
	evicted := 0
	for id, e := range s.entries {
		if !e.Valid(now) {
			delete(s.entries, id)
			evicted++
		}
	}
	n := len(s.entries)
	s.mu.Unlock()

	s.setSize(n)
	if s.metrics != nil {
		s.metrics.Evictions.Add(float64(evicted))
	}
	return evicted
}

// StartEvictionTimer runs EvictExpired every interval until the returned stop
// function is called.
func (s *Store) StartEvictionTimer(interval time.Duration) func() {
	ticker := s.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if evicted := s.EvictExpired(); evicted > 0 {
					slog.Debug("Evicted expired market cache entries", "count", evicted, "remaining", s.Size())
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Size returns the number of entries held in memory, expired ones included.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) hit(layer string) {
	if s.metrics != nil {
		s.metrics.Hits.WithLabelValues(layer).Inc()
	}
}

func (s *Store) miss(layer string) {
	if s.metrics != nil {
		s.metrics.Misses.WithLabelValues(layer).Inc()
	}
}

func (s *Store) setSize(n int) {
	if s.metrics != nil {
		s.metrics.Entries.Set(float64(n))
	}
}
