package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rupneel/crypto-tracker/internal/adapter/metrics"
	"github.com/rupneel/crypto-tracker/internal/domain"
	"github.com/rupneel/crypto-tracker/internal/platform/correlation"
)

// MarketSource supplies the listing each tick is built from.
type MarketSource interface {
	TopMarkets(ctx context.Context, currency string, n int) ([]domain.Coin, error)
}

type SchedulerConfig struct {
	Interval time.Duration
	Backoff  time.Duration
	TopN     int
	Currency string
}

// Scheduler runs the periodic broadcast while started. Start and Stop are
// cheap and non-blocking so they can be called from registry hooks. A new run
// waits for the previous run's goroutine to exit before its first tick.
type Scheduler struct {
	source   MarketSource
	registry *Registry
	index    *SubscriptionIndex
	clock    clockwork.Clock
	cfg      SchedulerConfig
	metrics  *metrics.BroadcastMetrics

	mu     sync.Mutex
	parent context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(source MarketSource, registry *Registry, index *SubscriptionIndex, clock clockwork.Clock, cfg SchedulerConfig, m *metrics.BroadcastMetrics) *Scheduler {
	return &Scheduler{
		source:   source,
		registry: registry,
		index:    index,
		clock:    clock,
		cfg:      cfg,
		metrics:  m,
		parent:   context.Background(),
	}
}

func (s *Scheduler) setParent(ctx context.Context) {
	s.mu.Lock()
	s.parent = ctx
	s.mu.Unlock()
}

// Start launches a run unless one is active. It reports whether it did.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(s.parent)
	prev := s.done
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.run(ctx, prev, done)

	if s.metrics != nil {
		s.metrics.SchedulerRunning.Set(1)
	}
	slog.Info("Broadcast scheduler started", "interval", s.cfg.Interval, "top_n", s.cfg.TopN)
	return true
}

// Stop cancels the active run. The cancellation is latched: a tick in flight
// may finish its current step, but no further tick starts.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return false
	}
	s.cancel()
	s.cancel = nil

	if s.metrics != nil {
		s.metrics.SchedulerRunning.Set(0)
	}
	slog.Info("Broadcast scheduler stopped")
	return true
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Wait blocks until the most recent run's goroutine has exited or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduler: %w", ctx.Err())
	}
}

func (s *Scheduler) run(ctx context.Context, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		wait := s.cfg.Interval
		if err := s.tick(ctx); err != nil {
			wait = s.cfg.Backoff
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
		}
	}
}

// tick builds one snapshot and fans it out: the full listing to everyone,
// then a delta per listed asset to its subscribers. A failed fetch sends nothing.
func (s *Scheduler) tick(ctx context.Context) error {
	ctx = correlation.WithID(ctx, correlation.NewID())
	start := s.clock.Now()

	coins, err := s.source.TopMarkets(ctx, s.cfg.Currency, s.cfg.TopN)
	if err != nil {
		if ctx.Err() == nil {
			slog.WarnContext(ctx, "Broadcast tick failed, backing off", "backoff", s.cfg.Backoff, "error", err)
		}
		s.observe("error", start)
		return err
	}
	if ctx.Err() != nil {
		s.observe("cancelled", start)
		return ctx.Err()
	}

	now := s.clock.Now()
	report, err := s.registry.Broadcast(NewPriceUpdate(coins, now))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to broadcast price update", "error", err)
		s.observe("error", start)
		return err
	}

	deltas := 0
	for _, c := range coins {
		subscribers := s.index.SubscribersOf(c.ID)
		if len(subscribers) == 0 {
			continue
		}
		r, err := s.registry.SendMany(subscribers, NewCoinUpdate(c, now))
		if err != nil {
			slog.ErrorContext(ctx, "Failed to send coin update", "crypto_id", c.ID, "error", err)
			continue
		}
		deltas += r.Delivered
	}

	s.observe("ok", start)
	slog.DebugContext(ctx, "Broadcast tick complete",
		"coins", len(coins),
		"delivered", report.Delivered,
		"failed", len(report.Failed),
		"coin_updates", deltas,
	)
	return nil
}

func (s *Scheduler) observe(result string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.Ticks.WithLabelValues(result).Inc()
	s.metrics.TickDuration.Observe(s.clock.Since(start).Seconds())
}
