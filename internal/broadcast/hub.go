package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/rupneel/crypto-tracker/internal/adapter/metrics"
	"github.com/rupneel/crypto-tracker/internal/domain"
	"github.com/rupneel/crypto-tracker/internal/platform/correlation"
)

// Receiver yields the next inbound text frame for one session. A non-text
// frame is reported as domain.ErrMalformedClientMessage.
type Receiver interface {
	Receive() ([]byte, error)
}

type HubConfig struct {
	Scheduler      SchedulerConfig
	MaxConnections int
}

// Hub is the broadcast service. It admits sessions only between Start and Stop.
type Hub struct {
	index     *SubscriptionIndex
	registry  *Registry
	scheduler *Scheduler
	clock     clockwork.Clock

	mu        sync.RWMutex
	accepting bool
}

func NewHub(source MarketSource, clock clockwork.Clock, cfg HubConfig, m *metrics.BroadcastMetrics) *Hub {
	h := &Hub{clock: clock, index: NewSubscriptionIndex()}
	h.registry = NewRegistry(h.index, cfg.MaxConnections,
		func() { h.scheduler.Start() },
		func() { h.scheduler.Stop() },
		m,
	)
	h.scheduler = NewScheduler(source, h.registry, h.index, clock, cfg.Scheduler, m)
	return h
}

// Start opens admission. Scheduler runs derive from ctx.
func (h *Hub) Start(ctx context.Context) {
	h.scheduler.setParent(ctx)

	h.mu.Lock()
	h.accepting = true
	h.mu.Unlock()
}

// Stop closes admission and every connection, then waits for the scheduler.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.accepting = false
	h.mu.Unlock()

	h.registry.CloseAll()
	h.scheduler.Stop()
	return h.scheduler.Wait(ctx)
}

func (h *Hub) ConnectionCount() int { return h.registry.Len() }

func (h *Hub) SchedulerRunning() bool { return h.scheduler.Running() }

// ServeSession registers t under id and runs the control-message loop until
// the receiver fails, a frame cannot be decoded, or a reply cannot be sent.
// The connection is then removed. If registration is refused the error is
// returned and t is left open for the caller to close.
func (h *Hub) ServeSession(ctx context.Context, id string, t Transport, recv Receiver) error {
	h.mu.RLock()
	if !h.accepting {
		h.mu.RUnlock()
		return domain.ErrHubStopped
	}
	c, err := h.registry.register(id, t)
	h.mu.RUnlock()
	if err != nil {
		return err
	}

	ctx = correlation.WithClientID(ctx, id)
	slog.InfoContext(ctx, "Client connected", "connections", h.registry.Len())

	defer func() {
		h.registry.evict(c)
		slog.InfoContext(ctx, "Client disconnected", "connections", h.registry.Len())
	}()

	for {
		data, err := recv.Receive()
		if err != nil {
			if errors.Is(err, domain.ErrMalformedClientMessage) {
				slog.WarnContext(ctx, "Closing session on unsupported frame", "error", err)
			} else {
				slog.DebugContext(ctx, "Session read ended", "error", err)
			}
			return nil
		}

		msg, err := DecodeClientMessage(data)
		if err != nil {
			slog.WarnContext(ctx, "Closing session on undecodable message", "error", err)
			return nil
		}

		if err := h.dispatch(ctx, c, msg); err != nil {
			slog.DebugContext(ctx, "Session ended by failed reply", "error", err)
			return nil
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, c *connection, msg ClientMessage) error {
	switch m := msg.(type) {
	case Subscribe:
		if err := h.registry.subscribe(c, m.AssetIDs); err != nil {
			return err
		}
		slog.DebugContext(ctx, "Client subscribed", "crypto_ids", m.AssetIDs)
		return h.registry.send(c, NewSubscribed(m.AssetIDs))

	case Unsubscribe:
		h.registry.unsubscribe(c, m.AssetIDs)
		slog.DebugContext(ctx, "Client unsubscribed", "crypto_ids", m.AssetIDs)
		return h.registry.send(c, NewUnsubscribed(m.AssetIDs))

	case Ping:
		return h.registry.send(c, NewPong(h.clock.Now()))

	case Unknown:
		slog.DebugContext(ctx, "Ignoring unknown client action", "action", m.Action)
		return nil

	default:
		return fmt.Errorf("unhandled client message %T", msg)
	}
}
