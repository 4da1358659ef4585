package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rupneel/crypto-tracker/internal/adapter/metrics"
	"github.com/rupneel/crypto-tracker/internal/domain"
)

// Transport delivers encoded messages to one client. Send must not block on
// the network; Close may be called more than once.
type Transport interface {
	Send(msg []byte) error
	Close() error
}

// SendResult records one failed delivery.
type SendResult struct {
	ID  string
	Err error
}

// DeliveryReport summarises a fan-out. Failed connections have been evicted.
type DeliveryReport struct {
	Delivered int
	Failed    []SendResult
}

type connection struct {
	id        string
	transport Transport
	alive     atomic.Bool
}

// Registry tracks live connections. The 0->1 and 1->0 transitions fire the
// onFirst and onEmpty hooks under the registry lock; hooks must not block.
type Registry struct {
	index    *SubscriptionIndex
	maxConns int
	onFirst  func()
	onEmpty  func()
	metrics  *metrics.BroadcastMetrics

	mu    sync.Mutex
	conns map[string]*connection
}

// NewRegistry creates a registry that purges index on removal. maxConns <= 0
// means unlimited. metrics may be nil.
func NewRegistry(index *SubscriptionIndex, maxConns int, onFirst, onEmpty func(), m *metrics.BroadcastMetrics) *Registry {
	return &Registry{
		index:    index,
		maxConns: maxConns,
		onFirst:  onFirst,
		onEmpty:  onEmpty,
		metrics:  m,
		conns:    make(map[string]*connection),
	}
}

// Register adds a connection under id. A live connection with the same id, or
// a full registry, rejects it.
func (r *Registry) Register(id string, t Transport) error {
	_, err := r.register(id, t)
	return err
}

func (r *Registry) register(id string, t Transport) (*connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		r.reject("duplicate_id")
		return nil, fmt.Errorf("register %s: %w", id, domain.ErrConnectionExists)
	}
	if r.maxConns > 0 && len(r.conns) >= r.maxConns {
		r.reject("limit")
		return nil, fmt.Errorf("register %s: %w", id, domain.ErrTooManyConnections)
	}

	c := &connection{id: id, transport: t}
	c.alive.Store(true)
	r.conns[id] = c

	if r.metrics != nil {
		r.metrics.ActiveConnections.Set(float64(len(r.conns)))
	}
	if len(r.conns) == 1 && r.onFirst != nil {
		r.onFirst()
	}
	return c, nil
}

func (r *Registry) reject(reason string) {
	if r.metrics != nil {
		r.metrics.RejectedConnections.WithLabelValues(reason).Inc()
	}
}

// Remove drops id, purges its subscriptions and closes its transport.
// It reports false when id was not registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		r.removeLocked(c)
	}
	r.mu.Unlock()

	if ok {
		r.closeTransport(c)
	}
	return ok
}

// evict removes c only if it is still the connection registered under its id,
// so a stale session cannot remove a reconnected client with the same id.
func (r *Registry) evict(c *connection) bool {
	r.mu.Lock()
	cur, ok := r.conns[c.id]
	ok = ok && cur == c
	if ok {
		r.removeLocked(c)
	}
	r.mu.Unlock()

	if ok {
		r.closeTransport(c)
	}
	return ok
}

func (r *Registry) removeLocked(c *connection) {
	delete(r.conns, c.id)
	c.alive.Store(false)
	r.index.Purge(c.id)

	if r.metrics != nil {
		r.metrics.ActiveConnections.Set(float64(len(r.conns)))
		r.metrics.SubscribedAssets.Set(float64(r.index.Len()))
	}
	if len(r.conns) == 0 && r.onEmpty != nil {
		r.onEmpty()
	}
}

func (r *Registry) closeTransport(c *connection) {
	if err := c.transport.Close(); err != nil {
		slog.Debug("Transport close failed", "client_id", c.id, "error", err)
	}
}

// Send delivers msg to one connection. A failed delivery evicts it.
func (r *Registry) Send(id string, msg ServerMessage) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", id, domain.ErrConnectionNotFound)
	}
	return r.send(c, msg)
}

func (r *Registry) send(c *connection, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return r.deliver(c, msg.MessageType(), data)
}

func (r *Registry) deliver(c *connection, msgType string, data []byte) error {
	if !c.alive.Load() {
		return fmt.Errorf("send to %s: %w", c.id, domain.ErrConnectionNotFound)
	}

	if err := c.transport.Send(data); err != nil {
		slog.Warn("Send failed, evicting connection", "client_id", c.id, "type", msgType, "error", err)
		if r.metrics != nil {
			r.metrics.SendFailures.Inc()
		}
		r.evict(c)
		return fmt.Errorf("send to %s: %w: %v", c.id, domain.ErrSendFailed, err)
	}

	if r.metrics != nil {
		r.metrics.MessagesSent.WithLabelValues(msgType).Inc()
	}
	return nil
}

// Broadcast sends msg to every connection registered when it is called.
// One failing connection never stops delivery to the rest.
func (r *Registry) Broadcast(msg ServerMessage) (DeliveryReport, error) {
	return r.fanOut(r.snapshotAll(), msg)
}

// SendMany sends msg to the listed connections that are still registered.
func (r *Registry) SendMany(ids []string, msg ServerMessage) (DeliveryReport, error) {
	return r.fanOut(r.snapshotIDs(ids), msg)
}

func (r *Registry) snapshotAll() []*connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) snapshotIDs(ids []string) []*connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.conns[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) fanOut(targets []*connection, msg ServerMessage) (DeliveryReport, error) {
	var report DeliveryReport
	if len(targets) == 0 {
		return report, nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return report, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}

	var failed []*connection
	for _, c := range targets {
		if !c.alive.Load() {
			continue
		}
		if err := c.transport.Send(data); err != nil {
			report.Failed = append(report.Failed, SendResult{ID: c.id, Err: fmt.Errorf("%w: %v", domain.ErrSendFailed, err)})
			failed = append(failed, c)
			continue
		}
		report.Delivered++
	}

	for _, c := range failed {
		slog.Warn("Broadcast send failed, evicting connection", "client_id", c.id, "type", msg.MessageType())
		r.evict(c)
	}

	if r.metrics != nil {
		r.metrics.MessagesSent.WithLabelValues(msg.MessageType()).Add(float64(report.Delivered))
		r.metrics.SendFailures.Add(float64(len(failed)))
	}
	return report, nil
}

// CloseAll removes every connection.
func (r *Registry) CloseAll() {
	for _, c := range r.snapshotAll() {
		r.evict(c)
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// subscribe records c's subscriptions only while c is still the registered
// connection for its id, so an evicted session cannot leave entries behind.
func (r *Registry) subscribe(c *connection, assetIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[c.id]; !ok || cur != c {
		return fmt.Errorf("subscribe %s: %w", c.id, domain.ErrConnectionNotFound)
	}
	r.index.Subscribe(c.id, assetIDs)

	if r.metrics != nil {
		r.metrics.SubscribedAssets.Set(float64(r.index.Len()))
	}
	return nil
}

func (r *Registry) unsubscribe(c *connection, assetIDs []string) {
	r.index.Unsubscribe(c.id, assetIDs)
	if r.metrics != nil {
		r.metrics.SubscribedAssets.Set(float64(r.index.Len()))
	}
}
