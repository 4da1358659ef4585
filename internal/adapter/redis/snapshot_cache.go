package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rupneel/crypto-tracker/internal/cache"
)

const keyPrefix = "market_cache:"

// SnapshotCache stores market snapshots in Redis so that several instances
// share one upstream budget. Redis expires keys at the entry's own deadline.
type SnapshotCache struct {
	rdb   goredis.Cmdable
	clock clockwork.Clock
}

var _ cache.Backend = (*SnapshotCache)(nil)

func NewSnapshotCache(rdb goredis.Cmdable, clock clockwork.Clock) *SnapshotCache {
	return &SnapshotCache{rdb: rdb, clock: clock}
}

func (c *SnapshotCache) Get(ctx context.Context, id string) (cache.Entry, bool, error) {
	data, err := c.rdb.Get(ctx, snapshotKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("redis get %s: %w", id, err)
	}

	var e cache.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode cached entry %s: %w", id, err)
	}
	return e, true, nil
}

// Set writes e with a Redis TTL equal to its remaining lifetime. Entries that
// have already expired are not written.
func (c *SnapshotCache) Set(ctx context.Context, id string, e cache.Entry) error {
	remaining := e.ExpiresAt().Sub(c.clock.Now())
	if remaining <= 0 {
		return nil
	}
	// Redis rounds sub-millisecond expirations down to zero.
	remaining = max(remaining, time.Millisecond)

	encoded, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cached entry %s: %w", id, err)
	}
	if err := c.rdb.Set(ctx, snapshotKey(id), encoded, remaining).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", id, err)
	}
	return nil
}

func snapshotKey(id string) string {
	return keyPrefix + id
}
