package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// WorkerRegistry tracks worker heartbeats per (pool, resource_class)
// so Dispatcher can enforce admission (§4.7): at least one active
// worker must match before a node is enqueued. Grounded on the
// teacher's common/redis/client.go hash helpers (SetHash/GetAllHash).
type WorkerRegistry struct {
	rdb     *redis.Client
	timeout time.Duration // default 60s per §4.7
}

func NewWorkerRegistry(rdb *redis.Client, inactiveTimeout time.Duration) *WorkerRegistry {
	if inactiveTimeout <= 0 {
		inactiveTimeout = 60 * time.Second
	}
	return &WorkerRegistry{rdb: rdb, timeout: inactiveTimeout}
}

func workersKey(pool, resourceClass string) string {
	return fmt.Sprintf("workers:%s:%s", pool, resourceClass)
}

// Register stamps worker_id's heartbeat for the given pool/resource
// class. It takes no labels; none are stored.
func (w *WorkerRegistry) Register(ctx context.Context, workerID, pool, resourceClass string) error {
	now := time.Now().Unix()
	if err := w.rdb.HSet(ctx, workersKey(pool, resourceClass), workerID, now).Err(); err != nil {
		return fmt.Errorf("dispatch: register worker: %w", err)
	}
	return nil
}

// HasCapacity reports whether at least one worker matching
// (pool, resource_class) has heartbeat within the inactivity timeout.
func (w *WorkerRegistry) HasCapacity(ctx context.Context, pool, resourceClass string) (bool, error) {
	all, err := w.rdb.HGetAll(ctx, workersKey(pool, resourceClass)).Result()
	if err != nil {
		return false, fmt.Errorf("dispatch: check capacity: %w", err)
	}
	cutoff := time.Now().Add(-w.timeout).Unix()
	for _, tsStr := range all {
		var ts int64
		if _, err := fmt.Sscanf(tsStr, "%d", &ts); err != nil {
			continue
		}
		if ts >= cutoff {
			return true, nil
		}
	}
	return false, nil
}
