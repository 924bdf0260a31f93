// Package dispatch implements the dispatch and lease layer (C7):
// per-pool queues with resource-class routing, lease expiry, worker
// registry admission, and at-least-once delivery via Redis Streams
// consumer groups.
//
// Grounded on the teacher's cmd/workflow-runner/worker/http_worker.go
// (XGroupCreateMkStream/XReadGroup/XAck consumer-group loop) for queue
// mechanics and cmd/workflow-runner/supervisor/timeout.go (poll-ticker
// sweep, stale-node query) for the lease-expiry sweep.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowengine/internal/registry"
)

// Message is the queue payload described in §4.7.
type Message struct {
	RunID        string          `json:"run_id"`
	OpID         int             `json:"op_id"`
	CtxID        int64           `json:"ctx_id"`
	TaskID       string          `json:"task_id"`
	TaskVersion  string          `json:"task_version"`
	InputIDs     []int           `json:"input_ids"`
	InlineValues json.RawMessage `json:"inline_values,omitempty"`
	InputRefs    []string        `json:"input_refs,omitempty"`
	LeaseMS      int64           `json:"lease_ms"`
}

const leasesZSet = "leases"

// FailureCallback is invoked by ExpireLeases for each node whose lease
// has elapsed; the coordinator supplies this to drive §4.6.1's failure
// path ("lease expired").
type FailureCallback func(ctx context.Context, runID string, opID int, ctxID int64, reason string) error

// Dispatcher owns the per-pool streams and the lease sweep.
type Dispatcher struct {
	rdb     *redis.Client
	workers *WorkerRegistry
}

func New(rdb *redis.Client, workers *WorkerRegistry) *Dispatcher {
	return &Dispatcher{rdb: rdb, workers: workers}
}

func streamKey(pool, resourceClass string) string {
	return fmt.Sprintf("queue:%s:%s", pool, resourceClass)
}

// StreamKey and ConsumerGroup expose the naming scheme to out-of-
// process worker code (cmd/exampleworker) so a worker can join the
// same consumer group the dispatcher creates on first Enqueue, without
// duplicating the format.
func StreamKey(pool, resourceClass string) string { return streamKey(pool, resourceClass) }
func ConsumerGroup(pool, resourceClass string) string { return consumerGroup(pool, resourceClass) }

func leaseMember(runID string, opID int, ctxID int64) string {
	return fmt.Sprintf("%s:%d:%d", runID, opID, ctxID)
}

// Enqueue implements §4.7's pool selection, policy check, admission
// check, and message publish plus lease stamping.
func (d *Dispatcher) Enqueue(ctx context.Context, m Manifest, msg Message, resourceClass string) error {
	if err := m.ValidatePolicy(); err != nil {
		return fmt.Errorf("%w: %w", ErrPolicyViolation, err)
	}
	pool := m.Pool()

	ok, err := d.workers.HasCapacity(ctx, pool, resourceClass)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: pool=%s resource_class=%s", ErrNoCapacity, pool, resourceClass)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dispatch: marshal message: %w", err)
	}
	stream := streamKey(pool, resourceClass)
	if err := d.rdb.XGroupCreateMkStream(ctx, stream, consumerGroup(pool, resourceClass), "0").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("dispatch: create consumer group: %w", err)
	}
	if err := d.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]any{"message": data}}).Err(); err != nil {
		return fmt.Errorf("dispatch: enqueue: %w", err)
	}

	expiry := time.Now().Add(time.Duration(msg.LeaseMS) * time.Millisecond).Unix()
	if err := d.rdb.ZAdd(ctx, leasesZSet, redis.Z{Score: float64(expiry), Member: leaseMember(msg.RunID, msg.OpID, msg.CtxID)}).Err(); err != nil {
		return fmt.Errorf("dispatch: stamp lease: %w", err)
	}
	return nil
}

func consumerGroup(pool, resourceClass string) string {
	return fmt.Sprintf("workers_%s_%s", pool, resourceClass)
}

// ReportNodeStart re-stamps the lease when a worker accepts a node,
// extending it by leaseMS from now.
func (d *Dispatcher) ReportNodeStart(ctx context.Context, runID string, opID int, ctxID int64, leaseMS int64) error {
	expiry := time.Now().Add(time.Duration(leaseMS) * time.Millisecond).Unix()
	return d.rdb.ZAdd(ctx, leasesZSet, redis.Z{Score: float64(expiry), Member: leaseMember(runID, opID, ctxID)}).Err()
}

// ClearLease removes a node's lease on completion (success or failure).
func (d *Dispatcher) ClearLease(ctx context.Context, runID string, opID int, ctxID int64) error {
	return d.rdb.ZRem(ctx, leasesZSet, leaseMember(runID, opID, ctxID)).Err()
}

// ExpireLeases finds nodes whose lease has elapsed and invokes
// onExpired for each, exactly once (ZRem happens before the callback
// is attempted; a failed callback does not re-arm the lease, matching
// §8 property 5's "no other transitions" lease-safety guarantee via
// CAS-like removal from the sorted set).
func (d *Dispatcher) ExpireLeases(ctx context.Context, now time.Time, onExpired FailureCallback) error {
	members, err := d.rdb.ZRangeByScore(ctx, leasesZSet, &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10)}).Result()
	if err != nil {
		return fmt.Errorf("dispatch: scan leases: %w", err)
	}
	for _, member := range members {
		removed, rerr := d.rdb.ZRem(ctx, leasesZSet, member).Result()
		if rerr != nil {
			return fmt.Errorf("dispatch: remove lease: %w", rerr)
		}
		if removed == 0 {
			continue // already claimed by a concurrent sweep
		}
		runID, opID, ctxID, perr := parseLeaseMember(member)
		if perr != nil {
			continue
		}
		if err := onExpired(ctx, runID, opID, ctxID, "lease expired"); err != nil {
			return err
		}
	}
	return nil
}

func parseLeaseMember(member string) (string, int, int64, error) {
	parts := strings.Split(member, ":")
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("dispatch: malformed lease member %q", member)
	}
	opID, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, 0, err
	}
	ctxID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, 0, err
	}
	return parts[0], opID, ctxID, nil
}

// Manifest is a type alias for registry.Manifest, the shape the
// dispatcher reads pool and policy fields from.
type Manifest = registry.Manifest
