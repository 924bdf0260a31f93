package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/internal/dispatch"
	"github.com/lyzr/flowengine/internal/registry"
)

func newTestDispatcher(t *testing.T) (*dispatch.Dispatcher, *dispatch.WorkerRegistry, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	workers := dispatch.NewWorkerRegistry(rdb, time.Minute)
	return dispatch.New(rdb, workers), workers, rdb
}

func trustedManifest() registry.Manifest {
	return registry.Manifest{
		Trust:         registry.TrustTrusted,
		Runtime:       registry.RuntimeNative,
		ResourceClass: "cpu-small",
		InputArity:    2,
		OutputArity:   1,
	}
}

func TestEnqueueRejectsWithoutCapacity(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	err := d.Enqueue(context.Background(), trustedManifest(), dispatch.Message{
		RunID: "run-1", OpID: 0, CtxID: 0, TaskID: "add", LeaseMS: 1000,
	}, "cpu-small")
	assert.ErrorIs(t, err, dispatch.ErrNoCapacity)
}

func TestEnqueueRejectsPolicyViolation(t *testing.T) {
	d, workers, _ := newTestDispatcher(t)
	ctx := context.Background()
	require.NoError(t, workers.Register(ctx, "w1", "untrusted", "cpu-small"))

	m := registry.Manifest{Trust: registry.TrustUntrusted, Runtime: registry.RuntimeNative, ResourceClass: "cpu-small"}
	err := d.Enqueue(ctx, m, dispatch.Message{RunID: "run-1", TaskID: "bad"}, "cpu-small")
	assert.Error(t, err)
}

func TestEnqueueSucceedsAndStampsLease(t *testing.T) {
	d, workers, rdb := newTestDispatcher(t)
	ctx := context.Background()
	require.NoError(t, workers.Register(ctx, "w1", "trusted", "cpu-small"))

	err := d.Enqueue(ctx, trustedManifest(), dispatch.Message{
		RunID: "run-1", OpID: 3, CtxID: 7, TaskID: "add", LeaseMS: 60000,
	}, "cpu-small")
	require.NoError(t, err)

	n, err := rdb.ZCard(ctx, "leases").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestExpireLeasesInvokesCallbackOnce(t *testing.T) {
	d, workers, _ := newTestDispatcher(t)
	ctx := context.Background()
	require.NoError(t, workers.Register(ctx, "w1", "trusted", "cpu-small"))

	require.NoError(t, d.Enqueue(ctx, trustedManifest(), dispatch.Message{
		RunID: "run-1", OpID: 1, CtxID: 2, TaskID: "add", LeaseMS: 1,
	}, "cpu-small"))

	time.Sleep(10 * time.Millisecond)

	var calls int
	err := d.ExpireLeases(ctx, time.Now().Add(time.Second), func(_ context.Context, runID string, opID int, ctxID int64, reason string) error {
		calls++
		assert.Equal(t, "run-1", runID)
		assert.Equal(t, 1, opID)
		assert.EqualValues(t, 2, ctxID)
		assert.Equal(t, "lease expired", reason)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// A second sweep must not re-invoke the callback: the lease was
	// already removed.
	calls = 0
	require.NoError(t, d.ExpireLeases(ctx, time.Now().Add(time.Second), func(context.Context, string, int, int64, string) error {
		calls++
		return nil
	}))
	assert.Equal(t, 0, calls)
}

func TestClearLeaseRemovesMember(t *testing.T) {
	d, workers, rdb := newTestDispatcher(t)
	ctx := context.Background()
	require.NoError(t, workers.Register(ctx, "w1", "trusted", "cpu-small"))

	require.NoError(t, d.Enqueue(ctx, trustedManifest(), dispatch.Message{
		RunID: "run-1", OpID: 1, CtxID: 2, TaskID: "add", LeaseMS: 60000,
	}, "cpu-small"))
	require.NoError(t, d.ClearLease(ctx, "run-1", 1, 2))

	n, err := rdb.ZCard(ctx, "leases").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestWorkerRegistryHasCapacityExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	short := dispatch.NewWorkerRegistry(rdb, time.Millisecond)
	require.NoError(t, short.Register(ctx, "w1", "trusted", "cpu-small"))

	time.Sleep(20 * time.Millisecond)
	ok, err := short.HasCapacity(ctx, "trusted", "cpu-small")
	require.NoError(t, err)
	assert.False(t, ok, "expected no capacity after the heartbeat timeout elapsed")
}
