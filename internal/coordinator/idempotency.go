package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// applyKey derives a deterministic idempotency key for one
// (run,op,ctx) triple, so a replayed ApplyTaskResult for the same node
// is recognized as a duplicate rather than applied twice (§8 property
// 7). This is a deliberate correction over the teacher's
// cmd/workflow-runner/sdk.go pattern, which mints a fresh uuid.New()
// per call and so cannot make a retried apply idempotent — see
// DESIGN.md's C6 entry.
func applyKey(runID string, opID int, ctxID int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", runID, opID, ctxID)))
	return "applied:" + hex.EncodeToString(h[:])
}

// markApplied records the apply marker, returning true if this call
// was the first to set it (i.e. the apply should proceed) and false if
// a prior call already applied this node.
func markApplied(ctx context.Context, rdb *redis.Client, runID string, opID int, ctxID int64) (first bool, err error) {
	ok, err := rdb.SetNX(ctx, applyKey(runID, opID, ctxID), 1, 24*time.Hour).Result()
	if err != nil {
		return false, fmt.Errorf("coordinator: idempotency marker: %w", err)
	}
	return ok, nil
}
