// Package store implements the value store facade (C4): an
// abstraction over in-process (C3-backed) and out-of-process value
// storage behind get/set/get_many, so the kernel never needs to know
// which backs a given run.
package store

import (
	"context"
	"errors"

	"github.com/lyzr/flowengine/internal/ctxtree"
	"github.com/lyzr/flowengine/internal/value"
)

// ErrValueConflict is returned by Bind on the external store when an
// existing binding for (ctx, var) disagrees with the new bytes.
var ErrValueConflict = errors.New("store: conflicting set for existing binding")

// ContextID is re-exported so callers need not import ctxtree directly.
type ContextID = ctxtree.ContextID

// Store is the facade every kernel/coordinator call goes through.
// Bind is idempotent: re-binding identical bytes to an existing
// (ctx,var) pair is a no-op; a conflicting bind is ErrValueConflict.
type Store interface {
	CreateRoot(ctx context.Context, runID string) (ContextID, error)
	Bind(ctx context.Context, runID string, c ContextID, varID int, v value.Value) (ContextID, error)
	Get(ctx context.Context, runID string, c ContextID, varID int) (value.Value, error)
	GetMany(ctx context.Context, runID string, c ContextID, varIDs []int) ([]value.Value, error)
	Parent(ctx context.Context, runID string, c ContextID) (ContextID, bool, error)
	Release(ctx context.Context, runID string, c ContextID) error
	Compare(ctx context.Context, runID string, a, b ContextID) (ctxtree.Order, error)
}
