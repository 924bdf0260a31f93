package predicate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowengine/internal/store"
	"github.com/lyzr/flowengine/internal/value"
)

func TestEvaluateResolvesOperandsByValueID(t *testing.T) {
	st := store.NewInProcessStore()
	ctx := context.Background()
	root, err := st.CreateRoot(ctx, "run1")
	require.NoError(t, err)

	root, err = st.Bind(ctx, "run1", root, 3, value.Int(42))
	require.NoError(t, err)
	root, err = st.Bind(ctx, "run1", root, 1, value.Int(10))
	require.NoError(t, err)

	e := New(st)
	ok, err := e.Evaluate(ctx, "run1", root, "v3 > v1 + 10")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(ctx, "run1", root, "v3 < v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateCachesCompiledProgram(t *testing.T) {
	st := store.NewInProcessStore()
	ctx := context.Background()
	root, err := st.CreateRoot(ctx, "run1")
	require.NoError(t, err)
	root, err = st.Bind(ctx, "run1", root, 0, value.Bool(true))
	require.NoError(t, err)

	e := New(st)
	_, err = e.Evaluate(ctx, "run1", root, "v0")
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache["v0"]
	e.mu.RUnlock()
	assert.True(t, cached)
}

func TestEvaluateRejectsNonBooleanResult(t *testing.T) {
	st := store.NewInProcessStore()
	ctx := context.Background()
	root, err := st.CreateRoot(ctx, "run1")
	require.NoError(t, err)
	root, err = st.Bind(ctx, "run1", root, 5, value.Int(7))
	require.NoError(t, err)

	e := New(st)
	_, err = e.Evaluate(ctx, "run1", root, "v5 + 1")
	require.Error(t, err)
}

func TestEvaluateWithNoOperands(t *testing.T) {
	st := store.NewInProcessStore()
	ctx := context.Background()
	root, err := st.CreateRoot(ctx, "run1")
	require.NoError(t, err)

	e := New(st)
	ok, err := e.Evaluate(ctx, "run1", root, "1 < 2")
	require.NoError(t, err)
	assert.True(t, ok)
}
