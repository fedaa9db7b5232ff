package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowkv/shadowkv/ml"
	_ "github.com/shadowkv/shadowkv/ml/backend/cpu"
)

// TestPrefillReturnsResourceExhaustedOnceBudgetIsCrossed covers spec.md
// §7's resource-exhaustion error kind: once a backend's configured memory
// budget is crossed, Prefill must surface ml.ErrResourceExhausted rather
// than panicking the process or silently truncating the allocation.
func TestPrefillReturnsResourceExhaustedOnceBudgetIsCrossed(t *testing.T) {
	backend, err := ml.NewBackend("cpu", ml.BackendParams{})
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	budgeted, ok := backend.(ml.BudgetedBackend)
	require.True(t, ok, "cpu backend must implement ml.BudgetedBackend")

	ctx := backend.NewContext()
	cfg := smallCacheConfig()
	c, err := New(cfg, 1, ctx)
	require.NoError(t, err)
	defer c.Close()

	// Past the dense-mode threshold ((LocalChunks+OutlierChunks)*ChunkSize
	// == 8 for smallCacheConfig), so Prefill takes the sparse path and
	// actually allocates landmark/outlier tensors through ctx, the only
	// path that exercises the backend's tracked allocations.
	n := cfg.ChunkSize * 4
	k := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)
	v := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)

	// Set the budget only once the inputs above are already allocated, so
	// the very next allocation Prefill makes is guaranteed to cross it.
	budgeted.SetMemoryBudget(1)

	err = c.Prefill(0, k, k, v)
	var exhausted ml.ErrResourceExhausted
	assert.ErrorAs(t, err, &exhausted, "Prefill must return ml.ErrResourceExhausted, got %v", err)
}

// TestPrefillSucceedsWithinBudget is the control case: a budget generous
// enough for the workload must not interfere with a normal prefill.
func TestPrefillSucceedsWithinBudget(t *testing.T) {
	backend, err := ml.NewBackend("cpu", ml.BackendParams{})
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	backend.(ml.BudgetedBackend).SetMemoryBudget(1 << 30)

	ctx := backend.NewContext()
	cfg := smallCacheConfig()
	c, err := New(cfg, 1, ctx)
	require.NoError(t, err)
	defer c.Close()

	// Past the dense-mode threshold ((LocalChunks+OutlierChunks)*ChunkSize
	// == 8 for smallCacheConfig), so Prefill takes the sparse path and
	// actually allocates landmark/outlier tensors through ctx, the only
	// path that exercises the backend's tracked allocations.
	n := cfg.ChunkSize * 4
	k := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)
	v := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)

	assert.NoError(t, c.Prefill(0, k, k, v))
}
