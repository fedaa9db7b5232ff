package kvcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowkv/shadowkv/device"
	"github.com/shadowkv/shadowkv/ml"
)

func smallCacheConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxLength = 32
	cfg.BatchSize = 1
	cfg.NumKVHeads = 1
	cfg.NumQueryHeads = 1
	cfg.HeadDim = 2
	cfg.ChunkSize = 4
	cfg.SparseBudget = 4
	cfg.Rank = 2
	cfg.LocalChunks = 1
	cfg.OutlierChunks = 1
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	ctx := newTestContext(t)
	cfg := smallCacheConfig()
	cfg.MaxLength = 0
	_, err := New(cfg, 1, ctx)
	assert.ErrorIs(t, err, ErrContractViolation)
}

func TestNewStartsUninitialised(t *testing.T) {
	ctx := newTestContext(t)
	c, err := New(smallCacheConfig(), 1, ctx)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, StateUninitialised, c.State())
}

func TestDecodeBeforePrefillIsRejected(t *testing.T) {
	ctx := newTestContext(t)
	c, err := New(smallCacheConfig(), 1, ctx)
	require.NoError(t, err)
	defer c.Close()

	q := ctx.FromFloats(make([]float32, 2), 1, 1, 2)
	_, err = c.GetRetrievalPositionIds(0, q)
	assert.ErrorIs(t, err, ErrContractViolation)
}

func TestPrefillTwiceIsRejected(t *testing.T) {
	ctx := newTestContext(t)
	cfg := smallCacheConfig()
	c, err := New(cfg, 1, ctx)
	require.NoError(t, err)
	defer c.Close()

	n := cfg.ChunkSize * 2
	k := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)
	v := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)
	require.NoError(t, c.Prefill(0, k, k, v))

	err = c.Prefill(0, k, k, v)
	assert.ErrorIs(t, err, ErrContractViolation)
}

func TestClearReturnsToUninitialisedAndAllowsReprefill(t *testing.T) {
	ctx := newTestContext(t)
	cfg := smallCacheConfig()
	c, err := New(cfg, 1, ctx)
	require.NoError(t, err)
	defer c.Close()

	n := cfg.ChunkSize * 2
	k := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)
	v := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)
	require.NoError(t, c.Prefill(0, k, k, v))
	assert.Equal(t, StateReady, c.State())

	c.Clear()
	assert.Equal(t, StateCleared, c.State())
	require.NoError(t, c.Prefill(0, k, k, v))
}

func TestPrefillAcrossMultipleLayersReachesReadyOnlyAfterTheLast(t *testing.T) {
	ctx := newTestContext(t)
	cfg := smallCacheConfig()
	const numLayers = 4
	c, err := New(cfg, numLayers, ctx)
	require.NoError(t, err)
	defer c.Close()

	n := cfg.ChunkSize * 2
	k := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)
	v := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)

	for layer := 0; layer < numLayers; layer++ {
		require.NoError(t, c.Prefill(layer, k, k, v))
		if layer < numLayers-1 {
			assert.Equal(t, StatePrefilling, c.State(), "state must stay PREFILLING until every layer is prefilled")
		} else {
			assert.Equal(t, StateReady, c.State())
		}
	}
}

func TestToDeviceIsANoOpOnAnAlreadyCastLayer(t *testing.T) {
	ctx := newTestContext(t)
	cfg := smallCacheConfig()
	cfg.DType = ml.DTypeF32
	c, err := New(cfg, 1, ctx)
	require.NoError(t, err)
	defer c.Close()

	n := cfg.ChunkSize * 4
	k := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)
	v := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)
	require.NoError(t, c.Prefill(0, k, k, v))
	require.NoError(t, c.BuildLowRank(0, k))

	assert.NoError(t, c.ToDevice(0))
}

func TestToDeviceOnUnprefilledLayerIsANoOp(t *testing.T) {
	ctx := newTestContext(t)
	c, err := New(smallCacheConfig(), 1, ctx)
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.ToDevice(0))
}

func TestNewAdmittedBoundsConcurrentCaches(t *testing.T) {
	admitter := device.NewAdmitter(1)

	c1, err := NewAdmitted(context.Background(), admitter, smallCacheConfig(), 1, newTestContext(t))
	require.NoError(t, err)

	admittedCtx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_, err = NewAdmitted(admittedCtx, admitter, smallCacheConfig(), 1, newTestContext(t))
	assert.Error(t, err, "second concurrent admission should block until the context times out")

	c1.Close()
	c2, err := NewAdmitted(context.Background(), admitter, smallCacheConfig(), 1, newTestContext(t))
	require.NoError(t, err, "closing c1 must release its slot for c2")
	c2.Close()
}

func TestUpdateBeyondMaxLengthIsRejected(t *testing.T) {
	ctx := newTestContext(t)
	cfg := smallCacheConfig()
	cfg.MaxLength = cfg.ChunkSize * 2
	c, err := New(cfg, 1, ctx)
	require.NoError(t, err)
	defer c.Close()

	n := cfg.MaxLength
	k := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)
	v := ctx.FromFloats(make([]float32, n*cfg.HeadDim), 1, 1, n, cfg.HeadDim)
	require.NoError(t, c.Prefill(0, k, k, v))

	kNew := ctx.FromFloats(make([]float32, cfg.HeadDim), 1, 1, 1, cfg.HeadDim)
	vNew := ctx.FromFloats(make([]float32, cfg.HeadDim), 1, 1, 1, cfg.HeadDim)
	err = c.Update(0, kNew, vNew)
	assert.ErrorIs(t, err, ErrLengthExceeded)
}
