package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowkv/shadowkv/ml"
)

func TestFromFloatsRoundTrip(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	src := []float32{1, 2, 3, 4, 5, 6}
	ten := ctx.FromFloats(src, 2, 3)

	assert.Equal(t, []int{2, 3}, ten.Shape())
	assert.Equal(t, src, ten.Floats())
}

func TestCastF16RoundTripLosesPrecision(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	ten := ctx.FromFloats([]float32{1.0 / 3.0}, 1)

	cast := ten.Cast(ctx, ml.DTypeF16)
	require.Equal(t, ml.DTypeF16, cast.DType())
	assert.NotEqual(t, float32(1.0/3.0), cast.Floats()[0])
	assert.InDelta(t, 1.0/3.0, cast.Floats()[0], 1e-3)
}

func TestCastF32IsIdentity(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	ten := ctx.FromFloats([]float32{1, 2, 3}, 3)
	cast := ten.Cast(ctx, ml.DTypeF32)
	assert.Equal(t, ten.Floats(), cast.Floats())
}

func TestBytesEncodesF32Width(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	ten := ctx.FromFloats([]float32{1, 2}, 2)
	assert.Len(t, ten.Bytes(), 8)
}

func TestViewSharesStorage(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	ten := ctx.FromFloats([]float32{1, 2, 3, 4}, 4)
	view := ten.View(ctx, 2, 2)
	assert.Equal(t, []float32{3, 4}, view.Floats())
}

func TestReshapeRequiresContiguous(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	ten := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2)
	permuted := ten.Permute(ctx, 1, 0)
	assert.Panics(t, func() { permuted.Reshape(ctx, 4) })
}
