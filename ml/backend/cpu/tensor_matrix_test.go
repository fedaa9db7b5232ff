package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatmulBatched(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	// two batches of a 2x2 identity-like multiply
	a := ctx.FromFloats([]float32{1, 0, 0, 1, 2, 0, 0, 2}, 2, 2, 2)
	bMat := ctx.FromFloats([]float32{5, 6, 7, 8, 5, 6, 7, 8}, 2, 2, 2)
	out := a.Matmul(ctx, bMat)

	require.Equal(t, []int{2, 2, 2}, out.Shape())
	assert.Equal(t, []float32{5, 6, 7, 8, 10, 12, 14, 16}, out.Floats())
}

func TestSoftmaxSumsToOne(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	ten := ctx.FromFloats([]float32{1, 2, 3}, 1, 3)
	out := ten.Softmax(ctx)

	var sum float32
	for _, v := range out.Floats() {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestMeanKeepsDim(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	ten := ctx.FromFloats([]float32{1, 2, 3, 4}, 1, 2, 2)
	out := ten.Mean(ctx, 1)

	assert.Equal(t, []int{1, 1, 2}, out.Shape())
	assert.Equal(t, []float32{2, 3}, out.Floats())
}

func TestMaxReduces(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	ten := ctx.FromFloats([]float32{1, 5, 3, 2}, 1, 2, 2)
	out := ten.Max(ctx, 1)

	assert.Equal(t, []int{1, 1, 2}, out.Shape())
	assert.Equal(t, []float32{3, 5}, out.Floats())
}

func TestScaleMultipliesEveryElement(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	ten := ctx.FromFloats([]float32{1, 2, 3}, 3)
	out := ten.Scale(ctx, 2)
	assert.Equal(t, []float32{2, 4, 6}, out.Floats())
}
