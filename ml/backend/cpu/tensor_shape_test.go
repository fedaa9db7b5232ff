package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermuteNumpyConvention(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	// [[1,2,3],[4,5,6]] shape [2,3]
	ten := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	transposed := ten.Permute(ctx, 1, 0)

	require.Equal(t, []int{3, 2}, transposed.Shape())
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, transposed.Floats())
}

func TestConcatAlongDim(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	a := ctx.FromFloats([]float32{1, 2}, 1, 2)
	b := ctx.FromFloats([]float32{3, 4}, 1, 2)
	out := a.Concat(ctx, b, 0)

	assert.Equal(t, []int{2, 2}, out.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4}, out.Floats())
}

func TestRowsGathersByIndex(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	ten := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	idx := ctx.FromInts([]int32{2, 0}, 2)
	out := ten.Rows(ctx, idx)

	assert.Equal(t, []int{2, 2}, out.Shape())
	assert.Equal(t, []float32{5, 6, 1, 2}, out.Floats())
}

func TestTopKDescendingWithLowestIndexTieBreak(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	ten := ctx.FromFloats([]float32{1, 5, 5, 2}, 1, 4)
	idx := ten.TopK(ctx, 2)

	assert.Equal(t, []int{1, 2}, idx.Shape())
	assert.Equal(t, []float32{1, 2}, idx.Floats())
}

func TestCopyWritesIntoContiguousDestination(t *testing.T) {
	ctx := &Context{b: &Backend{}}
	src := ctx.FromFloats([]float32{9, 9}, 2)
	dst := ctx.Empty(src.DType(), 2)
	src.Copy(ctx, dst)
	assert.Equal(t, []float32{9, 9}, dst.Floats())
}
