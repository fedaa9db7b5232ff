package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLandmarksIsChunkMean(t *testing.T) {
	ctx := newTestContext(t)

	// [B=1, H_kv=1, N=8, D=2], value(p, f) = p*10 + f.
	vals := make([]float32, 8*2)
	for p := 0; p < 8; p++ {
		for f := 0; f < 2; f++ {
			vals[p*2+f] = float32(p*10 + f)
		}
	}
	keys := ctx.FromFloats(vals, 1, 1, 8, 2)

	landmarks := buildLandmarks(ctx, keys, 4)
	require.Equal(t, []int{1, 1, 2, 2}, landmarks.Shape())
	assert.Equal(t, []float32{15, 16, 55, 56}, landmarks.Floats())
}
