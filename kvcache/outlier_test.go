package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDetectOutliersPicksLowestMinSimilarity builds two chunks: one with a
// constant key vector (landmark similarity 1.0 for every member) and one
// whose members point in different directions than their mean (lower
// minimum similarity), and checks the varying chunk is the one flagged.
func TestDetectOutliersPicksLowestMinSimilarity(t *testing.T) {
	ctx := newTestContext(t)

	vals := make([]float32, 8*2)
	// chunk 0: constant [10, 20]
	for p := 0; p < 4; p++ {
		vals[p*2+0] = 10
		vals[p*2+1] = 20
	}
	// chunk 1: alternating [1,0] / [0,1]
	for p := 4; p < 8; p++ {
		if p%2 == 0 {
			vals[p*2+0], vals[p*2+1] = 1, 0
		} else {
			vals[p*2+0], vals[p*2+1] = 0, 1
		}
	}
	keys := ctx.FromFloats(vals, 1, 1, 8, 2)
	landmarks := buildLandmarks(ctx, keys, 4)

	result := detectOutliers(keys, landmarks, 4, 1)
	assert.Equal(t, []int32{1}, result.outlierChunks[0])
	assert.Equal(t, []int32{0}, result.indexedChunks[0])
}

func TestDetectOutliersCountIsFixedAcrossHeads(t *testing.T) {
	ctx := newTestContext(t)

	// 2 kv-heads, 3 chunks each, identical layout.
	vals := make([]float32, 2*12*2)
	for h := 0; h < 2; h++ {
		for p := 0; p < 12; p++ {
			off := (h*12+p)*2
			vals[off] = float32(p%3) * float32(h+1)
			vals[off+1] = float32(p / 3)
		}
	}
	keys := ctx.FromFloats(vals, 1, 2, 12, 2)
	landmarks := buildLandmarks(ctx, keys, 4)

	result := detectOutliers(keys, landmarks, 4, 2)
	assert.Len(t, result.outlierChunks[0], 2)
	assert.Len(t, result.outlierChunks[1], 2)
	assert.Len(t, result.indexedChunks[0], 1)
	assert.Len(t, result.indexedChunks[1], 1)
}
