package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBuildLowRankReconstructsWithinTolerance checks spec.md §8's
// quantified invariant U . SV[p] ~= K_pre_rope[p] directly against the
// factors buildLowRank returns, for a rank equal to the head dimension
// (so truncation drops nothing and reconstruction should be exact up to
// floating point error).
func TestBuildLowRankReconstructsWithinTolerance(t *testing.T) {
	ctx := newTestContext(t)

	const d, chunkSize, nChunks = 3, 4, 2
	n := chunkSize * nChunks
	vals := make([]float32, n*d)
	for p := 0; p < n; p++ {
		for f := 0; f < d; f++ {
			vals[p*d+f] = float32((p+1)*(f+2)%7) + float32(p)*0.37
		}
	}
	keys := ctx.FromFloats(vals, 1, 1, n, d)

	idx := outlierResult{
		outlierChunks: [][]int32{{}},
		indexedChunks: [][]int32{{0, 1}},
	}

	u, sv, err := buildLowRank(ctx, keys, idx, chunkSize, d)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, d, d}, u.Shape())
	require.Equal(t, []int{1, 1, n, d}, sv.Shape())

	uVals, svVals := u.Floats(), sv.Floats()
	for p := 0; p < n; p++ {
		for f := 0; f < d; f++ {
			var recon float32
			for r := 0; r < d; r++ {
				recon += uVals[r*d+f] * svVals[p*d+r]
			}
			assert.InDelta(t, vals[p*d+f], recon, 1e-2, "position %d feature %d", p, f)
		}
	}
}
