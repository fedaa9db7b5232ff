package kvcache

import (
	"math"
	"sort"

	"github.com/shadowkv/shadowkv/ml"
)

// outlierResult is the per-(batch, kv-head) outcome of outlier detection:
// which chunk ids (local to the leading, non-local-tail portion) are kept
// raw-resident because their landmark poorly represents their members,
// and which remain in the landmark-indexed set.
type outlierResult struct {
	outlierChunks [][]int32 // [b*H_kv+h] -> ascending chunk ids, len == min(kOutlier, M)
	indexedChunks [][]int32 // [b*H_kv+h] -> ascending chunk ids, the complement
}

// detectOutliers implements spec.md §4.2. keysPreRope and landmarks share
// the same leading, non-local-tail shape convention as buildLandmarks:
// keysPreRope is [B, H_kv, M*C, D], landmarks is [B, H_kv, M, D].
//
// The outlier count is fixed at min(kOutlier, M) for every (batch,
// kv-head) pair so the landmark-indexed set has the same size across
// heads, keeping the low-rank factor tensors rectangular; only which
// chunks are chosen varies per head.
func detectOutliers(keysPreRope, landmarks ml.Tensor, chunkSize, kOutlier int) outlierResult {
	shape := keysPreRope.Shape()
	b, h, _, d := shape[0], shape[1], shape[2], shape[3]
	m := landmarks.Shape()[2]

	keyVals := keysPreRope.Floats()
	landmarkVals := landmarks.Floats()

	n := min(kOutlier, m)
	out := outlierResult{
		outlierChunks: make([][]int32, b*h),
		indexedChunks: make([][]int32, b*h),
	}

	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			bh := bi*h + hi
			minSim := make([]float64, m)
			for ci := 0; ci < m; ci++ {
				landmarkOff := ((bi*h+hi)*m + ci) * d
				landmark := landmarkVals[landmarkOff : landmarkOff+d]

				worst := math.Inf(1)
				for p := 0; p < chunkSize; p++ {
					keyOff := ((bi*h+hi)*(m*chunkSize) + ci*chunkSize + p) * d
					key := keyVals[keyOff : keyOff+d]
					sim := cosineSimilarity(landmark, key)
					if sim < worst {
						worst = sim
					}
				}
				minSim[ci] = worst
			}

			order := make([]int, m)
			for i := range order {
				order[i] = i
			}
			sort.SliceStable(order, func(i, j int) bool {
				return minSim[order[i]] < minSim[order[j]]
			})

			outlierSet := make(map[int32]struct{}, n)
			outliers := make([]int32, 0, n)
			for i := 0; i < n; i++ {
				id := int32(order[i])
				outliers = append(outliers, id)
				outlierSet[id] = struct{}{}
			}
			sort.Slice(outliers, func(i, j int) bool { return outliers[i] < outliers[j] })

			indexed := make([]int32, 0, m-n)
			for ci := 0; ci < m; ci++ {
				if _, isOutlier := outlierSet[int32(ci)]; !isOutlier {
					indexed = append(indexed, int32(ci))
				}
			}

			out.outlierChunks[bh] = outliers
			out.indexedChunks[bh] = indexed
		}
	}

	return out
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
