package kvcache

import (
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"github.com/shadowkv/shadowkv/ml"
)

// errSVDNotConverged signals the numeric-failure kind of spec.md §7: the
// caller falls back to dense resident mode for the affected layer rather
// than propagating the error.
var errSVDNotConverged = fmt.Errorf("kvcache: truncated SVD did not converge")

// buildLowRank implements spec.md §4.3: for each (batch, kv-head) pair,
// factorize the indexed-chunk pre-RoPE key matrix (shape [D, N']) via a
// truncated SVD of rank r, storing the left factor U ([r, D]) and the
// combined right factor SV = diag(Sigma)*V^T ([N', r]).
//
// keysPreRope is the full leading (non-local-tail) key tensor, shape
// [B, H_kv, M*C, D]; idx gives, per (b, h), the ascending chunk ids that
// belong to the indexed set (the complement of the outlier set).
func buildLowRank(ctx ml.Context, keysPreRope ml.Tensor, idx outlierResult, chunkSize, rank int) (u, sv ml.Tensor, err error) {
	shape := keysPreRope.Shape()
	b, h, _, d := shape[0], shape[1], shape[2], shape[3]
	mChunks := shape[2] / chunkSize
	keyVals := keysPreRope.Floats()

	nPrime := len(idx.indexedChunks[0]) * chunkSize

	uOut := make([]float32, b*h*rank*d)
	svOut := make([]float32, b*h*nPrime*rank)

	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			bh := bi*h + hi
			chunks := idx.indexedChunks[bh]
			if len(chunks)*chunkSize != nPrime {
				return nil, nil, fmt.Errorf("%w: ragged indexed-chunk set across heads", ErrContractViolation)
			}

			// Columns of k are sequence positions, rows are head-dim
			// features: shape [D, N'].
			k := mat.NewDense(d, nPrime, nil)
			col := 0
			for _, chunkID := range chunks {
				for p := 0; p < chunkSize; p++ {
					keyOff := (bh*mChunks*chunkSize + int(chunkID)*chunkSize + p) * d
					for di := 0; di < d; di++ {
						k.Set(di, col, float64(keyVals[keyOff+di]))
					}
					col++
				}
			}

			var svd mat.SVD
			if ok := svd.Factorize(k, mat.SVDThin); !ok {
				return nil, nil, errSVDNotConverged
			}

			values := svd.Values(nil)
			r := min(rank, len(values))

			var uFull, vFull mat.Dense
			svd.UTo(&uFull)
			svd.VTo(&vFull)

			// U: keep the first r columns, shape [D, r], then transpose
			// into the stored [r, D] layout.
			for di := 0; di < d; di++ {
				for ri := 0; ri < r; ri++ {
					uOut[(bh*rank+ri)*d+di] = float32(uFull.At(di, ri))
				}
			}
			for ri := r; ri < rank; ri++ {
				for di := 0; di < d; di++ {
					uOut[(bh*rank+ri)*d+di] = 0
				}
			}

			// SV[p, ri] = Sigma[ri] * V[p, ri], shape [N', r].
			for p := 0; p < nPrime; p++ {
				for ri := 0; ri < r; ri++ {
					svOut[(bh*nPrime+p)*rank+ri] = float32(values[ri] * vFull.At(p, ri))
				}
				for ri := r; ri < rank; ri++ {
					svOut[(bh*nPrime+p)*rank+ri] = 0
				}
			}
		}
	}

	u = ctx.FromFloats(uOut, b, h, rank, d)
	sv = ctx.FromFloats(svOut, b, h, nPrime, rank)
	return u, sv, nil
}

func logNumericFallback(layerIdx int, err error) {
	slog.Warn("shadowkv numeric failure, falling back to dense resident mode", "layer", layerIdx, "error", err)
}
