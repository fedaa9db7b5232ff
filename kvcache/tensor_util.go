package kvcache

import "github.com/shadowkv/shadowkv/ml"

// sliceSeqDim extracts positions [lo, hi) along dimension 2 of a
// [B, H, N, D] tensor into a freshly allocated contiguous tensor. The
// source layout interleaves the sequence axis between batch/head and
// head-dim, so this cannot be expressed as a single reinterpreted View;
// it is a genuine host-side gather, the kind of index-prep work spec.md
// §9 calls out as "the portable part" surrounding the fused kernels.
func sliceSeqDim(ctx ml.Context, t ml.Tensor, lo, hi int) ml.Tensor {
	shape := t.Shape()
	b, h, _, d := shape[0], shape[1], shape[2], shape[3]
	n := t.Shape()[2]
	width := hi - lo

	src := t.Floats()
	out := make([]float32, b*h*width*d)
	for bi := 0; bi < b; bi++ {
		for hi2 := 0; hi2 < h; hi2++ {
			srcOff := ((bi*h+hi2)*n + lo) * d
			dstOff := (bi*h + hi2) * width * d
			copy(out[dstOff:dstOff+width*d], src[srcOff:srcOff+width*d])
		}
	}
	return ctx.FromFloats(out, b, h, width, d)
}

// chunkSlice extracts one chunk's values for one (batch, kv-head) pair
// from a [B, H, N, D] tensor, returning a tensor of shape [C, D].
func chunkSlice(ctx ml.Context, t ml.Tensor, batch, head int, chunkID int32, chunkSize int) ml.Tensor {
	shape := t.Shape()
	h, n, d := shape[1], shape[2], shape[3]
	src := t.Floats()
	off := ((batch*h+head)*n + int(chunkID)*chunkSize) * d
	out := make([]float32, chunkSize*d)
	copy(out, src[off:off+chunkSize*d])
	return ctx.FromFloats(out, chunkSize, d)
}

// copyRow copies one position's row from a [B, H, N, D] tensor into a
// flat [B, H, MaxLength, D] resident buffer at the given absolute
// position.
func copyRow(buf []float32, maxLength, d int, batch, head, pos int, src ml.Tensor) {
	shape := src.Shape()
	h, n := shape[1], shape[2]
	srcVals := src.Floats()
	srcOff := ((batch*h+head)*n + pos) * d
	dstOff := ((batch*h+head)*maxLength + pos) * d
	copy(buf[dstOff:dstOff+d], srcVals[srcOff:srcOff+d])
}

// filterLandmarks gathers, per (batch, kv-head), only the landmark rows
// named by indexedChunks out of the full per-chunk landmark table,
// producing the rectangular [B, H_kv, M', D] table the retrieval engine
// scores against. Outlier membership (and so which rows survive) varies
// per head, which is why this is a host-side per-head gather rather than
// a single Rows call: Tensor.Rows gathers the same index set for every
// leading-dim slice, and here the index set itself differs per head.
func filterLandmarks(ctx ml.Context, landmarks ml.Tensor, indexedChunks [][]int32) ml.Tensor {
	shape := landmarks.Shape()
	b, h, m, d := shape[0], shape[1], shape[2], shape[3]
	mPrime := len(indexedChunks[0])

	src := landmarks.Floats()
	out := make([]float32, b*h*mPrime*d)
	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			bh := bi*h + hi
			for i, chunkID := range indexedChunks[bh] {
				srcOff := (bh*m + int(chunkID)) * d
				dstOff := (bh*mPrime + i) * d
				copy(out[dstOff:dstOff+d], src[srcOff:srcOff+d])
			}
		}
	}
	return ctx.FromFloats(out, b, h, mPrime, d)
}
