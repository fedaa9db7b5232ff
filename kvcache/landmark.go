package kvcache

import "github.com/shadowkv/shadowkv/ml"

// buildLandmarks implements spec.md §4.1: given the pre-RoPE key tensor
// for the leading, non-local-tail portion of a prefill (shape
// [B, H_kv, M*C, D]), returns one mean vector per chunk, shape
// [B, H_kv, M, D]. Landmarks are computed before any outlier filtering;
// the outlier detector decides afterward which of these M chunks stay in
// the indexed set.
func buildLandmarks(ctx ml.Context, keysPreRope ml.Tensor, chunkSize int) ml.Tensor {
	shape := keysPreRope.Shape()
	b, h, n, d := shape[0], shape[1], shape[2], shape[3]
	m := n / chunkSize

	chunked := keysPreRope.Reshape(ctx, b, h, m, chunkSize, d)
	summed := chunked.Mean(ctx, 3) // [B, H_kv, M, 1, D]
	return summed.Reshape(ctx, b, h, m, d)
}
