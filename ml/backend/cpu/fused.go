package cpu

import (
	"fmt"

	"github.com/shadowkv/shadowkv/ml"
)

// FusedGatherMatmulRope is the CPU backend's implementation of the
// reconstruction contract ml.FusedGatherMatmulRope describes: gather the
// rows of sv named by indices, multiply by u to recover pre-RoPE key
// rows, rotate them with rope using the supplied absolute positions, and
// write the result directly into dst starting at dstOffset rows.
//
// u is the per-head left factor, shape [r, D]; sv is the per-head right
// factor, shape [N', r]. Both are 2-dimensional: callers slice the
// per-layer [B, H_kv, r, D] / [B, H_kv, N', r] tensors down to one
// (batch, kv-head) pair before calling this, since the fusion only makes
// sense for one head's reconstruction at a time.
func FusedGatherMatmulRope(ctx ml.Context, u, sv ml.Tensor, indices []int32, positions []int32, rope ml.RopeFunc, dst ml.Tensor, dstOffset int) error {
	if len(indices) != len(positions) {
		return fmt.Errorf("cpu: FusedGatherMatmulRope: %d indices but %d positions", len(indices), len(positions))
	}
	if len(u.Shape()) != 2 || len(sv.Shape()) != 2 {
		return fmt.Errorf("cpu: FusedGatherMatmulRope: u and sv must be 2-dimensional, got %v and %v", u.Shape(), sv.Shape())
	}

	idxTensor := ctx.FromInts(indices, len(indices))
	gathered := sv.Rows(ctx, idxTensor) // [k, r]
	preRope := gathered.Matmul(ctx, u)  // [k, D]

	posTensor := ctx.FromInts(positions, len(positions))
	rotated, err := rope(ctx, preRope, posTensor)
	if err != nil {
		return fmt.Errorf("cpu: FusedGatherMatmulRope: rope: %w", err)
	}

	d := rotated.Shape()[len(rotated.Shape())-1]
	view := dst.View(ctx, dstOffset*d, len(indices), d)
	rotated.Copy(ctx, view)
	return nil
}
