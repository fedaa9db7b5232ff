package ml

// Context represents an execution scope for tensor operations: an
// allocator plus a queue of pending work. A concrete backend's Context is
// free to execute eagerly (as the CPU backend does) or to build a graph and
// defer execution to Compute; callers must not assume either.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	Forward(...Tensor) Context
	Compute(...Tensor)
	Close()

	// Input returns a context appropriate for creating tensors that are
	// inputs to a decode step (queries, position ids, landmark indices).
	Input() Context

	// Layer returns a context scoped to a single transformer layer's
	// buffers.
	Layer(int) Context
}

// Tensor represents a multi-dimensional array together with the operations
// the cache's landmark/outlier/low-rank/retrieval logic needs. It is
// intentionally narrower than a general-purpose tensor library: ShadowKV
// only ever reshapes, reduces, gathers and multiplies small per-step
// tensors, never runs a full decoder layer.
type Tensor interface {
	Dim(n int) int
	Stride(n int) int
	Shape() []int
	DType() DType
	Cast(ctx Context, dtype DType) Tensor

	Bytes() []byte
	Floats() []float32
	FromFloats([]float32)
	FromInts([]int32)

	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor

	Matmul(ctx Context, t2 Tensor) Tensor

	// Softmax applies softmax along the last dimension.
	Softmax(ctx Context) Tensor

	// Mean and Max reduce along the given dimension, keeping it as a
	// size-1 dimension (used for the grouped-query reduction of §4.5).
	Mean(ctx Context, dim int) Tensor
	Max(ctx Context, dim int) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	View(ctx Context, offset int, shape ...int) Tensor
	Permute(ctx Context, shape ...int) Tensor
	Contiguous(ctx Context) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Rows gathers rows of t indexed by idxs (an I32 tensor) along
	// dimension 0, the primitive both landmark affinity scoring and
	// low-rank key reconstruction are built from.
	Rows(ctx Context, idxs Tensor) Tensor
	Copy(ctx Context, dst Tensor) Tensor

	// TopK returns the indices (as an I32 tensor) of the k largest
	// elements along the last dimension, descending, ties broken by
	// lowest index first (spec §8).
	TopK(ctx Context, k int) Tensor
}

// RopeFunc applies rotary positional embedding to a tensor of pre-rotation
// keys, given the absolute position of each row. It is the narrow seam
// spec §9 calls out: the cache prepares indices and un-rotated key
// material, and hands rotation to a collaborator that knows the model's
// RoPE convention (base, scaling, partial rotation, ...).
type RopeFunc func(ctx Context, keys Tensor, positions Tensor) (Tensor, error)

// FusedGatherMatmulRope implements the reconstruction contract of spec
// §4.3: given the left factor U, the right factor SV, the SV row indices
// to reconstruct, the absolute position of each of those rows, and a RoPE
// callable, it must gather those rows of SV, multiply by U, apply rope
// using the absolute positions, and write the
// result directly into dst at dstOffset without materialising the full
// pre-RoPE intermediate. The CPU backend's implementation in
// ml/backend/cpu satisfies this by construction (everything is one
// function call); a real accelerator backend would implement this as one
// fused kernel launch.
type FusedGatherMatmulRope func(ctx Context, u, sv Tensor, indices []int32, positions []int32, rope RopeFunc, dst Tensor, dstOffset int) error
