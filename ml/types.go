// Package ml defines the typed tensor substrate ShadowKV is built on: a
// small Context/Tensor interface pair plus the concrete CPU backend used as
// the cache's external collaborator for arithmetic (ml/backend/cpu).
//
// The fused gather/matmul/RoPE kernel described in spec §4.3 is exposed as
// a narrow function type rather than a method on Tensor, so alternative
// backends can supply a genuinely fused implementation without widening
// this interface.
package ml

// DType represents the data type of tensor elements.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI32
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI32:
		return "i32"
	default:
		return "other"
	}
}

// ElemSize returns the encoded size, in bytes, of a single element of the
// given type: the width Tensor.Bytes writes and the CPU backend counts
// against its memory budget.
func (d DType) ElemSize() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 0
	}
}
