// Package cpu is the reference ml.Backend: every op is plain Go over
// []float32, used by tests and by cmd/shadowkv-probe when no accelerator
// backend is linked in. It is not meant to be fast.
package cpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/shadowkv/shadowkv/ml"
)

// Tensor is a strided view over a shared []float32 buffer. Values are
// always held as float32; DType only affects Bytes() encoding and the
// precision loss Cast applies when narrowing.
type Tensor struct {
	data    []float32
	dtype   ml.DType
	offset  int
	shape   []int
	strides []int
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func newTensor(dtype ml.DType, shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &Tensor{
		data:    make([]float32, n),
		dtype:   dtype,
		shape:   append([]int(nil), shape...),
		strides: contiguousStrides(shape),
	}
}

func (t *Tensor) nelem() int {
	n := 1
	for _, s := range t.shape {
		n *= s
	}
	return n
}

func (t *Tensor) isContiguous() bool {
	want := contiguousStrides(t.shape)
	for i := range want {
		if want[i] != t.strides[i] {
			return false
		}
	}
	return true
}

// index returns the flat data index of the element at the given
// multi-dimensional position.
func (t *Tensor) index(pos []int) int {
	idx := t.offset
	for i, p := range pos {
		idx += p * t.strides[i]
	}
	return idx
}

func (t *Tensor) Dim(n int) int    { return t.shape[n] }
func (t *Tensor) Stride(n int) int { return t.strides[n] }
func (t *Tensor) Shape() []int     { return append([]int(nil), t.shape...) }
func (t *Tensor) DType() ml.DType  { return t.dtype }

// Cast returns a tensor of the given dtype. Narrowing to F16 or BF16
// round-trips every value through the narrower encoding so the returned
// tensor's Floats() reflects the precision loss the stored dtype implies,
// matching the low-rank factor down-cast contract.
func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := newTensor(dtype, t.shape...)
	src := t.Floats()
	switch dtype {
	case ml.DTypeF16:
		for i, v := range src {
			out.data[i] = float16.Fromfloat32(v).Float32()
		}
	case ml.DTypeBF16:
		copy(out.data, bfloat16.Decode(bfloat16.Encode(src)))
	default:
		copy(out.data, src)
	}
	return out
}

// Floats returns a dense, contiguous copy of the tensor's values in
// row-major order, decoding strided views on the fly.
func (t *Tensor) Floats() []float32 {
	n := t.nelem()
	out := make([]float32, n)
	if n == 0 {
		return out
	}
	pos := make([]int, len(t.shape))
	for i := range out {
		out[i] = t.data[t.index(pos)]
		for d := len(pos) - 1; d >= 0; d-- {
			pos[d]++
			if pos[d] < t.shape[d] {
				break
			}
			pos[d] = 0
		}
	}
	return out
}

// Bytes encodes the tensor's values using its declared dtype's on-disk
// width, little-endian. Used to serialize value chunks for the host-pinned
// value store.
func (t *Tensor) Bytes() []byte {
	vals := t.Floats()
	buf := make([]byte, len(vals)*t.dtype.ElemSize())
	for i, v := range vals {
		off := i * t.dtype.ElemSize()
		switch t.dtype {
		case ml.DTypeF32:
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		case ml.DTypeI32:
			binary.LittleEndian.PutUint32(buf[off:], uint32(int32(v)))
		case ml.DTypeF16:
			binary.LittleEndian.PutUint16(buf[off:], uint16(float16.Fromfloat32(v)))
		case ml.DTypeBF16:
			copy(buf[off:off+2], bfloat16.Encode([]float32{v}))
		default:
			panic(fmt.Sprintf("cpu: cannot encode dtype %s", t.dtype))
		}
	}
	return buf
}

func (t *Tensor) FromFloats(s []float32) {
	if len(s) != t.nelem() {
		panic(fmt.Sprintf("cpu: FromFloats: got %d values, tensor has %d elements", len(s), t.nelem()))
	}
	if !t.isContiguous() || t.offset != 0 {
		panic("cpu: FromFloats requires a fresh contiguous tensor")
	}
	copy(t.data, s)
}

func (t *Tensor) FromInts(s []int32) {
	if len(s) != t.nelem() {
		panic(fmt.Sprintf("cpu: FromInts: got %d values, tensor has %d elements", len(s), t.nelem()))
	}
	if !t.isContiguous() || t.offset != 0 {
		panic("cpu: FromInts requires a fresh contiguous tensor")
	}
	for i, v := range s {
		t.data[i] = float32(v)
	}
}
