package cpu

import (
	"fmt"

	"github.com/shadowkv/shadowkv/ml"
)

// Reshape returns a view with a new shape over the same data. t must be
// contiguous; ShadowKV never reshapes a permuted view directly, it calls
// Contiguous first as the teacher's backend does.
func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if !t.isContiguous() {
		panic("cpu: Reshape requires a contiguous tensor")
	}
	n := 1
	for _, s := range shape {
		n *= s
	}
	if n != t.nelem() {
		panic(fmt.Sprintf("cpu: Reshape: %d elements does not fit shape %v", t.nelem(), shape))
	}
	return &Tensor{
		data:    t.data,
		dtype:   t.dtype,
		offset:  t.offset,
		shape:   append([]int(nil), shape...),
		strides: contiguousStrides(shape),
	}
}

// View returns a contiguous-shaped window into t's backing buffer starting
// at the given element offset, sharing storage (no copy).
func (t *Tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	return &Tensor{
		data:    t.data,
		dtype:   t.dtype,
		offset:  t.offset + offset,
		shape:   append([]int(nil), shape...),
		strides: contiguousStrides(shape),
	}
}

// Permute reorders t's axes so that output axis i reads from input axis
// order[i] (numpy transpose convention), sharing storage.
func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != len(t.shape) {
		panic(fmt.Sprintf("cpu: Permute: order length %d does not match rank %d", len(order), len(t.shape)))
	}
	shape := make([]int, len(order))
	strides := make([]int, len(order))
	for i, axis := range order {
		shape[i] = t.shape[axis]
		strides[i] = t.strides[axis]
	}
	return &Tensor{
		data:    t.data,
		dtype:   t.dtype,
		offset:  t.offset,
		shape:   shape,
		strides: strides,
	}
}

// Contiguous materialises t into a freshly allocated, row-major buffer.
func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	out := newTensor(t.dtype, t.shape...)
	copy(out.data, t.Floats())
	return out
}

// Concat joins t and t2 along dim. All other dimensions must match.
func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	o := t2.(*Tensor)
	if len(t.shape) != len(o.shape) {
		panic("cpu: Concat: rank mismatch")
	}
	shape := append([]int(nil), t.shape...)
	shape[dim] = t.shape[dim] + o.shape[dim]
	for i := range shape {
		if i == dim {
			continue
		}
		if t.shape[i] != o.shape[i] {
			panic(fmt.Sprintf("cpu: Concat: dim %d mismatch %d vs %d", i, t.shape[i], o.shape[i]))
		}
	}

	out := newTensor(t.dtype, shape...)
	aVals, bVals := t.Floats(), o.Floats()
	pos := make([]int, len(shape))
	outStrides := contiguousStrides(shape)
	var walk func(d int)
	walk = func(d int) {
		if d == len(shape) {
			flat := 0
			for i, p := range pos {
				flat += p * outStrides[i]
			}
			if pos[dim] < t.shape[dim] {
				aPos := append([]int(nil), pos...)
				aFlat := 0
				aStrides := contiguousStrides(t.shape)
				for i, p := range aPos {
					aFlat += p * aStrides[i]
				}
				out.data[flat] = aVals[aFlat]
			} else {
				bPos := append([]int(nil), pos...)
				bPos[dim] -= t.shape[dim]
				bFlat := 0
				bStrides := contiguousStrides(o.shape)
				for i, p := range bPos {
					bFlat += p * bStrides[i]
				}
				out.data[flat] = bVals[bFlat]
			}
			return
		}
		for i := 0; i < shape[d]; i++ {
			pos[d] = i
			walk(d + 1)
		}
	}
	walk(0)
	return out
}

// Rows gathers rows along dimension 0, indexed by the I32 tensor idxs.
// The result has shape [len(idxs), t.shape[1:]...].
func (t *Tensor) Rows(ctx ml.Context, idxs ml.Tensor) ml.Tensor {
	idx := idxs.(*Tensor)
	if len(idx.shape) != 1 {
		panic("cpu: Rows: idxs must be 1-dimensional")
	}
	rowShape := t.shape[1:]
	rowLen := 1
	for _, s := range rowShape {
		rowLen *= s
	}
	outShape := append([]int{idx.shape[0]}, rowShape...)
	out := newTensor(t.dtype, outShape...)
	src := t.Floats()
	idxVals := idx.Floats()
	for i, fi := range idxVals {
		row := int(fi)
		copy(out.data[i*rowLen:(i+1)*rowLen], src[row*rowLen:(row+1)*rowLen])
	}
	return out
}

// Copy writes t's values into dst's backing storage and returns dst. dst
// must have the same shape as t.
func (t *Tensor) Copy(ctx ml.Context, dst ml.Tensor) ml.Tensor {
	d := dst.(*Tensor)
	vals := t.Floats()
	if !d.isContiguous() {
		panic("cpu: Copy: destination must be contiguous")
	}
	copy(d.data[d.offset:d.offset+len(vals)], vals)
	return d
}

// TopK returns the indices of the k largest elements along the last
// dimension, descending, ties broken by lowest index first.
func (t *Tensor) TopK(ctx ml.Context, k int) ml.Tensor {
	last := len(t.shape) - 1
	width := t.shape[last]
	rows := t.nelem() / width
	vals := t.Floats()

	outShape := append([]int(nil), t.shape...)
	outShape[last] = k
	out := newTensor(ml.DTypeI32, outShape...)

	for r := 0; r < rows; r++ {
		row := vals[r*width : (r+1)*width]
		order := make([]int, width)
		for i := range order {
			order[i] = i
		}
		// selection sort descending by value, ascending index on ties
		for i := 0; i < k && i < width; i++ {
			best := i
			for j := i + 1; j < width; j++ {
				v, bv := row[order[j]], row[order[best]]
				if v > bv || (v == bv && order[j] < order[best]) {
					best = j
				}
			}
			order[i], order[best] = order[best], order[i]
		}
		for i := 0; i < k; i++ {
			out.data[r*k+i] = float32(order[i])
		}
	}
	return out
}
