package cpu

import (
	"fmt"
	"math"

	"github.com/shadowkv/shadowkv/ml"
)

// Matmul treats the last two dimensions of t ([..., m, k]) and t2
// ([..., k, n]) as matrices and batches over any matching leading
// dimensions, producing [..., m, n]. This is the primitive affinity
// scoring, grouped-query reduction and low-rank reconstruction all
// reduce to.
func (t *Tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	o := t2.(*Tensor)
	ra, rb := len(t.shape), len(o.shape)
	if ra < 2 || rb < 2 {
		panic("cpu: Matmul: both operands must be at least 2-dimensional")
	}
	m, k := t.shape[ra-2], t.shape[ra-1]
	k2, n := o.shape[rb-2], o.shape[rb-1]
	if k != k2 {
		panic(fmt.Sprintf("cpu: Matmul: inner dimensions differ (%d vs %d)", k, k2))
	}

	aBatch := t.shape[:ra-2]
	bBatch := o.shape[:rb-2]
	var batch []int
	switch {
	case len(aBatch) == 0:
		batch = bBatch
	case len(bBatch) == 0:
		batch = aBatch
	default:
		if len(aBatch) != len(bBatch) {
			panic("cpu: Matmul: batch rank mismatch")
		}
		batch = aBatch
	}

	batchCount := 1
	for _, s := range batch {
		batchCount *= s
	}

	outShape := append(append([]int(nil), batch...), m, n)
	out := newTensor(ml.DTypeF32, outShape...)

	aVals := t.Floats()
	bVals := o.Floats()
	aStride := m * k
	bStride := k * n
	aRepeat := len(aBatch) != 0
	bRepeat := len(bBatch) != 0

	for bi := 0; bi < batchCount; bi++ {
		aOff := 0
		if aRepeat {
			aOff = bi * aStride
		}
		bOff := 0
		if bRepeat {
			bOff = bi * bStride
		}
		outOff := bi * m * n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum float32
				for x := 0; x < k; x++ {
					sum += aVals[aOff+i*k+x] * bVals[bOff+x*n+j]
				}
				out.data[outOff+i*n+j] = sum
			}
		}
	}
	return out
}

// Softmax applies softmax along the last dimension.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	last := len(t.shape) - 1
	width := t.shape[last]
	rows := t.nelem() / width
	vals := t.Floats()
	out := newTensor(ml.DTypeF32, t.shape...)

	for r := 0; r < rows; r++ {
		row := vals[r*width : (r+1)*width]
		max := float32(math.Inf(-1))
		for _, v := range row {
			if v > max {
				max = v
			}
		}
		var sum float32
		exp := make([]float32, width)
		for i, v := range row {
			e := float32(math.Exp(float64(v - max)))
			exp[i] = e
			sum += e
		}
		for i, e := range exp {
			out.data[r*width+i] = e / sum
		}
	}
	return out
}

func (t *Tensor) reduce(dim int, init float32, fn func(acc, v float32) float32) *Tensor {
	outShape := append([]int(nil), t.shape...)
	outShape[dim] = 1
	out := newTensor(ml.DTypeF32, outShape...)

	vals := t.Floats()
	strides := contiguousStrides(t.shape)
	outStrides := contiguousStrides(outShape)

	pos := make([]int, len(t.shape))
	acc := make([]float32, out.nelem())
	for i := range acc {
		acc[i] = init
	}
	total := t.nelem()
	for flat := 0; flat < total; flat++ {
		outFlat := 0
		for i, p := range pos {
			op := p
			if i == dim {
				op = 0
			}
			outFlat += op * outStrides[i]
		}
		acc[outFlat] = fn(acc[outFlat], vals[flat])
		for d := len(pos) - 1; d >= 0; d-- {
			pos[d]++
			if pos[d] < t.shape[d] {
				break
			}
			pos[d] = 0
		}
	}
	_ = strides
	copy(out.data, acc)
	return out
}

// Mean reduces along dim, keeping it as a size-1 dimension.
func (t *Tensor) Mean(ctx ml.Context, dim int) ml.Tensor {
	sum := t.reduce(dim, 0, func(acc, v float32) float32 { return acc + v })
	n := float32(t.shape[dim])
	for i := range sum.data {
		sum.data[i] /= n
	}
	return sum
}

// Max reduces along dim, keeping it as a size-1 dimension.
func (t *Tensor) Max(ctx ml.Context, dim int) ml.Tensor {
	return t.reduce(dim, float32(math.Inf(-1)), func(acc, v float32) float32 {
		if v > acc {
			return v
		}
		return acc
	})
}
