package cpu

import (
	"fmt"

	"github.com/shadowkv/shadowkv/ml"
)

func elementwise(t, t2 *Tensor, fn func(a, b float32) float32) *Tensor {
	a := t.Floats()
	b := t2.Floats()
	if len(b) == 1 {
		out := newTensor(t.dtype, t.shape...)
		for i, v := range a {
			out.data[i] = fn(v, b[0])
		}
		return out
	}
	if len(a) != len(b) {
		panic(fmt.Sprintf("cpu: elementwise op: shape mismatch %v vs %v", t.shape, t2.shape))
	}
	out := newTensor(t.dtype, t.shape...)
	for i := range a {
		out.data[i] = fn(a[i], b[i])
	}
	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return elementwise(t, t2.(*Tensor), func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return elementwise(t, t2.(*Tensor), func(a, b float32) float32 { return a - b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return elementwise(t, t2.(*Tensor), func(a, b float32) float32 { return a * b })
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := newTensor(t.dtype, t.shape...)
	src := t.Floats()
	for i, v := range src {
		out.data[i] = v * float32(s)
	}
	return out
}
