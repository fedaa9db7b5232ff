package cpu

import "github.com/shadowkv/shadowkv/ml"

// Context is the CPU backend's ml.Context. Every op above executes eagerly
// against its Go slices, so Forward/Compute are no-ops kept only to satisfy
// the interface: by the time Compute is called the result tensors already
// hold their values.
type Context struct {
	b *Backend
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	t := newTensor(dtype, shape...)
	c.b.track(t.nelem() * dtype.ElemSize())
	return t
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.Empty(dtype, shape...)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeF32, shape...)
	t.FromFloats(s)
	c.b.track(t.nelem() * ml.DTypeF32.ElemSize())
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := newTensor(ml.DTypeI32, shape...)
	t.FromInts(s)
	c.b.track(t.nelem() * ml.DTypeI32.ElemSize())
	return t
}

func (c *Context) Forward(...ml.Tensor) ml.Context { return c }

func (c *Context) Compute(...ml.Tensor) {}

func (c *Context) Close() {}

func (c *Context) Input() ml.Context { return c }

func (c *Context) Layer(int) ml.Context { return c }
