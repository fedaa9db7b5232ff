package cpu

import (
	"sync/atomic"

	"github.com/shadowkv/shadowkv/ml"
)

func init() {
	ml.RegisterBackend("cpu", New)
}

// Backend is the reference ml.Backend: plain Go slices, no device memory.
// It tracks allocation byte counts and, once SetMemoryBudget has been
// called, enforces that total against every subsequent allocation,
// exercising the resource-exhaustion path (ml.ErrResourceExhausted) that a
// real accelerator backend would hit once its VRAM is full.
type Backend struct {
	params    ml.BackendParams
	allocated atomic.Int64
	budget    int64
}

// New constructs a CPU backend. If params.AllocMemory is false, contexts
// still compute real results (there is no separate "dry" tensor format to
// size against) but the byte counts they track are still accurate, so a
// caller sizing a configuration against SetMemoryBudget before committing
// to it gets a real count either way.
func New(params ml.BackendParams) (ml.Backend, error) {
	return &Backend{params: params}, nil
}

var _ ml.BudgetedBackend = (*Backend)(nil)

// SetMemoryBudget configures the byte ceiling NewContext allocations are
// checked against. A zero budget (the default) means unlimited.
func (b *Backend) SetMemoryBudget(bytes int64) {
	b.budget = bytes
}

func (b *Backend) Close() {}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

func (b *Backend) NewContextSize(size int) ml.Context {
	return &Context{b: b}
}

func (b *Backend) Memory() ml.BackendMemory {
	used := uint64(b.allocated.Load())
	return ml.BackendMemory{
		Device: ml.DeviceMemory{Name: "cpu", PerLayer: []uint64{used}},
		Host:   ml.DeviceMemory{Name: "host-pinned"},
	}
}

// track records an allocation of n bytes and panics with
// ml.ErrResourceExhausted once the running total crosses the configured
// budget, mirroring the teacher's ggml backend panicking with ml.ErrNoMem
// out of Context.Reserve when a graph allocation can't be satisfied.
// kvcache recovers this panic at the operations that actually size
// per-layer buffers (Prefill, BuildLowRank) and turns it back into a
// returned error, per spec.md §7's "fatal at construction" framing.
func (b *Backend) track(n int) {
	if b == nil {
		return
	}
	used := b.allocated.Add(int64(n))
	if b.budget > 0 && used > b.budget {
		panic(ml.ErrResourceExhausted{BackendMemory: b.Memory()})
	}
}
