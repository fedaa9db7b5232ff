// Package ml's Backend registry follows the teacher's pattern (a name ->
// factory map so a process can be built against the interface and linked
// against a concrete backend later) trimmed to a single accelerator: unlike
// the teacher, ShadowKV never discovers or balances across multiple GPUs
// (spec §5: "multi-stream on a single accelerator"), so there is no
// device-enumeration surface here.
package ml

import "fmt"

// Backend represents the accelerator (or CPU reference implementation)
// ShadowKV's buffers live on.
type Backend interface {
	// Close frees all memory associated with this backend.
	Close()

	// NewContext returns a context with an unbounded graph/queue size,
	// used for long-lived allocations such as the prefill-time buffers.
	NewContext() Context

	// NewContextSize returns a context sized for a bounded amount of
	// work, used for the per-decode-step scratch allocations.
	NewContextSize(size int) Context

	// Memory reports the current allocation breakdown, used to surface
	// ErrResourceExhausted with actionable detail.
	Memory() BackendMemory
}

// BackendCacheConfig should be implemented by backends that need to steer
// how the cache lays out returned views to match their kernels.
type BackendCacheConfig interface {
	CacheConfig() CacheConfig
}

// BudgetedBackend is implemented by backends that enforce a configurable
// ceiling on their own allocations, surfacing ErrResourceExhausted once it
// is crossed (spec.md §7: resource exhaustion is fatal, not retried). A
// backend that has no such ceiling (or delegates memory management to the
// accelerator's own allocator) simply doesn't implement this interface.
type BudgetedBackend interface {
	// SetMemoryBudget sets the byte ceiling future allocations are checked
	// against. Zero means unlimited.
	SetMemoryBudget(bytes int64)
}

// CacheConfig controls backend-specific layout optimizations for the
// tensors the cache returns to the attention kernel.
type CacheConfig struct {
	// Padding specifies the multiple of positions the cache should round
	// the reconstruction set up to, so backends that require aligned
	// tensor extents don't need to re-pad.
	Padding int

	// PermutedV requests that value tensors be returned pre-permuted for
	// backends whose attention kernel expects that layout.
	PermutedV bool

	// ScratchDType specifies the dtype of the device scratch buffers. If
	// unset it defaults to DTypeF32.
	ScratchDType DType
}

// BackendParams controls how a Backend allocates its buffers.
type BackendParams struct {
	// AllocMemory requests that the backend actually allocate memory. A
	// backend may ignore it: the CPU reference backend always allocates
	// and computes real results either way.
	AllocMemory bool

	// NumThreads sets the number of threads to use for the CPU reference
	// backend.
	NumThreads int
}

var backends = make(map[string]func(BackendParams) (Backend, error))

// RegisterBackend registers a backend factory function under name.
func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("ml: backend already registered: " + name)
	}
	backends[name] = f
}

// NewBackend creates a backend instance by name.
func NewBackend(name string, params BackendParams) (Backend, error) {
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("ml: unregistered backend %q", name)
	}
	return f(params)
}
