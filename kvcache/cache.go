package kvcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/shadowkv/shadowkv/device"
	"github.com/shadowkv/shadowkv/ml"
)

// LayerMode reports whether a layer is currently served from the sparse
// retrieval path or has fallen back to dense resident mode.
type LayerMode int

const (
	// ModeSparse is the normal landmark/outlier/low-rank retrieval path.
	ModeSparse LayerMode = iota
	// ModeDense means either the prefill was too short to index (spec.md
	// §8 boundary behaviour) or the SVD failed to converge for this
	// layer (spec.md §7 numeric failure), so every position is kept
	// raw-resident and retrieval is skipped.
	ModeDense
)

func (m LayerMode) String() string {
	if m == ModeDense {
		return "dense"
	}
	return "sparse"
}

// layer holds every buffer and scalar that is tracked independently per
// transformer layer. The Entities table in spec.md §3 indexes everything
// by layer first; this struct is that row.
type layer struct {
	mode LayerMode

	// keysBuf and valuesBuf hold post-RoPE keys and raw values for every
	// resident position: outlier chunks, the local tail, and every
	// appended decode step. Both are flat [B, H_kv, MaxLength, D]
	// buffers, written a row at a time as plain Go slices rather than
	// through the ml.Tensor interface (mutating a single row is
	// host-side bookkeeping, not arithmetic the tensor substrate needs
	// to own); only a gathered view is ever wrapped into an ml.Tensor,
	// at attention hand-off time.
	keysBuf   []float32
	valuesBuf []float32

	// resident marks which (batch, head, position) triples currently hold
	// valid data in keysBuf/valuesBuf, flat-indexed the same way; a
	// position absent here lives in the low-rank factors (keys) or the
	// value store (values) instead. Outlier membership varies per head,
	// so residency must too.
	resident []bool

	// outlierChunks and landmarkChunkID are indexed by b*H_kv+h: the
	// outlier count is fixed across heads (min(K_outlier, M)) but which
	// chunks are chosen varies per head, so both are kept per-head.
	outlierChunks [][]int32 // absolute chunk ids, fixed at prefill
	localChunks   []int32   // absolute chunk ids, fixed at prefill, shared across heads

	landmarks       ml.Tensor // [B, H_kv, M', D], indexed-chunk landmarks only
	landmarkChunkID [][]int32 // landmark row -> absolute chunk id, per b*H_kv+h

	u  ml.Tensor // [B, H_kv, r, D]
	sv ml.Tensor // [B, H_kv, N', r], N' = len(landmarkChunkID[bh])*C

	store *valueStore

	prefillLen   int
	generatedLen int

	// pendingIdx and pendingLeading carry outlier detection's result from
	// Prefill to the subsequent BuildLowRank call, per spec.md §6's split
	// between prefill_kv_cache and build_low_rank.
	pendingIdx     *outlierResult
	pendingLeading ml.Tensor
}

func (l *layer) servedLen() int {
	return l.prefillLen + l.generatedLen
}

// Cache is the ShadowKV sparse-attention KV cache for one model instance.
// It owns every buffer listed in spec.md §3 and the stream scheduler used
// to overlap value gathers with low-rank key reconstruction.
type Cache struct {
	config Config
	ctx    ml.Context
	sched  *device.Scheduler

	mu     sync.Mutex
	state  State
	layers []*layer

	sessionID uuid.UUID
	admitter  *device.Admitter
}

// New validates cfg and constructs a Cache with numLayers independent
// per-layer states, backed by ctx for tensor allocation. It does not
// allocate any per-layer buffer until that layer's first prefill, so
// constructing a Cache for a model that only ends up using some of its
// layers costs nothing extra.
func New(cfg Config, numLayers int, ctx ml.Context) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if numLayers <= 0 {
		return nil, fmt.Errorf("%w: num_layers must be positive, got %d", ErrContractViolation, numLayers)
	}

	layers := make([]*layer, numLayers)
	for i := range layers {
		layers[i] = &layer{mode: ModeSparse}
	}

	return &Cache{
		config:    cfg,
		ctx:       ctx,
		sched:     device.NewScheduler(4),
		state:     StateUninitialised,
		layers:    layers,
		sessionID: uuid.New(),
	}, nil
}

// NewAdmitted behaves like New, but first blocks on admitter until a
// concurrent-sequence slot is free (or gateCtx is cancelled), releasing
// that slot when the returned Cache is closed. This is the wiring
// spec.md §4.7/§5's "bounded concurrent sequences" admission control
// describes: admitter bounds how many Cache instances sharing it may
// hold live state at once, independent of how many a process
// constructs outright. Plain New remains unbounded for callers (tests,
// single-sequence tools) that have no need to share an admitter.
func NewAdmitted(gateCtx context.Context, admitter *device.Admitter, cfg Config, numLayers int, ctx ml.Context) (*Cache, error) {
	if err := admitter.Admit(gateCtx); err != nil {
		return nil, fmt.Errorf("kvcache: admission: %w", err)
	}
	c, err := New(cfg, numLayers, ctx)
	if err != nil {
		admitter.Release()
		return nil, err
	}
	c.admitter = admitter
	return c, nil
}

// Close releases the cache's streams, and its admission slot if it was
// constructed via NewAdmitted. Buffer memory is reclaimed by the Go
// garbage collector once the Cache itself is no longer referenced.
func (c *Cache) Close() {
	c.sched.Close()
	if c.admitter != nil {
		c.admitter.Release()
	}
}

// State returns the cache's current lifecycle state.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LayerMode reports whether layerIdx is being served sparsely or has
// fallen back to dense resident mode.
func (c *Cache) LayerMode(layerIdx int) LayerMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layers[layerIdx].mode
}

// Clear moves the cache to CLEARED, which accepts a new prefill just as
// UNINITIALISED does, discarding all per-layer state (buffers included)
// while keeping the Cache object (and its streams) allocated, per spec.md
// §4.5's state machine.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.layers {
		*l = layer{mode: ModeSparse}
	}
	c.state = StateCleared
	slog.Debug("shadowkv cache cleared", "session", c.sessionID)
}

// ToDevice implements spec.md §6's to_device: for the offloaded variant,
// promotes a layer's landmark table and low-rank factors from whatever
// staging representation BuildLowRank left them in onto the accelerator
// the cache's Context is bound to, ahead of the first decode step that
// needs them. The CPU reference backend has no separate staging tier (its
// Context.Empty/FromFloats already allocate directly in the backend's own
// address space), so here this only re-casts the factors to the
// configured working dtype if BuildLowRank has not already run it through
// Cast; a backend with a genuine host-staging tier would instead copy
// these tensors across the bus.
func (c *Cache) ToDevice(layerIdx int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLayerIdx(layerIdx); err != nil {
		return err
	}
	l := c.layers[layerIdx]
	if l.mode == ModeDense || l.landmarks == nil {
		return nil
	}

	if l.landmarks.DType() != c.config.DType {
		l.landmarks = l.landmarks.Cast(c.ctx, c.config.DType)
	}
	if l.u != nil && l.u.DType() != c.config.DType {
		l.u = l.u.Cast(c.ctx, c.config.DType)
	}
	if l.sv != nil && l.sv.DType() != c.config.DType {
		l.sv = l.sv.Cast(c.ctx, c.config.DType)
	}
	slog.Debug("shadowkv layer promoted to device", "session", c.sessionID, "layer", layerIdx)
	return nil
}

func (c *Cache) checkLayerIdx(layerIdx int) error {
	if layerIdx < 0 || layerIdx >= len(c.layers) {
		return fmt.Errorf("%w: layer index %d out of range [0,%d)", ErrContractViolation, layerIdx, len(c.layers))
	}
	return nil
}
