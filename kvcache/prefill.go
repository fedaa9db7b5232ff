package kvcache

import (
	"errors"
	"fmt"

	"github.com/shadowkv/shadowkv/ml"
)

// recoverExhaustion turns a panic raised by a backend's allocation tracker
// (ml.ErrResourceExhausted, see ml/backend/cpu's track) into a returned
// error, the way the teacher's allocModel recovers ml.ErrNoMem out of
// model loading. Any other panic propagates unchanged: resource exhaustion
// is the only allocation failure this cache treats as an ordinary,
// non-fatal-to-the-process error.
func recoverExhaustion(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if e, ok := r.(error); ok {
		var exhausted ml.ErrResourceExhausted
		if errors.As(e, &exhausted) {
			*err = exhausted
			return
		}
	}
	panic(r)
}

// Prefill implements spec.md §6's prefill_kv_cache: builds the landmark
// table and outlier set for layerIdx from kPreRope, copies outlier and
// local-tail chunks into the resident buffers using kPostRope/v, and
// parks the remaining (indexed) value chunks in the host-pinned store.
// It must be called exactly once per layer, in order, before any decode
// step or BuildLowRank call for that layer.
//
// kPostRope, kPreRope and v all have shape [B, H_kv, N, D]; N must be a
// positive multiple of Config.ChunkSize.
//
// If the backend has a configured memory budget and this layer's buffers
// would exceed it, Prefill returns ml.ErrResourceExhausted (spec.md §7:
// fatal, not retried) and leaves the layer unprefilled.
func (c *Cache) Prefill(layerIdx int, kPostRope, kPreRope, v ml.Tensor) (err error) {
	defer recoverExhaustion(&err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLayerIdx(layerIdx); err != nil {
		return err
	}
	if err := c.requirePrefillable(); err != nil {
		return err
	}

	l := c.layers[layerIdx]
	if l.prefillLen > 0 {
		return fmt.Errorf("%w: layer %d already prefilled", ErrContractViolation, layerIdx)
	}

	n, err := c.validatePrefillShapes(kPostRope, kPreRope, v)
	if err != nil {
		return err
	}

	c.state = StatePrefilling

	b, hkv, d := c.config.BatchSize, c.config.NumKVHeads, c.config.HeadDim
	l.keysBuf = make([]float32, b*hkv*c.config.MaxLength*d)
	l.valuesBuf = make([]float32, b*hkv*c.config.MaxLength*d)
	l.resident = make([]bool, b*hkv*c.config.MaxLength)

	if n <= c.config.denseThreshold() {
		c.prefillDense(l, n, kPostRope, v)
		l.prefillLen = n
		c.maybeAdvanceToReady()
		return nil
	}

	leadingLen := n - c.config.LocalChunks*c.config.ChunkSize
	kPreLeading := sliceSeqDim(c.ctx, kPreRope, 0, leadingLen)
	landmarks := buildLandmarks(c.ctx, kPreLeading, c.config.ChunkSize)
	idx := detectOutliers(kPreLeading, landmarks, c.config.ChunkSize, c.config.OutlierChunks)

	l.landmarks = filterLandmarks(c.ctx, landmarks, idx.indexedChunks)
	l.landmarkChunkID = idx.indexedChunks
	l.outlierChunks = idx.outlierChunks
	l.pendingIdx = &idx
	l.pendingLeading = kPreLeading

	localChunkStart := int32(leadingLen / c.config.ChunkSize)
	totalChunks := int32(n / c.config.ChunkSize)
	l.localChunks = make([]int32, 0, totalChunks-localChunkStart)
	for id := localChunkStart; id < totalChunks; id++ {
		l.localChunks = append(l.localChunks, id)
	}

	store, err := newValueStore(c.config.ChunkSize, d, c.config.CompressValues)
	if err != nil {
		return err
	}
	l.store = store

	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < hkv; hi++ {
			bh := bi*hkv + hi

			for _, chunkID := range idx.outlierChunks[bh] {
				c.residentChunk(l, bi, hi, chunkID, kPostRope, v)
			}
			for _, chunkID := range l.localChunks {
				c.residentChunk(l, bi, hi, chunkID, kPostRope, v)
			}
			for _, chunkID := range idx.indexedChunks[bh] {
				chunk := chunkSlice(c.ctx, v, bi, hi, chunkID, c.config.ChunkSize)
				store.Put(bi, hi, chunkID, chunk.Bytes())
			}
		}
	}

	l.prefillLen = n
	c.maybeAdvanceToReady()
	return nil
}

// BuildLowRank implements spec.md §6's build_low_rank: factorizes the
// indexed-chunk portion of kPreRope (the same tensor, or an equivalent
// recomputation of it, passed to the preceding Prefill call) and stores
// the resulting U/SV factors. If the prefill was short enough to fall
// into dense mode, or a previous numeric failure already put the layer
// into dense mode, this is a no-op.
//
// If the backend has a configured memory budget and the U/SV factors
// would exceed it, BuildLowRank returns ml.ErrResourceExhausted instead of
// falling back to dense mode: unlike a numeric SVD failure, running out of
// memory is not something retrying the factorization fixes.
func (c *Cache) BuildLowRank(layerIdx int, kPreRope ml.Tensor) (err error) {
	defer recoverExhaustion(&err)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLayerIdx(layerIdx); err != nil {
		return err
	}
	l := c.layers[layerIdx]
	if l.mode == ModeDense || l.pendingIdx == nil {
		return nil
	}

	u, sv, err := buildLowRank(c.ctx, l.pendingLeading, *l.pendingIdx, c.config.ChunkSize, c.config.Rank)
	if err != nil {
		logNumericFallback(layerIdx, err)
		l.mode = ModeDense
		l.pendingIdx = nil
		l.pendingLeading = nil
		return nil
	}

	l.u = u.Cast(c.ctx, c.config.DType)
	l.sv = sv.Cast(c.ctx, c.config.DType)
	l.pendingIdx = nil
	l.pendingLeading = nil
	return nil
}

func (c *Cache) validatePrefillShapes(tensors ...ml.Tensor) (int, error) {
	b, hkv, d := c.config.BatchSize, c.config.NumKVHeads, c.config.HeadDim
	var n int
	for i, t := range tensors {
		shape := t.Shape()
		if len(shape) != 4 || shape[0] != b || shape[1] != hkv || shape[3] != d {
			return 0, fmt.Errorf("%w: tensor %d has shape %v, want [%d, %d, N, %d]", ErrShapeMismatch, i, shape, b, hkv, d)
		}
		if i == 0 {
			n = shape[2]
		} else if shape[2] != n {
			return 0, fmt.Errorf("%w: tensor %d has sequence length %d, want %d", ErrShapeMismatch, i, shape[2], n)
		}
	}
	if n <= 0 || n%c.config.ChunkSize != 0 {
		return 0, fmt.Errorf("%w: prefill length %d must be a positive multiple of chunk_size %d", ErrShapeMismatch, n, c.config.ChunkSize)
	}
	if n > c.config.MaxLength {
		return 0, fmt.Errorf("%w: prefill length %d exceeds max_length %d", ErrLengthExceeded, n, c.config.MaxLength)
	}
	return n, nil
}

// prefillDense handles spec.md §8's boundary behaviour: a prefill too
// short to be worth indexing is kept entirely raw-resident and retrieval
// is bypassed for the life of the sequence.
func (c *Cache) prefillDense(l *layer, n int, kPostRope, v ml.Tensor) {
	l.mode = ModeDense
	b, hkv, d := c.config.BatchSize, c.config.NumKVHeads, c.config.HeadDim
	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < hkv; hi++ {
			for p := 0; p < n; p++ {
				copyRow(l.keysBuf, c.config.MaxLength, d, bi, hi, p, kPostRope)
				copyRow(l.valuesBuf, c.config.MaxLength, d, bi, hi, p, v)
				l.resident[(bi*hkv+hi)*c.config.MaxLength+p] = true
			}
		}
	}
}

func (c *Cache) residentChunk(l *layer, batch, head int, chunkID int32, kPostRope, v ml.Tensor) {
	d := c.config.HeadDim
	base := int(chunkID) * c.config.ChunkSize
	for p := base; p < base+c.config.ChunkSize; p++ {
		copyRow(l.keysBuf, c.config.MaxLength, d, batch, head, p, kPostRope)
		copyRow(l.valuesBuf, c.config.MaxLength, d, batch, head, p, v)
		l.resident[(batch*c.config.NumKVHeads+head)*c.config.MaxLength+p] = true
	}
}

func (c *Cache) maybeAdvanceToReady() {
	for _, l := range c.layers {
		if l.prefillLen == 0 {
			return
		}
	}
	c.state = StateReady
}
