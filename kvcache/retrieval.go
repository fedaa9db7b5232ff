package kvcache

import (
	"fmt"
	"math"
	"sort"

	"github.com/shadowkv/shadowkv/device"
	"github.com/shadowkv/shadowkv/ml"
)

// RetrievalSet is one decode step's reconstruction set, per spec.md §4.5:
// for each (batch, kv-head) pair, the ascending absolute positions that
// must be materialised before the attention kernel runs.
type RetrievalSet struct {
	Positions [][]int32 // per b*H_kv+h
	Stats     StepStats // per (batch=0, head=0), see StepStats doc
}

// GetRetrievalPositionIds implements spec.md §4.5 steps 1-4: affinity
// scoring against the landmark table, grouped-query reduction, top-k
// chunk selection, and index materialisation (union of outliers, local
// tail and selected indexed chunks, deduplicated and ordered ascending).
//
// queryPostRope has shape [B, H, D]. If the layer is in dense mode
// (spec.md §8 boundary behaviour, or a prior SVD failure), every resident
// position is returned directly and no scoring happens.
func (c *Cache) GetRetrievalPositionIds(layerIdx int, queryPostRope ml.Tensor) (RetrievalSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLayerIdx(layerIdx); err != nil {
		return RetrievalSet{}, err
	}
	if err := c.requireDecodable(); err != nil {
		return RetrievalSet{}, err
	}
	l := c.layers[layerIdx]
	if l.prefillLen == 0 {
		return RetrievalSet{}, fmt.Errorf("%w: retrieval before prefill on layer %d", ErrContractViolation, layerIdx)
	}

	b, hkv, g, d := c.config.BatchSize, c.config.NumKVHeads, c.config.GroupSize(), c.config.HeadDim
	if shape := queryPostRope.Shape(); len(shape) != 3 || shape[0] != b || shape[1] != c.config.NumQueryHeads || shape[2] != d {
		return RetrievalSet{}, fmt.Errorf("%w: query has shape %v, want [%d, %d, %d]", ErrShapeMismatch, shape, b, c.config.NumQueryHeads, d)
	}

	// Every validation above must pass before the state transition: a
	// rejected call must leave the cache exactly as decodable as it found
	// it, not stuck in DECODING with no Update call able to close it out.
	c.state = StateDecoding

	if l.mode == ModeDense {
		return c.denseRetrievalSet(l, b, hkv), nil
	}

	scores := c.affinityScores(l, queryPostRope, b, hkv, g)
	sparseChunks := min(c.config.SparseChunks(), scores.Shape()[2])
	topIdx := scores.TopK(c.ctx, sparseChunks)
	topRows := topIdx.Floats()

	out := make([][]int32, b*hkv)
	var repStats StepStats
	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < hkv; hi++ {
			bh := bi*hkv + hi
			rowOff := bh * sparseChunks

			selected := make(map[int32]struct{}, sparseChunks+len(l.outlierChunks[bh])+len(l.localChunks))
			for i := 0; i < sparseChunks; i++ {
				row := int32(topRows[rowOff+i])
				selected[l.landmarkChunkID[bh][row]] = struct{}{}
			}
			indexedCount := len(selected)
			for _, id := range l.outlierChunks[bh] {
				selected[id] = struct{}{}
			}
			for _, id := range l.localChunks {
				selected[id] = struct{}{}
			}

			positions := chunksToPositions(selected, c.config.ChunkSize)
			for p := l.prefillLen; p < l.servedLen(); p++ {
				positions = append(positions, int32(p))
			}
			sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
			out[bh] = positions

			if bh == 0 {
				repStats = StepStats{
					Outliers:   len(l.outlierChunks[bh]) * c.config.ChunkSize,
					LocalTail:  len(l.localChunks) * c.config.ChunkSize,
					Indexed:    indexedCount * c.config.ChunkSize,
					Generated:  l.generatedLen,
					TotalChunk: indexedCount,
				}
			}
		}
	}

	return RetrievalSet{Positions: out, Stats: repStats}, nil
}

func (c *Cache) denseRetrievalSet(l *layer, b, hkv int) RetrievalSet {
	out := make([][]int32, b*hkv)
	for bh := range out {
		positions := make([]int32, 0, l.servedLen())
		for p := 0; p < l.servedLen(); p++ {
			positions = append(positions, int32(p))
		}
		out[bh] = positions
	}
	return RetrievalSet{
		Positions: out,
		Stats: StepStats{
			Outliers:  l.prefillLen,
			Generated: l.generatedLen,
		},
	}
}

// affinityScores implements spec.md §4.5 step 1-2: a = softmax(q . L^T /
// sqrt(D)), reduced over the grouped-query dimension, returning
// [B, H_kv, M'].
func (c *Cache) affinityScores(l *layer, queryPostRope ml.Tensor, b, hkv, g int) ml.Tensor {
	d := c.config.HeadDim
	q := queryPostRope.Reshape(c.ctx, b, hkv, g, d)
	landmarksT := l.landmarks.Permute(c.ctx, 0, 1, 3, 2) // [B, H_kv, D, M']

	raw := q.Matmul(c.ctx, landmarksT)                  // [B, H_kv, G, M']
	scaled := raw.Scale(c.ctx, 1/math.Sqrt(float64(d))) // spec.md §4.5 step 1
	weights := scaled.Softmax(c.ctx)

	var reduced ml.Tensor
	if c.config.GroupReduction == GroupReductionMean {
		reduced = weights.Mean(c.ctx, 2)
	} else {
		reduced = weights.Max(c.ctx, 2)
	}

	mPrime := reduced.Shape()[3]
	return reduced.Reshape(c.ctx, b, hkv, mPrime)
}

func chunksToPositions(chunkIDs map[int32]struct{}, chunkSize int) []int32 {
	positions := make([]int32, 0, len(chunkIDs)*chunkSize)
	for id := range chunkIDs {
		base := id * int32(chunkSize)
		for p := int32(0); p < int32(chunkSize); p++ {
			positions = append(positions, base+p)
		}
	}
	return positions
}

// FetchValues implements spec.md §6's fetch_values: gathers the requested
// positions' resident or host-pinned value chunks into a device view,
// dispatched on the copy stream. The returned Event must be waited on
// (directly, or via Cache.Sync) before the tensor is read.
func (c *Cache) FetchValues(layerIdx int, positions [][]int32) (ml.Tensor, *device.Event, error) {
	c.mu.Lock()
	if err := c.checkLayerIdx(layerIdx); err != nil {
		c.mu.Unlock()
		return nil, nil, err
	}
	l := c.layers[layerIdx]
	cfg := c.config
	ctx := c.ctx
	c.mu.Unlock()

	dst := ctx.Empty(cfg.DType, cfg.BatchSize, cfg.NumKVHeads, retrievalWidth(positions), cfg.HeadDim)
	ev := c.sched.Copy.Submit(func() error {
		return gatherValues(dst, l, cfg, positions)
	})
	return dst, ev, nil
}

// FetchKeys implements spec.md §6's fetch_keys: resident positions (the
// outlier set, the local tail and every generated position) are copied
// directly; every other requested position is reconstructed from the
// low-rank factors via fuse, the backend's FusedGatherMatmulRope
// implementation, and rotated by rope. Dispatched on the reconstruction
// stream so it runs concurrently with FetchValues' copy-stream work; the
// returned Event must be joined with FetchValues' before either tensor is
// read (spec.md §4.7's explicit happens-before edge).
func (c *Cache) FetchKeys(layerIdx int, positions [][]int32, rope ml.RopeFunc, fuse ml.FusedGatherMatmulRope) (ml.Tensor, *device.Event, error) {
	c.mu.Lock()
	if err := c.checkLayerIdx(layerIdx); err != nil {
		c.mu.Unlock()
		return nil, nil, err
	}
	l := c.layers[layerIdx]
	cfg := c.config
	ctx := c.ctx
	c.mu.Unlock()

	dst := ctx.Empty(cfg.DType, cfg.BatchSize, cfg.NumKVHeads, retrievalWidth(positions), cfg.HeadDim)
	ev := c.sched.Reconstruction.Submit(func() error {
		return gatherKeys(ctx, dst, l, cfg, positions, rope, fuse)
	})
	return dst, ev, nil
}

// retrievalWidth is the common second-dim width every (batch, kv-head)
// position list is padded out to, computed up front so the destination
// tensor can be allocated synchronously before the gather is dispatched.
func retrievalWidth(positions [][]int32) int {
	width := 0
	for _, p := range positions {
		width = max(width, len(p))
	}
	return width
}

func gatherKeys(ctx ml.Context, dst ml.Tensor, l *layer, cfg Config, positions [][]int32, rope ml.RopeFunc, fuse ml.FusedGatherMatmulRope) error {
	b, hkv, d, rank := cfg.BatchSize, cfg.NumKVHeads, cfg.HeadDim, cfg.Rank
	total := retrievalWidth(positions)
	out := make([]float32, b*hkv*total*d)

	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < hkv; hi++ {
			bh := bi*hkv + hi

			chunkRow := make(map[int32]int, len(l.landmarkChunkID[bh]))
			for i, id := range l.landmarkChunkID[bh] {
				chunkRow[id] = i
			}

			var reconstructIdx, reconstructPos []int32
			slot := make(map[int32]int) // absolute position -> index within reconstructIdx
			for _, pos := range positions[bh] {
				row := bh * cfg.MaxLength
				if l.resident[row+int(pos)] {
					continue
				}
				chunkID := pos / int32(cfg.ChunkSize)
				r, ok := chunkRow[chunkID]
				if !ok {
					return fmt.Errorf("%w: position %d not resident and not landmark-indexed", ErrContractViolation, pos)
				}
				localRow := int32(r*cfg.ChunkSize) + pos%int32(cfg.ChunkSize)
				slot[pos] = len(reconstructIdx)
				reconstructIdx = append(reconstructIdx, localRow)
				reconstructPos = append(reconstructPos, pos)
			}

			var reconstructed ml.Tensor
			if len(reconstructIdx) > 0 {
				uHead := l.u.View(ctx, bh*rank*d, rank, d)
				nPrime := l.sv.Shape()[2]
				svHead := l.sv.View(ctx, bh*nPrime*rank, nPrime, rank)
				reconDst := ctx.Empty(cfg.DType, len(reconstructIdx), d)
				if err := fuse(ctx, uHead, svHead, reconstructIdx, reconstructPos, rope, reconDst, 0); err != nil {
					return fmt.Errorf("kvcache: reconstruct keys for layer: %w", err)
				}
				reconstructed = reconDst
			}

			var reconVals []float32
			if reconstructed != nil {
				reconVals = reconstructed.Floats()
			}
			for i, pos := range positions[bh] {
				dstOff := (bh*total + i) * d
				row := bh*cfg.MaxLength + int(pos)
				if l.resident[row] {
					copy(out[dstOff:dstOff+d], l.keysBuf[row*d:row*d+d])
					continue
				}
				srcIdx := slot[pos]
				copy(out[dstOff:dstOff+d], reconVals[srcIdx*d:srcIdx*d+d])
			}
		}
	}
	dst.FromFloats(out)
	return nil
}

// Sync blocks until every event has resolved, returning the first error
// encountered. Callers join FetchValues' and FetchKeys' events with this
// before handing their tensors to the attention kernel.
func (c *Cache) Sync(events ...*device.Event) error {
	return device.Join(events...)
}

func gatherValues(dst ml.Tensor, l *layer, cfg Config, positions [][]int32) error {
	b, hkv, d := cfg.BatchSize, cfg.NumKVHeads, cfg.HeadDim
	total := retrievalWidth(positions)
	out := make([]float32, b*hkv*total*d)

	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < hkv; hi++ {
			bh := bi*hkv + hi
			for i, pos := range positions[bh] {
				dstOff := (bh*total + i) * d
				row := (bh*cfg.MaxLength + int(pos))
				if l.resident[row] {
					copy(out[dstOff:dstOff+d], l.valuesBuf[row*d:row*d+d])
					continue
				}
				chunkID := int32(int(pos) / cfg.ChunkSize)
				data, ok, err := l.store.Get(bi, hi, chunkID)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: position %d not resident and not in value store", ErrContractViolation, pos)
				}
				offsetInChunk := int(pos) % cfg.ChunkSize
				floatOff := offsetInChunk * d * 4
				for fi := 0; fi < d; fi++ {
					bits := uint32(data[floatOff+fi*4]) | uint32(data[floatOff+fi*4+1])<<8 | uint32(data[floatOff+fi*4+2])<<16 | uint32(data[floatOff+fi*4+3])<<24
					out[dstOff+fi] = math.Float32frombits(bits)
				}
			}
		}
	}
	dst.FromFloats(out)
	return nil
}
