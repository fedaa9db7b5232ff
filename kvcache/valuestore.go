package kvcache

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// chunkKey identifies one value chunk in the host-pinned store, laid out
// contiguously per (batch, kv-head, chunk id) as spec.md §4.4 requires.
type chunkKey struct {
	batch   int
	kvHead  int
	chunkID int32
}

// valueStore holds the post-outlier, post-local-tail value chunks of one
// layer in host-pinned memory (modelled here as ordinary Go byte slices;
// a real accelerator backend would allocate these with a pinning
// allocator). Chunks are optionally zstd-compressed before being parked,
// mirroring the pack's tiered disk store.
type valueStore struct {
	mu      sync.RWMutex
	chunks  map[chunkKey][]byte
	dims    []int // [C, D], the logical shape of one stored chunk
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newValueStore(chunkSize, headDim int, compress bool) (*valueStore, error) {
	vs := &valueStore{
		chunks: make(map[chunkKey][]byte),
		dims:   []int{chunkSize, headDim},
	}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("kvcache: create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("kvcache: create zstd decoder: %w", err)
		}
		vs.encoder, vs.decoder = enc, dec
	}
	return vs, nil
}

// Put parks one chunk's raw value bytes, replacing any prior contents.
func (vs *valueStore) Put(batch, kvHead int, chunkID int32, data []byte) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	payload := data
	if vs.encoder != nil {
		payload = vs.encoder.EncodeAll(data, nil)
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	vs.chunks[chunkKey{batch, kvHead, chunkID}] = buf
}

// Get returns the decompressed bytes of one chunk, or false if absent.
func (vs *valueStore) Get(batch, kvHead int, chunkID int32) ([]byte, bool, error) {
	vs.mu.RLock()
	raw, ok := vs.chunks[chunkKey{batch, kvHead, chunkID}]
	vs.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if vs.decoder == nil {
		return raw, true, nil
	}
	out, err := vs.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, true, fmt.Errorf("kvcache: zstd decode chunk: %w", err)
	}
	return out, true, nil
}

// Has reports whether a chunk is currently parked.
func (vs *valueStore) Has(batch, kvHead int, chunkID int32) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	_, ok := vs.chunks[chunkKey{batch, kvHead, chunkID}]
	return ok
}
