// Package kvcache implements the ShadowKV sparse-attention cache: landmark
// construction and outlier detection at prefill, low-rank key
// factorization and host-pinned value offload, and a per-decode-step
// retrieval engine that reconstructs only a bounded working set of
// positions on the primary accelerator.
package kvcache

import (
	"fmt"

	"github.com/shadowkv/shadowkv/ml"
)

// GroupReduction selects how the retrieval engine collapses the
// grouped-query dimension of the affinity scores before top-k selection.
type GroupReduction int

const (
	// GroupReductionMax reduces by maximum across the group, the source
	// contract's default.
	GroupReductionMax GroupReduction = iota
	// GroupReductionMean reduces by mean across the group.
	GroupReductionMean
)

func (g GroupReduction) String() string {
	switch g {
	case GroupReductionMax:
		return "max"
	case GroupReductionMean:
		return "mean"
	default:
		return "unknown"
	}
}

// Config holds the fixed, per-instance parameters a Cache is constructed
// with. Every field is validated once, at construction; nothing here
// changes for the lifetime of the cache.
type Config struct {
	// MaxLength is N_max, the maximum number of positions (prefill plus
	// generated) the cache will ever serve. Must be a positive multiple
	// of ChunkSize.
	MaxLength int

	// BatchSize is B, the number of sequences sharing this cache's
	// buffers along their leading batch axis.
	BatchSize int

	// NumKVHeads is H_kv.
	NumKVHeads int

	// NumQueryHeads is H. GroupSize = NumQueryHeads / NumKVHeads.
	NumQueryHeads int

	// HeadDim is D.
	HeadDim int

	// ChunkSize is C, the retrieval granularity. Defaults to 8.
	ChunkSize int

	// SparseBudget is S*C, the maximum number of indexed positions
	// retrieved per decode step. Must be a positive multiple of
	// ChunkSize. Defaults to 2048.
	SparseBudget int

	// Rank is r, the low-rank key factorization truncation dimension.
	// Defaults to 160.
	Rank int

	// LocalChunks is T_local, the count of most-recent chunks always
	// kept resident. Defaults to 4.
	LocalChunks int

	// OutlierChunks is K_outlier, the count of chunks kept resident
	// because their landmark poorly represents their members. Defaults
	// to 48.
	OutlierChunks int

	// GroupReduction selects the group-query aggregation strategy.
	// Defaults to GroupReductionMax.
	GroupReduction GroupReduction

	// DType is the working precision low-rank factors and landmarks are
	// stored in. Defaults to DTypeF16.
	DType ml.DType

	// CompressValues enables zstd compression of value chunks before
	// they are parked in the host-pinned store.
	CompressValues bool
}

// DefaultConfig returns a Config with every optional field set to its
// documented default. MaxLength, BatchSize, NumKVHeads, NumQueryHeads and
// HeadDim have no sensible default and must be set by the caller.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      8,
		SparseBudget:   2048,
		Rank:           160,
		LocalChunks:    4,
		OutlierChunks:  48,
		GroupReduction: GroupReductionMax,
		DType:          ml.DTypeF16,
	}
}

// Validate checks the configuration against spec.md §6's construction-time
// contract, returning an error that wraps ErrContractViolation and
// describes the first problem found.
func (c Config) Validate() error {
	switch {
	case c.MaxLength <= 0:
		return fmt.Errorf("%w: max_length must be positive, got %d", ErrContractViolation, c.MaxLength)
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrContractViolation, c.ChunkSize)
	case c.MaxLength%c.ChunkSize != 0:
		return fmt.Errorf("%w: max_length (%d) must be divisible by chunk_size (%d)", ErrContractViolation, c.MaxLength, c.ChunkSize)
	case c.SparseBudget <= 0:
		return fmt.Errorf("%w: sparse_budget must be positive, got %d", ErrContractViolation, c.SparseBudget)
	case c.SparseBudget%c.ChunkSize != 0:
		return fmt.Errorf("%w: sparse_budget (%d) must be divisible by chunk_size (%d)", ErrContractViolation, c.SparseBudget, c.ChunkSize)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrContractViolation, c.BatchSize)
	case c.NumKVHeads <= 0:
		return fmt.Errorf("%w: num_kv_heads must be positive, got %d", ErrContractViolation, c.NumKVHeads)
	case c.NumQueryHeads <= 0 || c.NumQueryHeads%c.NumKVHeads != 0:
		return fmt.Errorf("%w: num_query_heads (%d) must be a positive multiple of num_kv_heads (%d)", ErrContractViolation, c.NumQueryHeads, c.NumKVHeads)
	case c.HeadDim <= 0:
		return fmt.Errorf("%w: head_dim must be positive, got %d", ErrContractViolation, c.HeadDim)
	case c.Rank <= 0 || c.Rank > c.HeadDim*c.NumKVHeads:
		return fmt.Errorf("%w: rank must be in (0, head_dim*num_kv_heads], got %d", ErrContractViolation, c.Rank)
	case c.LocalChunks < 0:
		return fmt.Errorf("%w: local_chunk must be non-negative, got %d", ErrContractViolation, c.LocalChunks)
	case c.OutlierChunks < 0:
		return fmt.Errorf("%w: outlier_chunk must be non-negative, got %d", ErrContractViolation, c.OutlierChunks)
	}
	return nil
}

// GroupSize returns H / H_kv.
func (c Config) GroupSize() int {
	return c.NumQueryHeads / c.NumKVHeads
}

// SparseChunks returns S, the number of chunks the sparse budget covers.
func (c Config) SparseChunks() int {
	return c.SparseBudget / c.ChunkSize
}

// denseThreshold is the prefill length at or below which retrieval is bypassed
// entirely in favor of dense resident mode (spec.md §8 boundary
// behaviour).
func (c Config) denseThreshold() int {
	return (c.LocalChunks + c.OutlierChunks) * c.ChunkSize
}
