package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxLength = 256
	cfg.BatchSize = 1
	cfg.NumKVHeads = 2
	cfg.NumQueryHeads = 4
	cfg.HeadDim = 8
	cfg.ChunkSize = 8
	cfg.SparseBudget = 64
	cfg.Rank = 4
	cfg.LocalChunks = 1
	cfg.OutlierChunks = 1
	return cfg
}

func TestValidateAcceptsBaseConfig(t *testing.T) {
	assert.NoError(t, baseConfig().Validate())
}

func TestValidateRejectsMaxLengthNotDivisibleByChunkSize(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxLength = 257
	assert.ErrorIs(t, cfg.Validate(), ErrContractViolation)
}

func TestValidateRejectsSparseBudgetNotDivisibleByChunkSize(t *testing.T) {
	cfg := baseConfig()
	cfg.SparseBudget = 10
	assert.ErrorIs(t, cfg.Validate(), ErrContractViolation)
}

func TestValidateRejectsQueryHeadsNotMultipleOfKVHeads(t *testing.T) {
	cfg := baseConfig()
	cfg.NumQueryHeads = 5
	assert.ErrorIs(t, cfg.Validate(), ErrContractViolation)
}

func TestValidateRejectsRankAboveHeadDimTimesKVHeads(t *testing.T) {
	cfg := baseConfig()
	cfg.Rank = 1000
	assert.ErrorIs(t, cfg.Validate(), ErrContractViolation)
}

func TestGroupSizeAndSparseChunks(t *testing.T) {
	cfg := baseConfig()
	assert.Equal(t, 2, cfg.GroupSize())
	assert.Equal(t, 8, cfg.SparseChunks())
}
