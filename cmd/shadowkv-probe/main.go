// Command shadowkv-probe drives a ShadowKV cache end to end against
// synthetic per-layer key/value streams, without a real transformer layer
// attached. It exists so the module has a runnable entry point: prefill,
// a handful of decode steps, and a clear, printing the reconstruction set
// size at every step.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/shadowkv/shadowkv/kvcache"
	"github.com/shadowkv/shadowkv/ml"
	"github.com/shadowkv/shadowkv/ml/backend/cpu"
)

type options struct {
	layers       int
	kvHeads      int
	queryHeads   int
	headDim      int
	chunkSize    int
	sparseBudget int
	rank         int
	prefillLen   int
	decodeSteps  int
	seed         int64
	memoryBudget int64
	verbose      bool
}

func main() {
	opts := parseFlags()

	if opts.verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "shadowkv-probe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() options {
	var opts options
	flag.IntVar(&opts.layers, "layers", 4, "number of transformer layers to simulate")
	flag.IntVar(&opts.kvHeads, "kv-heads", 2, "number of key/value heads")
	flag.IntVar(&opts.queryHeads, "query-heads", 8, "number of query heads, must be a multiple of kv-heads")
	flag.IntVar(&opts.headDim, "head-dim", 16, "per-head dimension")
	flag.IntVar(&opts.chunkSize, "chunk-size", 8, "retrieval chunk size")
	flag.IntVar(&opts.sparseBudget, "sparse-budget", 64, "indexed positions retrieved per decode step")
	flag.IntVar(&opts.rank, "rank", 8, "low-rank key factorization truncation dimension")
	flag.IntVar(&opts.prefillLen, "prefill-len", 256, "synthetic prompt length, must be a multiple of chunk-size")
	flag.IntVar(&opts.decodeSteps, "decode-steps", 8, "number of synthetic decode steps to drive")
	flag.Int64Var(&opts.seed, "seed", 1, "PRNG seed for the synthetic key/value stream")
	flag.Int64Var(&opts.memoryBudget, "memory-budget-bytes", 0, "abort with ErrResourceExhausted once backend allocations cross this many bytes (0 = unlimited)")
	flag.BoolVar(&opts.verbose, "v", false, "enable debug logging")
	flag.Parse()
	return opts
}

func run(opts options) error {
	backend, err := ml.NewBackend("cpu", ml.BackendParams{AllocMemory: true})
	if err != nil {
		return fmt.Errorf("new backend: %w", err)
	}
	defer backend.Close()
	if opts.memoryBudget > 0 {
		if budgeted, ok := backend.(ml.BudgetedBackend); ok {
			budgeted.SetMemoryBudget(opts.memoryBudget)
		}
	}
	ctx := backend.NewContext()

	maxLength := opts.prefillLen + opts.decodeSteps
	if rem := maxLength % opts.chunkSize; rem != 0 {
		maxLength += opts.chunkSize - rem // round up to a full chunk
	}

	cfg := kvcache.DefaultConfig()
	cfg.MaxLength = maxLength
	cfg.BatchSize = 1
	cfg.NumKVHeads = opts.kvHeads
	cfg.NumQueryHeads = opts.queryHeads
	cfg.HeadDim = opts.headDim
	cfg.ChunkSize = opts.chunkSize
	cfg.SparseBudget = opts.sparseBudget
	cfg.Rank = opts.rank
	cfg.DType = ml.DTypeF32

	cache, err := kvcache.New(cfg, opts.layers, ctx)
	if err != nil {
		return fmt.Errorf("new cache: %w", err)
	}
	defer cache.Close()

	rng := rand.New(rand.NewSource(opts.seed))

	for layer := 0; layer < opts.layers; layer++ {
		k := randomTensor(ctx, rng, cfg.BatchSize, cfg.NumKVHeads, opts.prefillLen, cfg.HeadDim)
		v := randomTensor(ctx, rng, cfg.BatchSize, cfg.NumKVHeads, opts.prefillLen, cfg.HeadDim)
		if err := cache.Prefill(layer, k, k, v); err != nil {
			return fmt.Errorf("prefill layer %d: %w", layer, err)
		}
		if err := cache.BuildLowRank(layer, k); err != nil {
			return fmt.Errorf("build low rank layer %d: %w", layer, err)
		}
		fmt.Printf("layer %d: prefilled %d positions, mode=%s\n", layer, opts.prefillLen, cache.LayerMode(layer))
	}

	for step := 0; step < opts.decodeSteps; step++ {
		for layer := 0; layer < opts.layers; layer++ {
			q := randomTensor(ctx, rng, cfg.BatchSize, cfg.NumQueryHeads, cfg.HeadDim)
			rs, err := cache.GetRetrievalPositionIds(layer, q)
			if err != nil {
				return fmt.Errorf("retrieval layer %d step %d: %w", layer, step, err)
			}

			valTensor, valEv, err := cache.FetchValues(layer, rs.Positions)
			if err != nil {
				return fmt.Errorf("fetch values layer %d step %d: %w", layer, step, err)
			}
			keyTensor, keyEv, err := cache.FetchKeys(layer, rs.Positions, identityRope, cpu.FusedGatherMatmulRope)
			if err != nil {
				return fmt.Errorf("fetch keys layer %d step %d: %w", layer, step, err)
			}
			if err := cache.Sync(valEv, keyEv); err != nil {
				return fmt.Errorf("sync layer %d step %d: %w", layer, step, err)
			}
			slog.Debug("materialised reconstruction set", "layer", layer, "step", step, "values", valTensor.Shape(), "keys", keyTensor.Shape())

			kNew := randomTensor(ctx, rng, cfg.BatchSize, cfg.NumKVHeads, 1, cfg.HeadDim)
			vNew := randomTensor(ctx, rng, cfg.BatchSize, cfg.NumKVHeads, 1, cfg.HeadDim)
			if err := cache.Update(layer, kNew, vNew); err != nil {
				return fmt.Errorf("update layer %d step %d: %w", layer, step, err)
			}

			if layer == 0 {
				fmt.Printf("step %d: reconstruction set size=%d (outliers=%d local=%d indexed=%d generated=%d)\n",
					step, rs.Stats.Total(), rs.Stats.Outliers, rs.Stats.LocalTail, rs.Stats.Indexed, rs.Stats.Generated)
			}
		}
	}

	cache.Clear()
	fmt.Println("cleared")
	return nil
}

func identityRope(ctx ml.Context, keys ml.Tensor, positions ml.Tensor) (ml.Tensor, error) {
	return keys, nil
}

func randomTensor(ctx ml.Context, rng *rand.Rand, shape ...int) ml.Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = rng.Float32()
	}
	return ctx.FromFloats(vals, shape...)
}
