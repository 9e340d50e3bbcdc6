package main

import (
	"runtime"
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file splits loss evaluation across goroutines.
//
// The offset-fidelity loss is a sum of n·c/2 independent group means. Each
// group touches 2·h·w offsets and the matching flow values, so groups are
// the natural unit of work: every worker owns a contiguous run of groups,
// writes only its own slots of the per-group result slice, and the final sum
// is taken in group order by the caller.
//
// That last point matters. Floating-point addition is not associative, so a
// parallel reduction that summed partial results in completion order would
// drift from the single-threaded answer in the last bits. Summing the group
// slice in order keeps both paths bit-identical.
//
// PERFORMANCE CHARACTERISTICS:
// The loss is memory-bound (one subtract, abs, compare and add per element).
//   - < 64 groups of 64x64: goroutine overhead dominates, stay single-threaded
//   - larger batches or 8+ deformable groups at full resolution: near-linear
//     until memory bandwidth saturates
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for loss evaluation.
//
// This allows switching between single-threaded (easier debugging) and
// multi-threaded (faster) execution modes. Both produce identical results.
type ComputeConfig struct {
	// Parallel enables multi-threaded evaluation.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	// Only used when Parallel is true.
	NumWorkers int

	// MinSizeForParallel is the minimum number of elements (offset size)
	// before parallelization is used.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0, // Use all available CPUs
		MinSizeForParallel: 64 * 64 * 4,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize determines if an operation should use parallelization
// based on the problem size.
func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel
}

// parallelFor calls fn over contiguous [start, end) chunks covering [0, n).
// size is the element count used for the parallelization decision.
// Blocks until every chunk has finished.
func parallelFor(n, size int, cfg ComputeConfig, fn func(start, end int)) {
	if n <= 0 {
		return
	}

	workers := min(cfg.numWorkers(), n)
	if !cfg.shouldParallelize(size) || workers <= 1 {
		fn(0, n)
		return
	}

	perWorker := (n + workers - 1) / workers // Ceiling division

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * perWorker
		if start >= n {
			break
		}
		end := min(start+perWorker, n)

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}

	wg.Wait()
}
