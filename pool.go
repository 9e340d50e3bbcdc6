package main

import (
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file pools the per-group scratch slices used by Forward.
//
// A training loop evaluates the loss once per step with the same offset
// shape, so every call wants a []float64 of exactly n·c/2 group means and
// throws it away a few microseconds later. Pooling that slice keeps the
// fused Forward path free of steady-state allocations.
//
// Only slices that never escape the call are pooled. Report hands its
// GroupLosses to the caller and ForwardWithCache hands out the mask, so
// both allocate normally.
//
// SYNC.POOL CHARACTERISTICS:
//   - Safe for concurrent use; losses are shared between goroutines
//   - One pool per slice length, so a Get never has to reslice or grow
//   - Objects may be dropped by the GC at any time, a miss just allocates
//
// ===========================================================================

// scratchPool hands out []float64 buffers keyed by length.
type scratchPool struct {
	mu    sync.RWMutex
	pools map[int]*sync.Pool
}

var groupScratch = newScratchPool()

func newScratchPool() *scratchPool {
	return &scratchPool{pools: make(map[int]*sync.Pool)}
}

// poolFor returns the pool for buffers of length size, creating it on first use.
func (sp *scratchPool) poolFor(size int) *sync.Pool {
	sp.mu.RLock()
	pool, ok := sp.pools[size]
	sp.mu.RUnlock()
	if ok {
		return pool
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	// Another goroutine may have created it
	if pool, ok := sp.pools[size]; ok {
		return pool
	}

	pool = &sync.Pool{
		New: func() any {
			buf := make([]float64, size)
			return &buf
		},
	}
	sp.pools[size] = pool
	return pool
}

// get returns a zeroed buffer of length size.
func (sp *scratchPool) get(size int) *[]float64 {
	buf := sp.poolFor(size).Get().(*[]float64)
	clear(*buf)
	return buf
}

// put returns buf for reuse. The caller must not touch it afterwards.
func (sp *scratchPool) put(buf *[]float64) {
	if buf == nil || len(*buf) == 0 {
		return
	}
	sp.poolFor(len(*buf)).Put(buf)
}
