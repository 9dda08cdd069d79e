// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workpool bounds the parallelism of local tile kernels.
//
// A Pool is a soft limit on concurrently running kernel chunks. Ops split
// large tiles into row ranges with ForChunks; small tiles run inline, so the
// pool never costs a goroutine where it cannot pay for itself.
package workpool

import (
	"runtime"
	"sync"
)

type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	// 0 disables parallelism, < 0 means unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning decreases.
	numRunning     int
}

// New returns a Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	p := &Pool{}
	p.maxParallelism = runtime.NumCPU()
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (p *Pool) IsEnabled() bool {
	return p.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (p *Pool) IsUnlimited() bool {
	return p.maxParallelism < 0
}

// MaxParallelism is the soft target for parallelism.
// 0 disables parallelism, -1 makes it unlimited.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// SetMaxParallelism changes the soft target. Only call it before any chunk
// starts running; changing it mid-flight is undefined.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.maxParallelism = maxParallelism
}

func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism == 0 {
		return true
	} else if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism
}

// waitToStart blocks until a worker slot is free, then runs task in its own
// goroutine. With parallelism disabled it runs task inline.
func (p *Pool) waitToStart(task func()) {
	if p.IsUnlimited() {
		go task()
		return
	} else if p.maxParallelism == 0 {
		task()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}

// ForChunks splits [0, n) into contiguous ranges of at least minChunk and
// runs fn on each, returning after every range completes. fn must be safe to
// call concurrently on disjoint ranges. Runs inline when the pool is
// disabled or n fits a single chunk.
func (p *Pool) ForChunks(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if minChunk < 1 {
		minChunk = 1
	}
	numChunks := n / minChunk
	if target := p.maxParallelism; target > 0 && numChunks > target {
		numChunks = target
	} else if target < 0 {
		if limit := runtime.NumCPU(); numChunks > limit {
			numChunks = limit
		}
	}
	if !p.IsEnabled() || numChunks <= 1 {
		fn(0, n)
		return
	}

	chunkSize := (n + numChunks - 1) / numChunks
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		p.waitToStart(func() {
			defer wg.Done()
			fn(start, end)
		})
	}
	wg.Wait()
}
