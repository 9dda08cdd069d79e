// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workpool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForChunksCoversRange(t *testing.T) {
	for _, maxParallelism := range []int{-1, 0, 1, 3, 16} {
		p := New()
		p.SetMaxParallelism(maxParallelism)
		for _, n := range []int{0, 1, 7, 100, 1000} {
			covered := make([]atomic.Int32, n)
			var badRanges atomic.Int32
			p.ForChunks(n, 8, func(start, end int) {
				if start < 0 || end < start || end > n {
					badRanges.Add(1)
					return
				}
				for i := start; i < end; i++ {
					covered[i].Add(1)
				}
			})
			require.Zero(t, badRanges.Load(), "maxParallelism=%d n=%d: chunk out of range", maxParallelism, n)
			for i := range covered {
				require.Equal(t, int32(1), covered[i].Load(),
					"maxParallelism=%d n=%d: index %d covered %d times", maxParallelism, n, i, covered[i].Load())
			}
		}
	}
}

func TestForChunksBoundsConcurrency(t *testing.T) {
	p := New()
	p.SetMaxParallelism(2)
	var running, peak atomic.Int32
	p.ForChunks(64, 1, func(start, end int) {
		now := running.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		for i := 0; i < 1000; i++ {
			_ = i * i
		}
		running.Add(-1)
	})
	require.LessOrEqual(t, peak.Load(), int32(2))
}
