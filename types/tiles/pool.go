package tiles

import (
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tesseract/types/shapes"
)

// Allocator hands out tiles for the intermediate results of the matmul
// loops. Implementations may recycle storage; a freed tile must never be
// touched again.
type Allocator interface {
	// Alloc returns a tile of the given shape with unspecified contents.
	Alloc(device Device, shape shapes.Shape) *Tile

	// AllocZeroed returns a zero-filled tile.
	AllocZeroed(device Device, shape shapes.Shape) *Tile

	// Free returns the tile's storage to the allocator. Freeing nil is a
	// no-op.
	Free(t *Tile)
}

// heapAllocator allocates straight from the Go heap and lets the GC collect.
type heapAllocator struct{}

// Heap is the trivial Allocator: plain allocations, Free only marks the tile
// invalid.
var Heap Allocator = heapAllocator{}

func (heapAllocator) Alloc(device Device, shape shapes.Shape) *Tile { return New(device, shape) }

func (heapAllocator) AllocZeroed(device Device, shape shapes.Shape) *Tile {
	return New(device, shape)
}

func (heapAllocator) Free(t *Tile) {
	if t == nil {
		return
	}
	t.valid = false
	t.flat = nil
}

// Pool recycles tile storage through one sync.Pool per (dtype, size) pair.
// The matmul loops allocate and free the same handful of shapes every
// iteration, which is the pattern sync.Pool serves best.
//
// Pool is safe for concurrent use by all ranks of an in-process world.
type Pool struct {
	pools sync.Map // bufferKey -> *sync.Pool
}

type bufferKey struct {
	dtype  dtypes.DType
	length int
}

// NewPool returns an empty Pool.
func NewPool() *Pool {
	return &Pool{}
}

func (p *Pool) poolFor(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferKey{dtype: dtype, length: length}
	poolAny, ok := p.pools.Load(key)
	if !ok {
		poolAny, _ = p.pools.LoadOrStore(key, &sync.Pool{
			New: func() any {
				return New(Host, shapes.Make(dtype, length))
			},
		})
	}
	return poolAny.(*sync.Pool)
}

// Alloc implements Allocator. Contents are whatever the recycled storage
// held.
func (p *Pool) Alloc(device Device, shape shapes.Shape) *Tile {
	t := p.poolFor(shape.DType, shape.Size()).Get().(*Tile)
	t.shape = shape.Clone()
	t.device = device
	t.valid = true
	return t
}

// AllocZeroed implements Allocator.
func (p *Pool) AllocZeroed(device Device, shape shapes.Shape) *Tile {
	t := p.Alloc(device, shape)
	t.Zero()
	return t
}

// Free implements Allocator.
func (p *Pool) Free(t *Tile) {
	if t == nil || !t.valid || t.flat == nil {
		return
	}
	t.valid = false
	p.poolFor(t.shape.DType, t.shape.Size()).Put(t)
}
