package tesseract

import (
	"slices"
	"sync"

	"github.com/gomlx/tesseract/comms"
	"github.com/gomlx/tesseract/internal/workpool"
	"github.com/gomlx/tesseract/types/grid"
	"github.com/gomlx/tesseract/types/tiles"
)

// Plan bundles what one rank needs to run the distributed operations: its
// place in the topology, the row and column groups at that place, the
// communicator, the tile allocator and the kernel worker pool. Plans are
// cheap values; build one per rank and reuse it across calls.
type Plan struct {
	Topology grid.Topology
	Place    grid.Place

	// Row and Col are the collective groups this rank shares with the other
	// ranks of its grid row and grid column.
	Row, Col comms.Group

	Comm    comms.Communicator
	Alloc   tiles.Allocator
	Workers *workpool.Pool
}

// defaultWorkers bounds local kernel parallelism for every plan that
// doesn't bring its own pool.
var defaultWorkers = workpool.New()

// NewPlan resolves the communicator's rank against the mesh and fills in
// the default allocator and worker pool.
func NewPlan(mesh comms.Mesh, comm comms.Communicator) Plan {
	topology := mesh.Topology()
	place := topology.PlaceOf(comm.Rank())
	return Plan{
		Topology: topology,
		Place:    place,
		Row:      mesh.RowGroup(place),
		Col:      mesh.ColumnGroup(place),
		Comm:     comm,
		Alloc:    tiles.Heap,
		Workers:  defaultWorkers,
	}
}

// WithAllocator returns a copy of the plan allocating tiles with alloc.
func (p Plan) WithAllocator(alloc tiles.Allocator) Plan {
	p.Alloc = alloc
	return p
}

// Context carries one operation invocation's state across the forward to
// backward boundary: the plan, the caller's metadata arguments and whatever
// the forward saved for its backward. Acquire with NewContext, release with
// Release when the invocation is done with it.
type Context struct {
	Plan Plan

	// OutShape is the logical shape the matmul result reshapes to. Nil
	// keeps the natural two-dimensional tile.
	OutShape []int

	// PartitionSize is the width of this column's output partition, the
	// length of the bias vector AddBias distributes.
	PartitionSize int

	// SkipAdd makes AddBias return the broadcast bias without applying it,
	// deferring the add to the caller.
	SkipAdd bool

	// HiddenSize is the full hidden dimension of the row-distributed input,
	// summed over every shard. LayerNorm's backward divides its all-reduced
	// row sums by it.
	HiddenSize int

	// Group overrides the group AllGatherLast and SplitFirst move shards
	// over. Nil means the plan's column group.
	Group comms.Group

	saved     [2]*tiles.Tile
	savedDims [2][]int
}

var contextPool = sync.Pool{New: func() any { return &Context{} }}

// NewContext returns a Context bound to plan, recycled from a shared pool.
func NewContext(plan Plan) *Context {
	ctx := contextPool.Get().(*Context)
	ctx.Plan = plan
	return ctx
}

// Release clears ctx and returns it to the pool. The invocation must be
// done with it: backward already ran or never will.
func (ctx *Context) Release() {
	*ctx = Context{}
	contextPool.Put(ctx)
}

// save keeps forward tensors and their logical dimensions for backward.
func (ctx *Context) save(ts ...*tiles.Tile) {
	for i, t := range ts {
		ctx.saved[i] = t
		if t != nil {
			ctx.savedDims[i] = slices.Clone(t.Shape().Dimensions)
		}
	}
}

// saveDims keeps only the logical dimensions of t.
func (ctx *Context) saveDims(i int, t *tiles.Tile) {
	ctx.savedDims[i] = slices.Clone(t.Shape().Dimensions)
}

// group resolves the redistribution group.
func (ctx *Context) group() comms.Group {
	if ctx.Group != nil {
		return ctx.Group
	}
	return ctx.Plan.Col
}
