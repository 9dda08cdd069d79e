// Package grid models the logical process grid ("tesseract") used by 2.5D
// tensor-parallel matrix multiplication: per depth slice a square arrangement
// of TesseractDim×TesseractDim ranks, stacked Depth slices deep, with the
// whole tensor-parallel block replicated again over pipeline and
// data-parallel axes.
//
// A Place is the coordinate of one rank in that grid; a Topology maps Places
// to global ranks and back. Within a depth slice ranks are laid out row-major
// (col varies fastest), depth slices are stacked contiguously, and pipeline
// then data-parallel replicas wrap the tensor-parallel block:
//
//	rank = col + row·d + dep·d² + pipe·(d²·depth) + data·pp·(d²·depth)
//
// where d = TesseractDim and pp = PipelineParallel.
//
// The package is pure bookkeeping: it performs no communication and holds no
// state beyond the axis sizes. The matmul loops never spell out the formula
// above; they go through the four source/destination helpers
// (ColumnBroadcastSource, ColumnReduceDestination, RowBroadcastSource,
// RowReduceDestination) so the index arithmetic lives in exactly one place.
package grid

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// Topology holds the sizes of each axis of the process grid.
//
// TesseractDim is the side d of the square per-depth-slice grid and Depth the
// number of depth slices; together they define the tensor-parallel block of
// d²·Depth ranks. DataParallel and PipelineParallel replicate that block and
// are 1 when unused.
//
// Build it with Make (and optionally WithReplicas); methods panic on a
// zero-valued Topology.
type Topology struct {
	TesseractDim     int
	Depth            int
	DataParallel     int
	PipelineParallel int
}

// Place is the coordinate of one rank in a Topology.
//
// Row and Col locate the rank inside its d×d depth slice, Dep selects the
// slice, and Data/Pipeline select the replica of the tensor-parallel block.
// The zero Place is the first rank of the grid.
type Place struct {
	Row, Col int
	Dep      int
	Data     int
	Pipeline int
}

// Make returns a Topology of tesseractDim×tesseractDim ranks per depth slice
// and depth slices, with no data- or pipeline-parallel replication.
// It panics if either size is < 1.
func Make(tesseractDim, depth int) Topology {
	if tesseractDim < 1 || depth < 1 {
		exceptions.Panicf("grid.Make(%d, %d): axis sizes must be >= 1", tesseractDim, depth)
	}
	return Topology{
		TesseractDim:     tesseractDim,
		Depth:            depth,
		DataParallel:     1,
		PipelineParallel: 1,
	}
}

// WithReplicas returns a copy of t whose tensor-parallel block is replicated
// dataParallel×pipelineParallel times. It panics if either size is < 1.
func (t Topology) WithReplicas(dataParallel, pipelineParallel int) Topology {
	if dataParallel < 1 || pipelineParallel < 1 {
		exceptions.Panicf("Topology.WithReplicas(%d, %d): axis sizes must be >= 1", dataParallel, pipelineParallel)
	}
	t.DataParallel = dataParallel
	t.PipelineParallel = pipelineParallel
	return t
}

// TensorParallelSize returns the number of ranks in one tensor-parallel
// block: TesseractDim²·Depth.
func (t Topology) TensorParallelSize() int {
	return t.TesseractDim * t.TesseractDim * t.Depth
}

// WorldSize returns the total number of ranks across all replicas.
func (t Topology) WorldSize() int {
	return t.TensorParallelSize() * t.DataParallel * t.PipelineParallel
}

// String implements fmt.Stringer.
func (t Topology) String() string {
	return fmt.Sprintf("tesseract(d=%d, depth=%d, data=%d, pipe=%d)",
		t.TesseractDim, t.Depth, t.DataParallel, t.PipelineParallel)
}

// String implements fmt.Stringer.
func (p Place) String() string {
	return fmt.Sprintf("(row=%d, col=%d, dep=%d, data=%d, pipe=%d)",
		p.Row, p.Col, p.Dep, p.Data, p.Pipeline)
}

func (t Topology) checkPlace(p Place) {
	if p.Row < 0 || p.Row >= t.TesseractDim ||
		p.Col < 0 || p.Col >= t.TesseractDim ||
		p.Dep < 0 || p.Dep >= t.Depth ||
		p.Data < 0 || p.Data >= t.DataParallel ||
		p.Pipeline < 0 || p.Pipeline >= t.PipelineParallel {
		exceptions.Panicf("grid: place %s is outside topology %s", p, t)
	}
}

// Rank returns the global rank of place p. It panics if any coordinate of p
// is outside t.
func (t Topology) Rank(p Place) int {
	t.checkPlace(p)
	d := t.TesseractDim
	tp := t.TensorParallelSize()
	return p.Col + p.Row*d + p.Dep*d*d + p.Pipeline*tp + p.Data*t.PipelineParallel*tp
}

// PlaceOf returns the place of the given global rank, inverting Rank.
// It panics if rank is outside [0, WorldSize).
func (t Topology) PlaceOf(rank int) Place {
	if rank < 0 || rank >= t.WorldSize() {
		exceptions.Panicf("grid: rank %d is outside topology %s with world size %d", rank, t, t.WorldSize())
	}
	d := t.TesseractDim
	tp := t.TensorParallelSize()
	var p Place
	p.Data = rank / (t.PipelineParallel * tp)
	rank %= t.PipelineParallel * tp
	p.Pipeline = rank / tp
	rank %= tp
	p.Dep = rank / (d * d)
	rank %= d * d
	p.Row = rank / d
	p.Col = rank % d
	return p
}

// ColumnBroadcastSource returns the rank that owns the tile broadcast at
// step i of a column-group loop: the member of p's column group at row i.
func (t Topology) ColumnBroadcastSource(p Place, i int) int {
	p.Row = i
	return t.Rank(p)
}

// ColumnReduceDestination returns the rank that receives the combined tile
// at step i of a column-group reduction: the member of p's column group at
// row i.
func (t Topology) ColumnReduceDestination(p Place, i int) int {
	p.Row = i
	return t.Rank(p)
}

// RowBroadcastSource returns the rank that owns the tile broadcast at step i
// of a row-group loop: the member of p's row group at column i.
func (t Topology) RowBroadcastSource(p Place, i int) int {
	p.Col = i
	return t.Rank(p)
}

// RowReduceDestination returns the rank that receives the combined tile at
// step i of a row-group reduction: the member of p's row group at column i.
func (t Topology) RowReduceDestination(p Place, i int) int {
	p.Col = i
	return t.Rank(p)
}

// RowGroupRanks returns the global ranks of p's row group, the d ranks that
// share p's row (and depth and replica coordinates), ordered by column.
func (t Topology) RowGroupRanks(p Place) []int {
	ranks := make([]int, t.TesseractDim)
	for c := range ranks {
		p.Col = c
		ranks[c] = t.Rank(p)
	}
	return ranks
}

// ColumnGroupRanks returns the global ranks of p's column group, the d ranks
// that share p's column (and depth and replica coordinates), ordered by row.
func (t Topology) ColumnGroupRanks(p Place) []int {
	ranks := make([]int, t.TesseractDim)
	for r := range ranks {
		p.Row = r
		ranks[r] = t.Rank(p)
	}
	return ranks
}
