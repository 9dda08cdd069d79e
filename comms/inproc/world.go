// Package inproc is the reference in-process collective engine: every rank
// of the process grid is a goroutine in the same process, and collectives
// meet at in-memory rendezvous points instead of a network.
//
// It exists for tests, for single-machine experiments and as the executable
// description of the collective semantics the matmul ops rely on. A World
// implements comms.Mesh and mints one comms.Communicator per rank; tiles
// move by plain memory copies performed by the last member to arrive at
// each collective.
//
// The ordering contract is inherited from the comms package: a rank that
// omits a collective call hangs its group's next rendezvous forever. The
// engine adds one safety net a network engine cannot: members that disagree
// on what the current collective IS (kind, combiner, root, tile shape) all
// get a descriptive error instead of corrupted data.
package inproc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tesseract/comms"
	"github.com/gomlx/tesseract/types/grid"
	"github.com/gomlx/tesseract/types/tiles"
)

// World is an in-process instantiation of a whole process grid: the group
// provider (comms.Mesh) plus the rendezvous state the communicators meet
// in. Create one per test or experiment; it needs no shutdown.
type World struct {
	id       string
	topology grid.Topology
	pool     *tiles.Pool

	rowGroups, colGroups map[grid.Place]*group

	mu    sync.Mutex
	slots map[slotKey]*rendezvous
}

// NewWorld builds the world for a topology, with all row and column groups
// of every depth slice and replica precomputed.
func NewWorld(topology grid.Topology) *World {
	w := &World{
		id:        uuid.NewString(),
		topology:  topology,
		pool:      tiles.NewPool(),
		rowGroups: make(map[grid.Place]*group),
		colGroups: make(map[grid.Place]*group),
		slots:     make(map[slotKey]*rendezvous),
	}
	for rank := 0; rank < topology.WorldSize(); rank++ {
		p := topology.PlaceOf(rank)
		rowKey := normalizeRow(p)
		if _, ok := w.rowGroups[rowKey]; !ok {
			w.rowGroups[rowKey] = newGroup(
				fmt.Sprintf("row%d.dep%d.data%d.pipe%d", p.Row, p.Dep, p.Data, p.Pipeline),
				topology.RowGroupRanks(p))
		}
		colKey := normalizeCol(p)
		if _, ok := w.colGroups[colKey]; !ok {
			w.colGroups[colKey] = newGroup(
				fmt.Sprintf("col%d.dep%d.data%d.pipe%d", p.Col, p.Dep, p.Data, p.Pipeline),
				topology.ColumnGroupRanks(p))
		}
	}
	klog.V(1).Infof("inproc: world %s created for %s, %d ranks", w.id, topology, topology.WorldSize())
	return w
}

// normalizeRow keys a place to its row group: the column is the coordinate
// that varies inside the group.
func normalizeRow(p grid.Place) grid.Place {
	p.Col = 0
	return p
}

// normalizeCol keys a place to its column group.
func normalizeCol(p grid.Place) grid.Place {
	p.Row = 0
	return p
}

// ID returns the world's unique id, minted at creation.
func (w *World) ID() string { return w.id }

// Topology implements comms.Mesh.
func (w *World) Topology() grid.Topology { return w.topology }

// RowGroup implements comms.Mesh.
func (w *World) RowGroup(p grid.Place) comms.Group {
	w.topology.Rank(p) // bounds check
	return w.rowGroups[normalizeRow(p)]
}

// ColumnGroup implements comms.Mesh.
func (w *World) ColumnGroup(p grid.Place) comms.Group {
	w.topology.Rank(p)
	return w.colGroups[normalizeCol(p)]
}

// Allocator returns the world's shared tile pool. All ranks may use it
// concurrently.
func (w *World) Allocator() tiles.Allocator { return w.pool }

// Communicator returns the collective handle of one global rank. The handle
// is meant to be driven by that rank's single goroutine; it is not safe for
// concurrent use.
func (w *World) Communicator(globalRank int) comms.Communicator {
	w.topology.PlaceOf(globalRank) // bounds check
	return &communicator{world: w, rank: globalRank, seq: make(map[string]uint64)}
}

// Run drives fn once per rank, each on its own goroutine, passing the
// rank's communicator, and waits for all of them. The returned error joins
// every rank's failure. It is the harness the op tests build on.
func (w *World) Run(fn func(comm comms.Communicator) error) error {
	errs := make([]error, w.topology.WorldSize())
	var wg sync.WaitGroup
	for rank := 0; rank < w.topology.WorldSize(); rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			if err := fn(w.Communicator(rank)); err != nil {
				errs[rank] = errors.WithMessagef(err, "rank %d", rank)
			}
		}(rank)
	}
	wg.Wait()
	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	var first error
	count := 0
	for _, err := range errs {
		if err != nil {
			if first == nil {
				first = err
			}
			count++
		}
	}
	if count > 1 {
		return errors.WithMessagef(first, "and %d more ranks failed", count-1)
	}
	return first
}

// group is an immutable ordered member list.
type group struct {
	name  string
	ranks []int
	index map[int]int
}

func newGroup(name string, ranks []int) *group {
	g := &group{name: name, ranks: ranks, index: make(map[int]int, len(ranks))}
	for i, rank := range ranks {
		g.index[rank] = i
	}
	return g
}

func (g *group) Name() string { return g.name }
func (g *group) Size() int    { return len(g.ranks) }
func (g *group) Ranks() []int { return g.ranks }

func (g *group) IndexOf(globalRank int) int {
	if i, ok := g.index[globalRank]; ok {
		return i
	}
	return -1
}
