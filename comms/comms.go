// Package comms defines the collective-communication surface the 2.5D
// matmul operations run on: an ordered Group of ranks, a per-rank
// Communicator with the four blocking collectives, and a Mesh that hands out
// the row and column groups of the process grid.
//
// The package only holds interfaces and the ReduceOpType enum; the reference
// in-process engine lives in comms/inproc, and a multi-process runtime can
// plug in its own implementation the same way.
//
// Ordering is the collective contract: every member of a group must issue
// the same sequence of collective calls in the same order. A member that
// skips a call, or issues them in a different order, hangs the whole group
// (or worse, silently mismatches tiles); this layer does not detect it and
// has no timeouts. Whoever creates the groups owns liveness.
package comms

import (
	"github.com/gomlx/tesseract/types/grid"
	"github.com/gomlx/tesseract/types/tiles"
)

//go:generate go tool enumer -type ReduceOpType -trimprefix=ReduceOp -output=gen_reduceoptype_enumer.go reduceop.go

// Group is an ordered set of global ranks that communicate, typically one
// row or one column of a depth slice of the process grid. Implementations
// are immutable after creation.
type Group interface {
	// Name identifies the group in logs and errors, e.g.
	// "row1.dep0.data0.pipe0".
	Name() string

	// Size returns the number of members.
	Size() int

	// Ranks returns the members' global ranks in group order. Callers must
	// not modify the returned slice.
	Ranks() []int

	// IndexOf returns the position of globalRank in the group, or -1 if it
	// is not a member.
	IndexOf(globalRank int) int
}

// Communicator is one rank's handle to the collective engine. All methods
// block until the matching calls of every other group member arrive and the
// data movement completes; they are synchronous from the caller's view.
//
// A tile handed to a collective belongs to the collective until the call
// returns. The buffers of AllGather results belong to the caller.
type Communicator interface {
	// Rank returns the global rank this communicator speaks for.
	Rank() int

	// AllGather returns every member's tile, ordered by group position.
	// The returned tiles are fresh copies owned by the caller; the operand
	// is left untouched.
	AllGather(g Group, t *tiles.Tile) ([]*tiles.Tile, error)

	// Broadcast overwrites t in place with srcRank's tile on every member
	// but the source, where it is a data no-op. srcRank must be a member
	// of g, and every member must pass the same srcRank.
	Broadcast(g Group, srcRank int, t *tiles.Tile) error

	// Reduce combines the members' tiles with op into dstRank's t. Only
	// the destination's buffer holds the combined result afterwards; the
	// other members' buffers are unspecified (this engine leaves them
	// untouched, others may scratch them). Every member must pass the
	// same dstRank and op.
	Reduce(g Group, dstRank int, op ReduceOpType, t *tiles.Tile) error

	// AllReduce combines the members' tiles with op in place on every
	// member, so afterwards all buffers hold the same combined result.
	AllReduce(g Group, op ReduceOpType, t *tiles.Tile) error
}

// Mesh hands out the communication groups of the process grid. The ops
// never create or destroy groups; they take them from a Mesh (usually via a
// Plan) and assume every rank of the topology got the same ones.
type Mesh interface {
	// Topology of the grid this mesh was built for.
	Topology() grid.Topology

	// RowGroup returns the group of p's row: the ranks sharing p's row,
	// depth and replica coordinates, ordered by column.
	RowGroup(p grid.Place) Group

	// ColumnGroup returns the group of p's column: the ranks sharing p's
	// column, depth and replica coordinates, ordered by row.
	ColumnGroup(p grid.Place) Group
}
