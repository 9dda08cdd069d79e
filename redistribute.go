package tesseract

import (
	"github.com/pkg/errors"

	"github.com/gomlx/tesseract/comms"
	"github.com/gomlx/tesseract/types/tiles"
)

// redistributeArgs is the positional calling convention shared by
// AllGatherLast and SplitFirst: (x, tesseractDim, group). Only x is
// differentiable.
const redistributeArgs = 3

// AllGatherLast widens x along its last axis: every member of g
// contributes its shard and receives the concatenation of all shards, in
// group order, g.Size() times wider on that axis.
func AllGatherLast(plan Plan, g comms.Group, x *tiles.Tile) (*tiles.Tile, error) {
	if x == nil {
		return nil, errors.Errorf("AllGatherLast: nil input tile")
	}
	parts, err := plan.Comm.AllGather(g, x)
	if err != nil {
		return nil, err
	}
	defer freeAll(plan.Alloc, parts)
	return tiles.ConcatLast(plan.Alloc, parts)
}

// SplitFirst narrows x along its leading axis: each member of g keeps the
// chunk at its own group position. Purely local, no communication.
func SplitFirst(plan Plan, g comms.Group, x *tiles.Tile) (*tiles.Tile, error) {
	if x == nil {
		return nil, errors.Errorf("SplitFirst: nil input tile")
	}
	pos := g.IndexOf(plan.Comm.Rank())
	if pos < 0 {
		return nil, errors.Errorf("SplitFirst: rank %d is not a member of group %s", plan.Comm.Rank(), g.Name())
	}
	return tiles.ChunkFirst(plan.Alloc, x, g.Size(), pos)
}

// allGatherLast is the Function form of AllGatherLast. The dual of a
// gather is a local slice: its backward keeps the chunk of the incoming
// gradient at this rank's position in the gather group, with no
// communication.
type allGatherLast struct{}

func (allGatherLast) Type() OpType { return OpTypeAllGatherLast }
func (allGatherLast) NumArgs() int { return redistributeArgs }

func (allGatherLast) Forward(ctx *Context, inputs []*tiles.Tile) (*tiles.Tile, error) {
	x, err := oneInput(OpTypeAllGatherLast, inputs)
	if err != nil {
		return nil, err
	}
	return AllGatherLast(ctx.Plan, ctx.group(), x)
}

func (allGatherLast) Backward(ctx *Context, outputGrad *tiles.Tile) ([]*tiles.Tile, error) {
	if outputGrad == nil {
		return nil, errors.Errorf("%s: nil output gradient", OpTypeAllGatherLast)
	}
	g := ctx.group()
	pos := g.IndexOf(ctx.Plan.Comm.Rank())
	if pos < 0 {
		return nil, errors.Errorf("%s: rank %d is not a member of group %s",
			OpTypeAllGatherLast, ctx.Plan.Comm.Rank(), g.Name())
	}
	grad, err := tiles.ChunkLast(ctx.Plan.Alloc, outputGrad, g.Size(), pos)
	if err != nil {
		return nil, err
	}
	return gradsWithNils(redistributeArgs, grad), nil
}

// splitFirst is the Function form of SplitFirst. Its backward is the dual
// gather: the per-rank gradient chunks all-gather back into the saved
// leading dimension.
type splitFirst struct{}

func (splitFirst) Type() OpType { return OpTypeSplitFirst }
func (splitFirst) NumArgs() int { return redistributeArgs }

func (splitFirst) Forward(ctx *Context, inputs []*tiles.Tile) (*tiles.Tile, error) {
	x, err := oneInput(OpTypeSplitFirst, inputs)
	if err != nil {
		return nil, err
	}
	ctx.saveDims(0, x)
	return SplitFirst(ctx.Plan, ctx.group(), x)
}

func (splitFirst) Backward(ctx *Context, outputGrad *tiles.Tile) ([]*tiles.Tile, error) {
	if outputGrad == nil {
		return nil, errors.Errorf("%s: nil output gradient", OpTypeSplitFirst)
	}
	g := ctx.group()
	parts, err := ctx.Plan.Comm.AllGather(g, outputGrad)
	if err != nil {
		return nil, err
	}
	defer freeAll(ctx.Plan.Alloc, parts)
	grad, err := tiles.ConcatFirst(ctx.Plan.Alloc, parts)
	if err != nil {
		return nil, err
	}
	if want := ctx.savedDims[0]; len(want) > 0 && grad.Dim(0) != want[0] {
		return nil, errors.Errorf("%s: gathered gradient leading dimension %d, the input had %d",
			OpTypeSplitFirst, grad.Dim(0), want[0])
	}
	return gradsWithNils(redistributeArgs, grad), nil
}
