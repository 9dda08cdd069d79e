package tesseract

import (
	"github.com/pkg/errors"

	"github.com/gomlx/tesseract/comms"
	"github.com/gomlx/tesseract/types/shapes"
	"github.com/gomlx/tesseract/types/tiles"
)

// addBiasArgs is AddBias' positional calling convention: (input, bias,
// partitionSize, tesseractDim, rowRank, colRank, depRank, columnGroup,
// skipAdd, dataParallelRank, pipelineParallelRank, pipelineParallelSize,
// tensorParallelSize). Only input and bias are differentiable.
const addBiasArgs = 13

// AddBias distributes the bias vector owned by the row-0 rank of this
// column group and adds it to every row of input. partitionSize is the
// bias length, this column's share of the full output dimension; bias may
// be nil on every rank off row 0. With skipAdd the broadcast bias tile
// itself is returned and the add is left to the caller.
func AddBias(plan Plan, input, bias *tiles.Tile, partitionSize int, skipAdd bool) (*tiles.Tile, error) {
	if input == nil {
		return nil, errors.Errorf("AddBias: nil input tile")
	}
	if partitionSize <= 0 {
		return nil, errors.Errorf("AddBias: partition size %d must be positive", partitionSize)
	}
	if !skipAdd && input.Dim(-1) != partitionSize {
		return nil, errors.Errorf("AddBias: input %s last axis does not span the %d-wide partition",
			input.Shape(), partitionSize)
	}

	var biasTemp *tiles.Tile
	if plan.Place.Row == 0 {
		if bias == nil {
			return nil, errors.Errorf("AddBias: the row-0 rank owns the bias, got nil")
		}
		if bias.Rank() != 1 || bias.Dim(0) != partitionSize ||
			bias.DType() != input.DType() || bias.Device() != input.Device() {
			return nil, errors.Errorf("AddBias: bias %s does not match input %s with partition size %d",
				bias, input, partitionSize)
		}
		biasTemp = tiles.CloneWith(plan.Alloc, bias)
	} else {
		biasTemp = plan.Alloc.AllocZeroed(input.Device(), shapes.Make(input.DType(), partitionSize))
	}
	src := plan.Topology.ColumnBroadcastSource(plan.Place, 0)
	if err := plan.Comm.Broadcast(plan.Col, src, biasTemp); err != nil {
		return nil, err
	}
	if skipAdd {
		return biasTemp, nil
	}
	out := tiles.CloneWith(plan.Alloc, input)
	if err := tiles.AddRowVector(out, biasTemp); err != nil {
		return nil, err
	}
	plan.Alloc.Free(biasTemp)
	return out, nil
}

// addBias is the Function form of AddBias.
type addBias struct{}

func (addBias) Type() OpType { return OpTypeAddBias }
func (addBias) NumArgs() int { return addBiasArgs }

func (addBias) Forward(ctx *Context, inputs []*tiles.Tile) (*tiles.Tile, error) {
	input, bias, err := twoInputs(OpTypeAddBias, inputs)
	if err != nil {
		return nil, err
	}
	return AddBias(ctx.Plan, input, bias, ctx.PartitionSize, ctx.SkipAdd)
}

// Backward reduces the bias gradient into the row-0 owner of the column
// group; every other rank gets exact zeros for its dead bias replica. With
// SkipAdd the output gradient is already bias-shaped and reduces directly;
// otherwise the bias gradient is the column sum over all leading axes and
// the input gradient is the output gradient itself, not a copy.
func (addBias) Backward(ctx *Context, outputGrad *tiles.Tile) ([]*tiles.Tile, error) {
	if outputGrad == nil {
		return nil, errors.Errorf("%s: nil output gradient", OpTypeAddBias)
	}
	plan := ctx.Plan
	dst := plan.Topology.ColumnReduceDestination(plan.Place, 0)

	if ctx.SkipAdd {
		biasGrad := tiles.CloneWith(plan.Alloc, outputGrad)
		if err := plan.Comm.Reduce(plan.Col, dst, comms.ReduceOpSum, biasGrad); err != nil {
			return nil, err
		}
		if plan.Place.Row != 0 {
			plan.Alloc.Free(biasGrad)
			biasGrad = plan.Alloc.AllocZeroed(outputGrad.Device(), outputGrad.Shape())
		}
		return gradsWithNils(addBiasArgs, nil, biasGrad), nil
	}

	summed := plan.Alloc.AllocZeroed(outputGrad.Device(),
		shapes.Make(outputGrad.DType(), outputGrad.Dim(-1)))
	if err := tiles.SumLeading(summed, outputGrad); err != nil {
		return nil, err
	}
	if err := plan.Comm.Reduce(plan.Col, dst, comms.ReduceOpSum, summed); err != nil {
		return nil, err
	}
	if plan.Place.Row != 0 {
		plan.Alloc.Free(summed)
		summed = plan.Alloc.AllocZeroed(outputGrad.Device(),
			shapes.Make(outputGrad.DType(), outputGrad.Dim(-1)))
	}
	return gradsWithNils(addBiasArgs, outputGrad, summed), nil
}
