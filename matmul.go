package tesseract

import (
	"github.com/pkg/errors"

	"github.com/gomlx/tesseract/comms"
	"github.com/gomlx/tesseract/types/shapes"
	"github.com/gomlx/tesseract/types/tiles"
)

// matmulArgs is the positional calling convention shared by the three
// matmul variants: (A, B, tesseractDim, outShape, rowRank, colRank,
// depRank, rowGroup, columnGroup, dataParallelRank, pipelineParallelRank,
// pipelineParallelSize, tensorParallelSize). Only A and B are
// differentiable.
const matmulArgs = 13

// matmulOperands checks the shared preconditions before any communication:
// non-nil congruent operands whose contraction dimensions (negative axis
// indices into A and B) agree.
func matmulOperands(op string, a, b *tiles.Tile, aAxis, bAxis int) error {
	if a == nil || b == nil {
		return errors.Errorf("%s: nil operand tile", op)
	}
	if a.DType() != b.DType() || a.Device() != b.Device() {
		return errors.Errorf("%s: operands %s and %s must share dtype and device", op, a, b)
	}
	if a.Rank() < -aAxis || b.Rank() < -bAxis {
		return errors.Errorf("%s: invalid shapes A=%s, B=%s", op, a.Shape(), b.Shape())
	}
	if a.Dim(aAxis) != b.Dim(bAxis) {
		return errors.Errorf("%s: invalid shapes A=%s, B=%s, the contraction dimensions differ",
			op, a.Shape(), b.Shape())
	}
	return nil
}

// reshapeOut applies the caller's logical out shape, when given.
func reshapeOut(op string, c *tiles.Tile, outShape []int) (*tiles.Tile, error) {
	if len(outShape) == 0 {
		return c, nil
	}
	size := 1
	for _, dim := range outShape {
		size *= dim
	}
	if size != c.Size() {
		return nil, errors.Errorf("%s: out shape %v does not hold the %d result values", op, outShape, c.Size())
	}
	return c.Reshape(outShape...), nil
}

// MatmulAB computes this rank's tile of C = A·B. Within each depth slice
// the rank at grid place (row, col) holds tile (row, col) of every matrix:
// the row group all-gathers the A tiles, the column group all-gathers the
// B tiles, and the tesseractDim pairwise products accumulate into C
// locally. A and B may carry leading batch axes, which collapse into the
// rows of the local product. outShape, when not nil, is the logical shape
// the result reshapes to.
func MatmulAB(plan Plan, a, b *tiles.Tile, outShape []int) (*tiles.Tile, error) {
	if err := matmulOperands("MatmulAB", a, b, -1, -2); err != nil {
		return nil, err
	}
	a2, b2 := a.Rows2D(), b.Rows2D()
	aParts, err := plan.Comm.AllGather(plan.Row, a2)
	if err != nil {
		return nil, err
	}
	defer freeAll(plan.Alloc, aParts)
	bParts, err := plan.Comm.AllGather(plan.Col, b2)
	if err != nil {
		return nil, err
	}
	defer freeAll(plan.Alloc, bParts)

	c := plan.Alloc.AllocZeroed(a.Device(), shapes.Make(a.DType(), a2.Dim(0), b2.Dim(1)))
	for i := 0; i < plan.Topology.TesseractDim; i++ {
		// Block (row, i) of A meets block (i, col) of B: the gather order
		// puts them at position i of each list.
		if err := tiles.MatMulAcc(plan.Workers, c, aParts[i], bParts[i]); err != nil {
			return nil, err
		}
	}
	return reshapeOut("MatmulAB", c, outShape)
}

// MatmulABT computes this rank's tile of C = A·Bᵀ. Iteration i broadcasts
// the B tile of grid row i within the column group, forms the partial
// product A·Bᵀ, and reduces it within the row group into the rank at grid
// column i; the iteration matching this rank's own column leaves behind
// its result tile.
func MatmulABT(plan Plan, a, b *tiles.Tile, outShape []int) (*tiles.Tile, error) {
	if err := matmulOperands("MatmulABT", a, b, -1, -1); err != nil {
		return nil, err
	}
	a2, b2 := a.Rows2D(), b.Rows2D()
	bt := plan.Alloc.Alloc(b.Device(), b2.Shape())
	defer plan.Alloc.Free(bt)

	var c *tiles.Tile
	for i := 0; i < plan.Topology.TesseractDim; i++ {
		if err := tiles.Copy(bt, b2); err != nil {
			return nil, err
		}
		src := plan.Topology.ColumnBroadcastSource(plan.Place, i)
		if err := plan.Comm.Broadcast(plan.Col, src, bt); err != nil {
			return nil, err
		}
		ct := plan.Alloc.AllocZeroed(a.Device(), shapes.Make(a.DType(), a2.Dim(0), b2.Dim(0)))
		if err := tiles.MatMulTransBAcc(plan.Workers, ct, a2, bt); err != nil {
			return nil, err
		}
		dst := plan.Topology.RowReduceDestination(plan.Place, i)
		if err := plan.Comm.Reduce(plan.Row, dst, comms.ReduceOpSum, ct); err != nil {
			return nil, err
		}
		if i == plan.Place.Col {
			c = ct
		} else {
			plan.Alloc.Free(ct)
		}
	}
	return reshapeOut("MatmulABT", c, outShape)
}

// MatmulATB computes this rank's tile of C = Aᵀ·B, the transpose-symmetric
// counterpart of MatmulABT: A tiles broadcast within the row group,
// partial products Aᵀ·B reduce within the column group into the rank at
// grid row i, and the iteration matching this rank's own row leaves behind
// its result tile.
func MatmulATB(plan Plan, a, b *tiles.Tile, outShape []int) (*tiles.Tile, error) {
	if err := matmulOperands("MatmulATB", a, b, -2, -2); err != nil {
		return nil, err
	}
	a2, b2 := a.Rows2D(), b.Rows2D()
	at := plan.Alloc.Alloc(a.Device(), a2.Shape())
	defer plan.Alloc.Free(at)

	var c *tiles.Tile
	for i := 0; i < plan.Topology.TesseractDim; i++ {
		if err := tiles.Copy(at, a2); err != nil {
			return nil, err
		}
		src := plan.Topology.RowBroadcastSource(plan.Place, i)
		if err := plan.Comm.Broadcast(plan.Row, src, at); err != nil {
			return nil, err
		}
		ct := plan.Alloc.AllocZeroed(a.Device(), shapes.Make(a.DType(), a2.Dim(1), b2.Dim(1)))
		if err := tiles.MatMulTransAAcc(plan.Workers, ct, at, b2); err != nil {
			return nil, err
		}
		dst := plan.Topology.ColumnReduceDestination(plan.Place, i)
		if err := plan.Comm.Reduce(plan.Col, dst, comms.ReduceOpSum, ct); err != nil {
			return nil, err
		}
		if i == plan.Place.Row {
			c = ct
		} else {
			plan.Alloc.Free(ct)
		}
	}
	return reshapeOut("MatmulATB", c, outShape)
}

// matmulAB is the Function form of MatmulAB.
type matmulAB struct{}

func (matmulAB) Type() OpType { return OpTypeMatmulAB }
func (matmulAB) NumArgs() int { return matmulArgs }

func (matmulAB) Forward(ctx *Context, inputs []*tiles.Tile) (*tiles.Tile, error) {
	a, b, err := twoInputs(OpTypeMatmulAB, inputs)
	if err != nil {
		return nil, err
	}
	ctx.save(a, b)
	return MatmulAB(ctx.Plan, a, b, ctx.OutShape)
}

func (matmulAB) Backward(ctx *Context, outputGrad *tiles.Tile) ([]*tiles.Tile, error) {
	a, b := ctx.saved[0], ctx.saved[1]
	gradA, err := MatmulABT(ctx.Plan, outputGrad, b, ctx.savedDims[0])
	if err != nil {
		return nil, err
	}
	gradB, err := MatmulATB(ctx.Plan, a, outputGrad, ctx.savedDims[1])
	if err != nil {
		return nil, err
	}
	return gradsWithNils(matmulArgs, gradA, gradB), nil
}

// matmulABT is the Function form of MatmulABT.
type matmulABT struct{}

func (matmulABT) Type() OpType { return OpTypeMatmulABT }
func (matmulABT) NumArgs() int { return matmulArgs }

func (matmulABT) Forward(ctx *Context, inputs []*tiles.Tile) (*tiles.Tile, error) {
	a, b, err := twoInputs(OpTypeMatmulABT, inputs)
	if err != nil {
		return nil, err
	}
	ctx.save(a, b)
	return MatmulABT(ctx.Plan, a, b, ctx.OutShape)
}

func (matmulABT) Backward(ctx *Context, outputGrad *tiles.Tile) ([]*tiles.Tile, error) {
	a, b := ctx.saved[0], ctx.saved[1]
	gradA, err := MatmulAB(ctx.Plan, outputGrad, b, ctx.savedDims[0])
	if err != nil {
		return nil, err
	}
	gradB, err := MatmulATB(ctx.Plan, outputGrad, a, ctx.savedDims[1])
	if err != nil {
		return nil, err
	}
	return gradsWithNils(matmulArgs, gradA, gradB), nil
}

// matmulATB is the Function form of MatmulATB.
type matmulATB struct{}

func (matmulATB) Type() OpType { return OpTypeMatmulATB }
func (matmulATB) NumArgs() int { return matmulArgs }

func (matmulATB) Forward(ctx *Context, inputs []*tiles.Tile) (*tiles.Tile, error) {
	a, b, err := twoInputs(OpTypeMatmulATB, inputs)
	if err != nil {
		return nil, err
	}
	ctx.save(a, b)
	return MatmulATB(ctx.Plan, a, b, ctx.OutShape)
}

func (matmulATB) Backward(ctx *Context, outputGrad *tiles.Tile) ([]*tiles.Tile, error) {
	a, b := ctx.saved[0], ctx.saved[1]
	gradA, err := MatmulABT(ctx.Plan, b, outputGrad, ctx.savedDims[0])
	if err != nil {
		return nil, err
	}
	gradB, err := MatmulAB(ctx.Plan, a, outputGrad, ctx.savedDims[1])
	if err != nil {
		return nil, err
	}
	return gradsWithNils(matmulArgs, gradA, gradB), nil
}
