package tesseract

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/tesseract/comms"
	"github.com/gomlx/tesseract/internal/workpool"
	"github.com/gomlx/tesseract/types/shapes"
	"github.com/gomlx/tesseract/types/tiles"
)

// layerNormArgs is LayerNorm's positional calling convention:
// (x, mean, invStdDev, hiddenSize, rowGroup). Only x is differentiable;
// the statistics' dependence on the full row-distributed input is folded
// into x's closed-form gradient, so mean and invStdDev get nil.
const layerNormArgs = 5

const normRowChunk = 32

func checkNormOperands(op string, x, mean, invStdDev *tiles.Tile) error {
	if x == nil || mean == nil || invStdDev == nil {
		return errors.Errorf("%s: nil operand tile", op)
	}
	if dt := x.DType(); dt != dtypes.Float32 && dt != dtypes.Float64 {
		return errors.Errorf("%s: dtype %s not supported, use float32 or float64", op, dt)
	}
	if mean.DType() != x.DType() || invStdDev.DType() != x.DType() ||
		mean.Device() != x.Device() || invStdDev.Device() != x.Device() {
		return errors.Errorf("%s: operands %s, %s and %s must share dtype and device",
			op, x, mean, invStdDev)
	}
	rows := x.Size() / x.Dim(-1)
	if mean.Dim(-1) != 1 || mean.Size() != rows || invStdDev.Dim(-1) != 1 || invStdDev.Size() != rows {
		return errors.Errorf("%s: statistics %s and %s must hold one value per row of %s",
			op, mean.Shape(), invStdDev.Shape(), x.Shape())
	}
	return nil
}

// LayerNorm finishes a row-distributed layer normalization: given this
// rank's shard x of the hidden dimension and the precomputed row
// statistics, it returns (x - mean)·invStdDev elementwise. mean and
// invStdDev carry one value per row, shaped [..., 1]; invStdDev is the
// inverse standard deviation, 1/sqrt(var+eps). Float32 and float64 only.
func LayerNorm(plan Plan, x, mean, invStdDev *tiles.Tile) (*tiles.Tile, error) {
	if err := checkNormOperands("LayerNorm", x, mean, invStdDev); err != nil {
		return nil, err
	}
	x2 := x.Rows2D()
	rows, cols := x2.Dim(0), x2.Dim(1)
	out := plan.Alloc.Alloc(x.Device(), x.Shape())
	switch x.DType() {
	case dtypes.Float32:
		normalizeExec(plan.Workers, tiles.Data[float32](out), tiles.Data[float32](x),
			tiles.Data[float32](mean), tiles.Data[float32](invStdDev), rows, cols)
	case dtypes.Float64:
		normalizeExec(plan.Workers, tiles.Data[float64](out), tiles.Data[float64](x),
			tiles.Data[float64](mean), tiles.Data[float64](invStdDev), rows, cols)
	}
	return out, nil
}

func normalizeExec[T tiles.PODFloat](wp *workpool.Pool, out, x, mean, invStdDev []T, rows, cols int) {
	wp.ForChunks(rows, normRowChunk, func(start, end int) {
		for r := start; r < end; r++ {
			m, v := mean[r], invStdDev[r]
			xRow := x[r*cols : (r+1)*cols]
			outRow := out[r*cols : (r+1)*cols]
			for j, xv := range xRow {
				outRow[j] = (xv - m) * v
			}
		}
	})
}

// layerNorm is the Function form of LayerNorm. Its forward saves the
// normalized output and invStdDev; its backward is the numerically
// delicate half, a row-group all-reduce of two row sums divided by the
// full hidden size so that every shard of the logical row contributes.
type layerNorm struct{}

func (layerNorm) Type() OpType { return OpTypeLayerNorm }
func (layerNorm) NumArgs() int { return layerNormArgs }

func (layerNorm) Forward(ctx *Context, inputs []*tiles.Tile) (*tiles.Tile, error) {
	if len(inputs) != 3 {
		return nil, errors.Errorf("%s: want x, mean and invStdDev tiles, got %d inputs",
			OpTypeLayerNorm, len(inputs))
	}
	if ctx.HiddenSize <= 0 {
		return nil, errors.Errorf("%s: full hidden size %d must be positive", OpTypeLayerNorm, ctx.HiddenSize)
	}
	out, err := LayerNorm(ctx.Plan, inputs[0], inputs[1], inputs[2])
	if err != nil {
		return nil, err
	}
	ctx.save(out, inputs[2])
	return out, nil
}

func (layerNorm) Backward(ctx *Context, outputGrad *tiles.Tile) ([]*tiles.Tile, error) {
	if outputGrad == nil {
		return nil, errors.Errorf("%s: nil output gradient", OpTypeLayerNorm)
	}
	plan := ctx.Plan
	out, invStdDev := ctx.saved[0], ctx.saved[1]
	g2 := outputGrad.Rows2D()
	rows, cols := g2.Dim(0), g2.Dim(1)
	dt, dev := outputGrad.DType(), outputGrad.Device()
	if dt != dtypes.Float32 && dt != dtypes.Float64 {
		return nil, errors.Errorf("%s: dtype %s not supported, use float32 or float64", OpTypeLayerNorm, dt)
	}

	// Row sums of the gradient and of gradient·output, all-reduced so every
	// shard of the logical row contributes, then divided by the full hidden
	// size rather than this shard's width.
	s1 := plan.Alloc.Alloc(dev, shapes.Make(dt, rows))
	defer plan.Alloc.Free(s1)
	if err := tiles.SumLast(s1, g2); err != nil {
		return nil, err
	}
	if err := plan.Comm.AllReduce(plan.Row, comms.ReduceOpSum, s1); err != nil {
		return nil, err
	}
	tiles.Scale(s1, 1/float64(ctx.HiddenSize))

	s2 := plan.Alloc.Alloc(dev, shapes.Make(dt, rows))
	defer plan.Alloc.Free(s2)
	if err := tiles.DotLast(s2, g2, out.Rows2D()); err != nil {
		return nil, err
	}
	if err := plan.Comm.AllReduce(plan.Row, comms.ReduceOpSum, s2); err != nil {
		return nil, err
	}
	tiles.Scale(s2, 1/float64(ctx.HiddenSize))

	gradIn := plan.Alloc.Alloc(dev, outputGrad.Shape())
	switch dt {
	case dtypes.Float32:
		normalizeGradExec(plan.Workers, tiles.Data[float32](gradIn), tiles.Data[float32](outputGrad),
			tiles.Data[float32](out), tiles.Data[float32](invStdDev),
			tiles.Data[float32](s1), tiles.Data[float32](s2), rows, cols)
	case dtypes.Float64:
		normalizeGradExec(plan.Workers, tiles.Data[float64](gradIn), tiles.Data[float64](outputGrad),
			tiles.Data[float64](out), tiles.Data[float64](invStdDev),
			tiles.Data[float64](s1), tiles.Data[float64](s2), rows, cols)
	}
	return gradsWithNils(layerNormArgs, gradIn), nil
}

func normalizeGradExec[T tiles.PODFloat](wp *workpool.Pool, gradIn, gradOut, out, invStdDev, s1, s2 []T, rows, cols int) {
	wp.ForChunks(rows, normRowChunk, func(start, end int) {
		for r := start; r < end; r++ {
			v, sum1, sum2 := invStdDev[r], s1[r], s2[r]
			gRow := gradOut[r*cols : (r+1)*cols]
			oRow := out[r*cols : (r+1)*cols]
			dst := gradIn[r*cols : (r+1)*cols]
			for j, g := range gRow {
				dst[j] = v * (g - oRow[j]*sum2 - sum1)
			}
		}
	})
}
