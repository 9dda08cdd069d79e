package tesseract

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"

	"github.com/gomlx/tesseract/types/tiles"
)

// TestLayerNormMatchesDense normalizes a hidden dimension sharded across
// each row group and checks forward output and input gradient against the
// same computation done densely on full rows. The gradient comparison
// exercises the two all-reduced row sums and their full-hidden-size
// divisor.
func TestLayerNormMatchesDense(t *testing.T) {
	const rowsPerBlock, colsPerRank = 3, 4
	const eps = 1e-5
	for _, d := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("d=%d", d), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(11, uint64(d)))
			logicalRows, hidden := rowsPerBlock*d, colsPerRank*d
			x := randomDense(rng, logicalRows, hidden)
			gOut := randomDense(rng, logicalRows, hidden)

			// Dense reference on full rows.
			mean := make([]float64, logicalRows)
			invStd := make([]float64, logicalRows)
			for r := 0; r < logicalRows; r++ {
				var sum float64
				for j := 0; j < hidden; j++ {
					sum += x.At(r, j)
				}
				mean[r] = sum / float64(hidden)
				var varSum float64
				for j := 0; j < hidden; j++ {
					diff := x.At(r, j) - mean[r]
					varSum += diff * diff
				}
				invStd[r] = 1 / math.Sqrt(varSum/float64(hidden)+eps)
			}
			wantOut := mat.NewDense(logicalRows, hidden, nil)
			wantGrad := mat.NewDense(logicalRows, hidden, nil)
			for r := 0; r < logicalRows; r++ {
				var s1, s2 float64
				for j := 0; j < hidden; j++ {
					o := (x.At(r, j) - mean[r]) * invStd[r]
					wantOut.Set(r, j, o)
					s1 += gOut.At(r, j)
					s2 += gOut.At(r, j) * o
				}
				s1 /= float64(hidden)
				s2 /= float64(hidden)
				for j := 0; j < hidden; j++ {
					wantGrad.Set(r, j, invStd[r]*(gOut.At(r, j)-wantOut.At(r, j)*s2-s1))
				}
			}

			xTiles := splitDense(t, x, d)
			gTiles := splitDense(t, gOut, d)

			rig := newRig(d, 1)
			gotOut := newTileGrid(d)
			gotGrad := newTileGrid(d)
			rig.run(t, func(plan Plan) error {
				p := plan.Place
				statFlat := func(values []float64) *tiles.Tile {
					block := make([]float64, rowsPerBlock)
					copy(block, values[p.Row*rowsPerBlock:(p.Row+1)*rowsPerBlock])
					return tiles.FromFlat(tiles.Host, block, rowsPerBlock, 1)
				}

				fn := Get(OpTypeLayerNorm)
				ctx := NewContext(plan)
				defer ctx.Release()
				ctx.HiddenSize = hidden
				out, err := fn.Forward(ctx, []*tiles.Tile{
					xTiles[p.Row][p.Col], statFlat(mean), statFlat(invStd),
				})
				if err != nil {
					return err
				}
				grads, err := fn.Backward(ctx, gTiles[p.Row][p.Col])
				if err != nil {
					return err
				}
				gotOut[p.Row][p.Col] = out
				gotGrad[p.Row][p.Col] = grads[0]
				return nil
			})

			requireDenseEqual(t, wantOut, joinTiles(t, gotOut), 1e-12)
			requireDenseEqual(t, wantGrad, joinTiles(t, gotGrad), 1e-12)
		})
	}
}

func TestLayerNormBadOperands(t *testing.T) {
	rig := newRig(1, 1)
	rig.run(t, func(plan Plan) error {
		x := constTile(2, 4, 1)
		mean := tiles.FromFlat(tiles.Host, []float64{0, 0}, 2, 1)
		invStd := tiles.FromFlat(tiles.Host, []float64{1, 1}, 2, 1)

		wantErr := func(err error, fragment string) error {
			if err == nil {
				return errors.Errorf("want error mentioning %q, got none", fragment)
			}
			if !strings.Contains(err.Error(), fragment) {
				return errors.Errorf("want error mentioning %q, got %q", fragment, err.Error())
			}
			return nil
		}

		_, err := LayerNorm(plan, x, nil, invStd)
		if err := wantErr(err, "nil operand"); err != nil {
			return err
		}

		half := tiles.FromFlat(tiles.Host, []float16.Float16{
			float16.Fromfloat32(1), float16.Fromfloat32(2),
		}, 1, 2)
		halfStat := tiles.FromFlat(tiles.Host, []float16.Float16{float16.Fromfloat32(0)}, 1, 1)
		_, err = LayerNorm(plan, half, halfStat, halfStat)
		if err := wantErr(err, "use float32 or float64"); err != nil {
			return err
		}

		wide := tiles.FromFlat(tiles.Host, []float64{0, 0, 0}, 3, 1)
		_, err = LayerNorm(plan, x, wide, invStd)
		if err := wantErr(err, "one value per row"); err != nil {
			return err
		}

		fn := Get(OpTypeLayerNorm)
		ctx := NewContext(plan)
		defer ctx.Release()
		_, err = fn.Forward(ctx, []*tiles.Tile{x, mean, invStd})
		if err := wantErr(err, "must be positive"); err != nil {
			return err
		}
		ctx.HiddenSize = 4
		_, err = fn.Forward(ctx, []*tiles.Tile{x, mean})
		if err := wantErr(err, "got 2 inputs"); err != nil {
			return err
		}
		return nil
	})
}
