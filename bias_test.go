package tesseract

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tesseract/types/grid"
	"github.com/gomlx/tesseract/types/tiles"
)

// TestAddBiasBroadcast checks that every rank of a column group adds the
// bias shard owned by its row-0 rank, whatever row the rank sits on.
func TestAddBiasBroadcast(t *testing.T) {
	const d = 2
	biasCols := [d][]float64{{1, 2, 3}, {4, 5, 6}}

	rig := newRig(d, 1)
	got := newTileGrid(d)
	rig.run(t, func(plan Plan) error {
		p := plan.Place
		input := constTile(2, 3, float64(10*plan.Comm.Rank()))
		var bias *tiles.Tile
		if p.Row == 0 {
			bias = tiles.FromFlat(tiles.Host, biasCols[p.Col], 3)
		}
		out, err := AddBias(plan, input, bias, 3, false)
		if err != nil {
			return err
		}
		got[p.Row][p.Col] = out
		return nil
	})

	for r := 0; r < d; r++ {
		for c := 0; c < d; c++ {
			rank := rig.topo.Rank(grid.Place{Row: r, Col: c})
			data := tiles.Data[float64](got[r][c])
			for i := 0; i < 2; i++ {
				for j := 0; j < 3; j++ {
					require.Equal(t, float64(10*rank)+biasCols[c][j], data[i*3+j],
						"rank %d entry (%d, %d)", rank, i, j)
				}
			}
		}
	}
}

// TestAddBiasSkipReturnsBias checks skip mode: the result is the
// broadcast bias shard itself, identical on every rank of the column.
func TestAddBiasSkipReturnsBias(t *testing.T) {
	const d = 2
	biasCols := [d][]float64{{-1, 0.5, 2}, {3, -4, 5}}

	rig := newRig(d, 1)
	got := newTileGrid(d)
	rig.run(t, func(plan Plan) error {
		p := plan.Place
		input := constTile(2, 3, 0)
		var bias *tiles.Tile
		if p.Row == 0 {
			bias = tiles.FromFlat(tiles.Host, biasCols[p.Col], 3)
		}
		out, err := AddBias(plan, input, bias, 3, true)
		if err != nil {
			return err
		}
		got[p.Row][p.Col] = out
		return nil
	})

	for r := 0; r < d; r++ {
		for c := 0; c < d; c++ {
			tile := got[r][c]
			require.Equal(t, 1, tile.Rank())
			require.Equal(t, biasCols[c], tiles.Data[float64](tile), "place (%d, %d)", r, c)
		}
	}
}

// TestAddBiasBackward drives the non-skip gradient: the input gradient is
// the output gradient tile itself, and the bias gradient reduces every
// column group member's column sums onto the row-0 owner, leaving exact
// zeros on the replica ranks.
func TestAddBiasBackward(t *testing.T) {
	const d = 2
	rig := newRig(d, 1)
	outGrads := newTileGrid(d)
	gotIn := newTileGrid(d)
	gotBias := newTileGrid(d)
	rig.run(t, func(plan Plan) error {
		p := plan.Place
		rank := plan.Comm.Rank()
		input := constTile(2, 3, 1)
		var bias *tiles.Tile
		if p.Row == 0 {
			bias = tiles.FromFlat(tiles.Host, []float64{1, 2, 3}, 3)
		}

		fn := Get(OpTypeAddBias)
		ctx := NewContext(plan)
		defer ctx.Release()
		ctx.PartitionSize = 3
		if _, err := fn.Forward(ctx, []*tiles.Tile{input, bias}); err != nil {
			return err
		}

		flat := make([]float64, 2*3)
		for i := range flat {
			flat[i] = float64(rank*100 + i)
		}
		outGrad := tiles.FromFlat(tiles.Host, flat, 2, 3)
		outGrads[p.Row][p.Col] = outGrad

		grads, err := fn.Backward(ctx, outGrad)
		if err != nil {
			return err
		}
		gotIn[p.Row][p.Col] = grads[0]
		gotBias[p.Row][p.Col] = grads[1]
		return nil
	})

	for r := 0; r < d; r++ {
		for c := 0; c < d; c++ {
			require.Same(t, outGrads[r][c], gotIn[r][c], "place (%d, %d)", r, c)

			biasGrad := tiles.Data[float64](gotBias[r][c])
			if r != 0 {
				require.Equal(t, []float64{0, 0, 0}, biasGrad, "place (%d, %d)", r, c)
				continue
			}
			want := make([]float64, 3)
			for row := 0; row < d; row++ {
				rank := rig.topo.Rank(grid.Place{Row: row, Col: c})
				for i := 0; i < 2; i++ {
					for j := 0; j < 3; j++ {
						want[j] += float64(rank*100 + i*3 + j)
					}
				}
			}
			require.Equal(t, want, biasGrad, "column %d", c)
		}
	}
}

// TestAddBiasBackwardSkip drives the skip-mode gradient: bias-shaped
// output gradients reduce onto row 0, the input gradient slot stays nil.
func TestAddBiasBackwardSkip(t *testing.T) {
	const d = 2
	rig := newRig(d, 1)
	gotIn := newTileGrid(d)
	gotBias := newTileGrid(d)
	rig.run(t, func(plan Plan) error {
		p := plan.Place
		rank := plan.Comm.Rank()
		input := constTile(2, 3, 1)
		var bias *tiles.Tile
		if p.Row == 0 {
			bias = tiles.FromFlat(tiles.Host, []float64{1, 2, 3}, 3)
		}

		fn := Get(OpTypeAddBias)
		ctx := NewContext(plan)
		defer ctx.Release()
		ctx.PartitionSize = 3
		ctx.SkipAdd = true
		if _, err := fn.Forward(ctx, []*tiles.Tile{input, bias}); err != nil {
			return err
		}

		outGrad := tiles.FromFlat(tiles.Host,
			[]float64{float64(rank * 10), float64(rank*10 + 1), float64(rank*10 + 2)}, 3)
		grads, err := fn.Backward(ctx, outGrad)
		if err != nil {
			return err
		}
		gotIn[p.Row][p.Col] = grads[0]
		gotBias[p.Row][p.Col] = grads[1]
		return nil
	})

	for r := 0; r < d; r++ {
		for c := 0; c < d; c++ {
			require.Nil(t, gotIn[r][c], "place (%d, %d)", r, c)

			biasGrad := tiles.Data[float64](gotBias[r][c])
			if r != 0 {
				require.Equal(t, []float64{0, 0, 0}, biasGrad, "place (%d, %d)", r, c)
				continue
			}
			want := make([]float64, 3)
			for row := 0; row < d; row++ {
				rank := rig.topo.Rank(grid.Place{Row: row, Col: c})
				for j := 0; j < 3; j++ {
					want[j] += float64(rank*10 + j)
				}
			}
			require.Equal(t, want, biasGrad, "column %d", c)
		}
	}
}

func TestAddBiasBadOperands(t *testing.T) {
	rig := newRig(1, 1)
	rig.run(t, func(plan Plan) error {
		input := constTile(2, 3, 1)
		bias := tiles.FromFlat(tiles.Host, []float64{1, 2, 3}, 3)

		wantErr := func(err error, fragment string) error {
			if err == nil {
				return errors.Errorf("want error mentioning %q, got none", fragment)
			}
			if !strings.Contains(err.Error(), fragment) {
				return errors.Errorf("want error mentioning %q, got %q", fragment, err.Error())
			}
			return nil
		}

		_, err := AddBias(plan, nil, bias, 3, false)
		if err := wantErr(err, "nil input"); err != nil {
			return err
		}
		_, err = AddBias(plan, input, bias, 0, false)
		if err := wantErr(err, "must be positive"); err != nil {
			return err
		}
		_, err = AddBias(plan, input, bias, 2, false)
		if err := wantErr(err, "partition"); err != nil {
			return err
		}
		_, err = AddBias(plan, input, nil, 3, false)
		if err := wantErr(err, "row-0 rank owns the bias"); err != nil {
			return err
		}
		short := tiles.FromFlat(tiles.Host, []float64{1, 2}, 2)
		_, err = AddBias(plan, input, short, 3, false)
		if err := wantErr(err, "does not match input"); err != nil {
			return err
		}
		return nil
	})
}
