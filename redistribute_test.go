package tesseract

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tesseract/types/grid"
	"github.com/gomlx/tesseract/types/tiles"
)

func stampedTile(rank, rows, cols int) *tiles.Tile {
	flat := make([]float64, rows*cols)
	for i := range flat {
		flat[i] = float64(rank*100 + i)
	}
	return tiles.FromFlat(tiles.Host, flat, rows, cols)
}

// TestAllGatherLastOrder gathers rank-stamped shards over each column
// group and checks the widened tile holds member shards in group order,
// then runs the backward slice and checks each rank gets its own shard
// back.
func TestAllGatherLastOrder(t *testing.T) {
	const rows, cols = 2, 3
	for _, d := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("d=%d", d), func(t *testing.T) {
			rig := newRig(d, 1)
			gotOut := newTileGrid(d)
			gotGrad := newTileGrid(d)
			rig.run(t, func(plan Plan) error {
				p := plan.Place
				x := stampedTile(plan.Comm.Rank(), rows, cols)

				fn := Get(OpTypeAllGatherLast)
				ctx := NewContext(plan)
				defer ctx.Release()
				out, err := fn.Forward(ctx, []*tiles.Tile{x})
				if err != nil {
					return err
				}
				grads, err := fn.Backward(ctx, out)
				if err != nil {
					return err
				}
				gotOut[p.Row][p.Col] = out
				gotGrad[p.Row][p.Col] = grads[0]
				return nil
			})

			for r := 0; r < d; r++ {
				for c := 0; c < d; c++ {
					out := gotOut[r][c]
					require.Equal(t, []int{rows, cols * d}, out.Shape().Dimensions)
					data := tiles.Data[float64](out)
					for pos := 0; pos < d; pos++ {
						memberRank := rig.topo.Rank(grid.Place{Row: pos, Col: c})
						for i := 0; i < rows; i++ {
							for j := 0; j < cols; j++ {
								require.Equal(t, float64(memberRank*100+i*cols+j),
									data[i*cols*d+pos*cols+j],
									"place (%d, %d) gathered entry (%d, %d) of member %d", r, c, i, j, pos)
							}
						}
					}

					rank := rig.topo.Rank(grid.Place{Row: r, Col: c})
					require.Equal(t, tiles.Data[float64](stampedTile(rank, rows, cols)),
						tiles.Data[float64](gotGrad[r][c]), "place (%d, %d)", r, c)
				}
			}
		})
	}
}

// TestSplitFirstRoundTrip splits a column-replicated tile along its
// leading axis, checks each rank keeps the chunk at its row position, and
// gathers the chunks back through the backward pass.
func TestSplitFirstRoundTrip(t *testing.T) {
	const chunkRows, cols = 2, 3
	const d = 2
	colFlat := func(c int) []float64 {
		flat := make([]float64, d*chunkRows*cols)
		for i := range flat {
			flat[i] = float64(c*1000 + i)
		}
		return flat
	}

	rig := newRig(d, 1)
	gotOut := newTileGrid(d)
	gotGrad := newTileGrid(d)
	rig.run(t, func(plan Plan) error {
		p := plan.Place
		y := tiles.FromFlat(tiles.Host, colFlat(p.Col), d*chunkRows, cols)

		fn := Get(OpTypeSplitFirst)
		ctx := NewContext(plan)
		defer ctx.Release()
		out, err := fn.Forward(ctx, []*tiles.Tile{y})
		if err != nil {
			return err
		}
		grads, err := fn.Backward(ctx, out)
		if err != nil {
			return err
		}
		gotOut[p.Row][p.Col] = out
		gotGrad[p.Row][p.Col] = grads[0]
		return nil
	})

	for r := 0; r < d; r++ {
		for c := 0; c < d; c++ {
			out := gotOut[r][c]
			require.Equal(t, []int{chunkRows, cols}, out.Shape().Dimensions)
			require.Equal(t, colFlat(c)[r*chunkRows*cols:(r+1)*chunkRows*cols],
				tiles.Data[float64](out), "place (%d, %d)", r, c)

			grad := gotGrad[r][c]
			require.Equal(t, []int{d * chunkRows, cols}, grad.Shape().Dimensions)
			require.Equal(t, colFlat(c), tiles.Data[float64](grad), "place (%d, %d)", r, c)
		}
	}
}

// TestRedistributeGroupOverride points Context.Group at the row group and
// checks the gather then runs over row members instead of the default
// column group.
func TestRedistributeGroupOverride(t *testing.T) {
	const rows, cols = 2, 3
	const d = 2
	rig := newRig(d, 1)
	gotOut := newTileGrid(d)
	rig.run(t, func(plan Plan) error {
		p := plan.Place
		x := stampedTile(plan.Comm.Rank(), rows, cols)

		fn := Get(OpTypeAllGatherLast)
		ctx := NewContext(plan)
		defer ctx.Release()
		ctx.Group = plan.Row
		out, err := fn.Forward(ctx, []*tiles.Tile{x})
		if err != nil {
			return err
		}
		gotOut[p.Row][p.Col] = out
		return nil
	})

	for r := 0; r < d; r++ {
		for c := 0; c < d; c++ {
			data := tiles.Data[float64](gotOut[r][c])
			for pos := 0; pos < d; pos++ {
				memberRank := rig.topo.Rank(grid.Place{Row: r, Col: pos})
				for i := 0; i < rows; i++ {
					for j := 0; j < cols; j++ {
						require.Equal(t, float64(memberRank*100+i*cols+j),
							data[i*cols*d+pos*cols+j],
							"place (%d, %d) gathered entry (%d, %d) of member %d", r, c, i, j, pos)
					}
				}
			}
		}
	}
}

func TestRedistributeBadOperands(t *testing.T) {
	const d = 2
	rig := newRig(d, 1)
	rig.run(t, func(plan Plan) error {
		wantErr := func(err error, fragment string) error {
			if err == nil {
				return errors.Errorf("want error mentioning %q, got none", fragment)
			}
			if !strings.Contains(err.Error(), fragment) {
				return errors.Errorf("want error mentioning %q, got %q", fragment, err.Error())
			}
			return nil
		}

		_, err := AllGatherLast(plan, plan.Col, nil)
		if err := wantErr(err, "nil input"); err != nil {
			return err
		}
		_, err = SplitFirst(plan, plan.Col, nil)
		if err := wantErr(err, "nil input"); err != nil {
			return err
		}

		// Leading axis 3 does not divide by the 2-member group.
		odd := constTile(3, 2, 1)
		_, err = SplitFirst(plan, plan.Col, odd)
		if err := wantErr(err, "does not split"); err != nil {
			return err
		}

		// A group from the other column never contains this rank.
		p := plan.Place
		foreign := rig.world.ColumnGroup(grid.Place{Row: p.Row, Col: 1 - p.Col})
		_, err = SplitFirst(plan, foreign, constTile(2, 2, 1))
		if err := wantErr(err, "not a member"); err != nil {
			return err
		}
		return nil
	})
}
