package inproc

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tesseract/comms"
	"github.com/gomlx/tesseract/types/shapes"
	"github.com/gomlx/tesseract/types/tiles"
)

type callKind int8

const (
	kindAllGather callKind = iota + 1
	kindBroadcast
	kindReduce
	kindAllReduce
)

func (k callKind) String() string {
	switch k {
	case kindAllGather:
		return "AllGather"
	case kindBroadcast:
		return "Broadcast"
	case kindReduce:
		return "Reduce"
	case kindAllReduce:
		return "AllReduce"
	}
	return "Unknown"
}

// slotKey identifies one collective: the n-th call a group's members issue
// on that group. Counters advance per rank; they stay aligned because the
// ordering contract makes every member issue the same call sequence.
type slotKey struct {
	group string
	seq   uint64
}

// rendezvous is the meeting point of one collective. The last member to
// arrive performs all data movement before closing done, so by the time any
// member's call returns the buffers are final.
type rendezvous struct {
	kind    callKind
	op      comms.ReduceOpType
	root    int // global source/destination rank, -1 when the kind has none
	rootPos int
	shape   shapes.Shape // first arrival's tile shape

	arrived  int
	operands []*tiles.Tile   // by group position
	gathers  [][]*tiles.Tile // AllGather results by group position
	err      error
	done     chan struct{}
}

type communicator struct {
	world *World
	rank  int
	seq   map[string]uint64
}

func (c *communicator) Rank() int { return c.rank }

// AllGather implements comms.Communicator.
func (c *communicator) AllGather(g comms.Group, t *tiles.Tile) ([]*tiles.Tile, error) {
	rv, pos, err := c.rendezvous(g, kindAllGather, comms.ReduceOpUndefined, -1, t)
	if err != nil {
		return nil, err
	}
	return rv.gathers[pos], nil
}

// Broadcast implements comms.Communicator.
func (c *communicator) Broadcast(g comms.Group, srcRank int, t *tiles.Tile) error {
	if g.IndexOf(srcRank) < 0 {
		return errors.Errorf("inproc Broadcast: source rank %d is not a member of group %s", srcRank, g.Name())
	}
	_, _, err := c.rendezvous(g, kindBroadcast, comms.ReduceOpUndefined, srcRank, t)
	return err
}

// Reduce implements comms.Communicator.
func (c *communicator) Reduce(g comms.Group, dstRank int, op comms.ReduceOpType, t *tiles.Tile) error {
	if g.IndexOf(dstRank) < 0 {
		return errors.Errorf("inproc Reduce: destination rank %d is not a member of group %s", dstRank, g.Name())
	}
	if err := checkCombiner(op); err != nil {
		return err
	}
	_, _, err := c.rendezvous(g, kindReduce, op, dstRank, t)
	return err
}

// AllReduce implements comms.Communicator.
func (c *communicator) AllReduce(g comms.Group, op comms.ReduceOpType, t *tiles.Tile) error {
	if err := checkCombiner(op); err != nil {
		return err
	}
	_, _, err := c.rendezvous(g, kindAllReduce, op, -1, t)
	return err
}

func checkCombiner(op comms.ReduceOpType) error {
	switch op {
	case comms.ReduceOpSum, comms.ReduceOpProduct, comms.ReduceOpMax, comms.ReduceOpMin:
		return nil
	}
	return errors.Errorf("inproc: reduce op %s is not a combiner", op)
}

// rendezvous joins the caller to its group's next collective slot, blocking
// until the whole group arrived and the data moved. The returned position
// indexes the caller within the group.
func (c *communicator) rendezvous(g comms.Group, kind callKind, op comms.ReduceOpType, root int, t *tiles.Tile) (*rendezvous, int, error) {
	if t == nil {
		return nil, 0, errors.Errorf("inproc %s: nil tile", kind)
	}
	pos := g.IndexOf(c.rank)
	if pos < 0 {
		return nil, 0, errors.Errorf("inproc %s: rank %d is not a member of group %s", kind, c.rank, g.Name())
	}
	seq := c.seq[g.Name()]
	c.seq[g.Name()] = seq + 1

	w := c.world
	key := slotKey{group: g.Name(), seq: seq}
	w.mu.Lock()
	rv := w.slots[key]
	if rv == nil {
		rv = &rendezvous{
			kind:     kind,
			op:       op,
			root:     root,
			rootPos:  g.IndexOf(root),
			shape:    t.Shape(),
			operands: make([]*tiles.Tile, g.Size()),
			done:     make(chan struct{}),
		}
		w.slots[key] = rv
	} else if rv.err == nil {
		// The safety net a wire protocol cannot offer: all members of a
		// mismatched collective get an error instead of mixed-up tiles.
		if rv.kind != kind || rv.op != op || rv.root != root {
			rv.err = errors.Errorf(
				"inproc: group %s members disagree on collective #%d: %s(op=%s, root=%d) vs %s(op=%s, root=%d)",
				g.Name(), seq, rv.kind, rv.op, rv.root, kind, op, root)
		} else if !rv.shape.Equal(t.Shape()) {
			rv.err = errors.Errorf(
				"inproc: group %s members disagree on the tile of %s #%d: %s vs %s",
				g.Name(), kind, seq, rv.shape, t.Shape())
		}
	}
	rv.operands[pos] = t
	rv.arrived++
	last := rv.arrived == g.Size()
	if last {
		delete(w.slots, key)
	}
	w.mu.Unlock()

	if klog.V(2).Enabled() {
		klog.Infof("inproc: %s #%d on %s: rank=%d pos=%d tile=%s (%s)",
			kind, seq, g.Name(), c.rank, pos, t, humanize.IBytes(uint64(t.Shape().Memory())))
	}

	if !last {
		<-rv.done
		return rv, pos, rv.err
	}
	if rv.err == nil {
		rv.err = w.move(rv)
	}
	close(rv.done)
	return rv, pos, rv.err
}

// move performs one collective's data movement. It runs on the last
// arriver's goroutine with every member parked on rv.done, so it owns all
// the operand buffers for the duration.
func (w *World) move(rv *rendezvous) error {
	switch rv.kind {
	case kindAllGather:
		rv.gathers = make([][]*tiles.Tile, len(rv.operands))
		for pos := range rv.operands {
			out := make([]*tiles.Tile, len(rv.operands))
			for j, t := range rv.operands {
				out[j] = tiles.CloneWith(w.pool, t)
			}
			rv.gathers[pos] = out
		}
	case kindBroadcast:
		src := rv.operands[rv.rootPos]
		for j, t := range rv.operands {
			if j == rv.rootPos {
				continue
			}
			if err := tiles.Copy(t, src); err != nil {
				return err
			}
		}
	case kindReduce:
		dst := rv.operands[rv.rootPos]
		for j, t := range rv.operands {
			if j == rv.rootPos {
				continue
			}
			if err := combineInto(rv.op, dst, t); err != nil {
				return err
			}
		}
	case kindAllReduce:
		scratch := tiles.CloneWith(w.pool, rv.operands[0])
		defer w.pool.Free(scratch)
		for _, t := range rv.operands[1:] {
			if err := combineInto(rv.op, scratch, t); err != nil {
				return err
			}
		}
		for _, t := range rv.operands {
			if err := tiles.Copy(t, scratch); err != nil {
				return err
			}
		}
	}
	return nil
}

func combineInto(op comms.ReduceOpType, dst, src *tiles.Tile) error {
	switch op {
	case comms.ReduceOpSum:
		return tiles.AddInto(dst, src)
	case comms.ReduceOpProduct:
		return tiles.MulInto(dst, src)
	case comms.ReduceOpMax:
		return tiles.MaxInto(dst, src)
	case comms.ReduceOpMin:
		return tiles.MinInto(dst, src)
	}
	return errors.Errorf("inproc: reduce op %s is not a combiner", op)
}
