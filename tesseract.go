// Package tesseract implements communication-efficient distributed matrix
// multiplication for tensors sharded across a square process grid with a
// depth dimension, the layout usually called 2.5D tensor parallelism.
//
// A logical matrix is cut into a tesseractDim × tesseractDim grid of tiles;
// the rank at grid place (row, col) of each depth slice holds tile
// (row, col). The three matmul variants compute one output tile per rank
// without ever materializing a full matrix:
//
//   - MatmulAB: C = A·B, by all-gathering A tiles over the row group and B
//     tiles over the column group, then accumulating the pairwise products
//     locally.
//   - MatmulABT: C = A·Bᵀ, by broadcasting B tiles within column groups and
//     reducing partial products within row groups.
//   - MatmulATB: C = Aᵀ·B, the transpose-symmetric form of MatmulABT.
//
// AddBias applies a bias vector owned by the row-0 rank of each column
// group, LayerNorm finishes a row-distributed layer normalization, and
// AllGatherLast and SplitFirst redistribute shards along the last and
// leading axes.
//
// Every operation exists in two forms. The free functions (MatmulAB,
// AddBias, ...) run the forward computation against a Plan and can be called
// directly; the backward passes reuse them, since the gradient of each
// matmul variant is computed by the other two. The Function values
// registered by OpType wrap the free functions behind a Forward/Backward
// pair for an external automatic differentiation engine, with a pooled
// Context carrying saved state across the boundary.
//
// All collectives go through comms.Communicator. Every member of a group
// must issue the same sequence of collective calls; the operations guarantee
// this as long as the caller invokes the same operation with congruent tiles
// on every rank of the group. See the comms package for the ordering hazard.
package tesseract

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/tesseract/types/tiles"
)

// OpType identifies each distributed operation for registry dispatch.
type OpType int

//go:generate go tool enumer -type OpType -trimprefix=OpType -output=gen_optype_enumer.go tesseract.go

const (
	OpTypeInvalid OpType = iota
	OpTypeMatmulAB
	OpTypeMatmulABT
	OpTypeMatmulATB
	OpTypeAddBias
	OpTypeLayerNorm
	OpTypeAllGatherLast
	OpTypeSplitFirst
)

// Function is one differentiable distributed operation. An automatic
// differentiation engine drives it through Forward and, at most once per
// forward invocation, Backward, handing both the same Context.
type Function interface {
	// Type identifies the operation.
	Type() OpType

	// NumArgs is the operation's positional arity in the engine's calling
	// convention, tensor arguments first. Backward returns exactly NumArgs
	// gradients, nil in every position whose argument is not a
	// differentiable tensor.
	NumArgs() int

	// Forward computes the operation's output tile from the tensor inputs.
	// Metadata arguments arrive on the Context.
	Forward(ctx *Context, inputs []*tiles.Tile) (*tiles.Tile, error)

	// Backward converts the gradient with respect to Forward's output into
	// gradients with respect to its arguments.
	Backward(ctx *Context, outputGrad *tiles.Tile) ([]*tiles.Tile, error)
}

var registry = make(map[OpType]Function)

// Register makes fn available to Get. Call it during package
// initialization; registering the same OpType twice panics.
func Register(fn Function) {
	opType := fn.Type()
	if _, found := registry[opType]; found {
		exceptions.Panicf("tesseract.Register: %s is already registered", opType)
	}
	registry[opType] = fn
}

// Get returns the Function registered for opType, or nil if there is none.
func Get(opType OpType) Function { return registry[opType] }

func init() {
	Register(matmulAB{})
	Register(matmulABT{})
	Register(matmulATB{})
	Register(addBias{})
	Register(layerNorm{})
	Register(allGatherLast{})
	Register(splitFirst{})
}

// gradsWithNils lays out a backward result: the given gradients in argument
// order, nil-padded to the operation's positional arity.
func gradsWithNils(numArgs int, grads ...*tiles.Tile) []*tiles.Tile {
	out := make([]*tiles.Tile, numArgs)
	copy(out, grads)
	return out
}

func freeAll(alloc tiles.Allocator, parts []*tiles.Tile) {
	for _, t := range parts {
		alloc.Free(t)
	}
}

func oneInput(opType OpType, inputs []*tiles.Tile) (*tiles.Tile, error) {
	if len(inputs) != 1 || inputs[0] == nil {
		return nil, errors.Errorf("%s: want one input tile, got %d inputs", opType, len(inputs))
	}
	return inputs[0], nil
}

func twoInputs(opType OpType, inputs []*tiles.Tile) (*tiles.Tile, *tiles.Tile, error) {
	if len(inputs) != 2 {
		return nil, nil, errors.Errorf("%s: want two input tiles, got %d inputs", opType, len(inputs))
	}
	return inputs[0], inputs[1], nil
}
