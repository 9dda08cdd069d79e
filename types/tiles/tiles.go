// Package tiles implements the dense numeric buffers exchanged by the 2.5D
// matmul operations, along with the local kernels that combine them.
//
// A Tile is one rank's shard of a logically larger tensor: a shape, a device
// tag and contiguous row-major storage. Tiles are single-owner values in the
// sense of the surrounding concurrency model (one logical thread of control
// per rank, ownership handed over at collective boundaries), so nothing here
// locks: a Tile must not be mutated concurrently.
//
// Supported element types are the four floats the matmul pipeline uses:
// float32, float64, float16 (github.com/x448/float16) and bfloat16
// (github.com/gomlx/gopjrt/dtypes/bfloat16). The 16-bit types are storage
// formats; kernels widen them to float32 to accumulate.
package tiles

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tesseract/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Device tags where a tile's storage lives. The reference in-process engine
// uses a single device, 0; a real runtime maps these to accelerators.
type Device int32

// Host is the default device.
const Host Device = 0

// Float constrains the Go element types a Tile can hold.
type Float interface {
	float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// PODFloat constrains the element types kernels accumulate in natively.
type PODFloat interface {
	constraints.Float
}

// Tile is one rank's shard of a distributed tensor.
//
// The zero Tile is invalid; create them with New, FromFlat or an Allocator.
// After Allocator.Free the tile must not be touched again (accessors panic).
type Tile struct {
	shape  shapes.Shape
	device Device

	// flat is always a slice of the Go type corresponding to shape.DType.
	flat  any
	valid bool
}

// New returns a zero-filled tile of the given shape, allocated directly on
// the Go heap. Ops allocate through an Allocator instead; New is for leaf
// inputs and tests.
func New(device Device, shape shapes.Shape) *Tile {
	if !shape.Ok() {
		exceptions.Panicf("tiles.New: invalid shape")
	}
	t := &Tile{shape: shape.Clone(), device: device, valid: true}
	switch shape.DType {
	case dtypes.Float32:
		t.flat = make([]float32, shape.Size())
	case dtypes.Float64:
		t.flat = make([]float64, shape.Size())
	case dtypes.Float16:
		t.flat = make([]float16.Float16, shape.Size())
	case dtypes.BFloat16:
		t.flat = make([]bfloat16.BFloat16, shape.Size())
	default:
		exceptions.Panicf("tiles.New: dtype %s not supported, tiles hold floats only", shape.DType)
	}
	return t
}

// FromFlat wraps flat as a tile with the given dimensions. The tile takes
// ownership of the slice; it is not copied. It panics if the dimensions do
// not multiply to len(flat).
func FromFlat[T Float](device Device, flat []T, dimensions ...int) *Tile {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(flat) {
		exceptions.Panicf("tiles.FromFlat: shape %s needs %d values, got %d", shape, shape.Size(), len(flat))
	}
	return &Tile{shape: shape, device: device, flat: flat, valid: true}
}

// Shape of the tile. The returned value shares the dimensions slice; treat
// it as read-only.
func (t *Tile) Shape() shapes.Shape { return t.shape }

// DType of the tile's elements.
func (t *Tile) DType() dtypes.DType { return t.shape.DType }

// Device where the tile's storage lives.
func (t *Tile) Device() Device { return t.device }

// Rank returns the number of axes.
func (t *Tile) Rank() int { return t.shape.Rank() }

// Dim returns the dimension of the given axis; negative axes count from the
// end.
func (t *Tile) Dim(axis int) int { return t.shape.Dim(axis) }

// Size returns the number of elements.
func (t *Tile) Size() int { return t.shape.Size() }

// String implements fmt.Stringer.
func (t *Tile) String() string {
	return fmt.Sprintf("tile%s@%d", t.shape, t.device)
}

func (t *Tile) assertValid() {
	if t == nil || !t.valid || t.flat == nil {
		exceptions.Panicf("tile was already freed (or never allocated)")
	}
}

// Data returns the tile's flat storage as a typed slice. It is the tile's
// actual storage, not a copy. It panics if T does not match the tile's
// dtype.
func Data[T Float](t *Tile) []T {
	t.assertValid()
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("tiles.Data[%T] is incompatible with tile dtype %s", v, t.shape.DType)
	}
	return t.flat.([]T)
}

// Reshape returns a view of t with the given dimensions, sharing storage.
// The product of dimensions must match t.Size(). Free only the original,
// never a view.
func (t *Tile) Reshape(dimensions ...int) *Tile {
	t.assertValid()
	shape := shapes.Make(t.shape.DType, dimensions...)
	if shape.Size() != t.shape.Size() {
		exceptions.Panicf("Tile.Reshape: cannot view %s as %s", t.shape, shape)
	}
	return &Tile{shape: shape, device: t.device, flat: t.flat, valid: true}
}

// Rows2D returns a 2-D view of t collapsing all leading axes into rows, so a
// [b, s, h] tile is seen as [b·s, h]. A rank-1 tile is seen as [1, n].
func (t *Tile) Rows2D() *Tile {
	t.assertValid()
	cols := t.shape.Dim(-1)
	return t.Reshape(t.Size()/cols, cols)
}

// Zero fills the tile with zeros.
func (t *Tile) Zero() {
	t.assertValid()
	switch flat := t.flat.(type) {
	case []float32:
		clear(flat)
	case []float64:
		clear(flat)
	case []float16.Float16:
		clear(flat)
	case []bfloat16.BFloat16:
		clear(flat)
	}
}

// Copy copies src's contents into dst. Shapes must have the same dtype and
// size (dimensions may differ, so reshaped views copy freely); devices must
// match.
func Copy(dst, src *Tile) error {
	dst.assertValid()
	src.assertValid()
	if dst.shape.DType != src.shape.DType || dst.Size() != src.Size() {
		return errors.Errorf("tiles.Copy: cannot copy %s into %s", src.shape, dst.shape)
	}
	if dst.device != src.device {
		return errors.Errorf("tiles.Copy: tiles on different devices (%d and %d)", src.device, dst.device)
	}
	switch srcFlat := src.flat.(type) {
	case []float32:
		copy(dst.flat.([]float32), srcFlat)
	case []float64:
		copy(dst.flat.([]float64), srcFlat)
	case []float16.Float16:
		copy(dst.flat.([]float16.Float16), srcFlat)
	case []bfloat16.BFloat16:
		copy(dst.flat.([]bfloat16.BFloat16), srcFlat)
	}
	return nil
}

// CloneWith returns a copy of t allocated through alloc (Heap if nil).
func CloneWith(alloc Allocator, t *Tile) *Tile {
	t.assertValid()
	if alloc == nil {
		alloc = Heap
	}
	clone := alloc.Alloc(t.device, t.shape)
	if err := Copy(clone, t); err != nil {
		// Alloc returned a tile of the requested shape, so Copy cannot
		// mismatch.
		exceptions.Panicf("tiles.CloneWith: %v", err)
	}
	return clone
}

// AsFloat64s returns the tile's values widened to float64, always a fresh
// slice. Meant for test references and debugging, not for kernels.
func AsFloat64s(t *Tile) []float64 {
	t.assertValid()
	out := make([]float64, t.Size())
	switch flat := t.flat.(type) {
	case []float32:
		for i, v := range flat {
			out[i] = float64(v)
		}
	case []float64:
		copy(out, flat)
	case []float16.Float16:
		for i, v := range flat {
			out[i] = float64(v.Float32())
		}
	case []bfloat16.BFloat16:
		for i, v := range flat {
			out[i] = float64(v.Float32())
		}
	}
	return out
}

// FromFloat64s returns a fresh tile of the given dtype with the values
// narrowed from float64. Meant for tests.
func FromFloat64s(dtype dtypes.DType, device Device, values []float64, dimensions ...int) *Tile {
	t := New(device, shapes.Make(dtype, dimensions...))
	if t.Size() != len(values) {
		exceptions.Panicf("tiles.FromFloat64s: shape %s needs %d values, got %d", t.shape, t.Size(), len(values))
	}
	switch flat := t.flat.(type) {
	case []float32:
		for i, v := range values {
			flat[i] = float32(v)
		}
	case []float64:
		copy(flat, values)
	case []float16.Float16:
		for i, v := range values {
			flat[i] = float16.Fromfloat32(float32(v))
		}
	case []bfloat16.BFloat16:
		for i, v := range values {
			flat[i] = bfloat16.FromFloat32(float32(v))
		}
	}
	return t
}

// sameDeviceDType returns an error naming op if any tile differs in device
// or dtype from the first.
func sameDeviceDType(op string, ts ...*Tile) error {
	for _, t := range ts {
		t.assertValid()
	}
	first := ts[0]
	for _, t := range ts[1:] {
		if t.shape.DType != first.shape.DType {
			return errors.Errorf("%s: mixed dtypes %s and %s", op, first.shape.DType, t.shape.DType)
		}
		if t.device != first.device {
			return errors.Errorf("%s: tiles on different devices (%d and %d)", op, first.device, t.device)
		}
	}
	return nil
}
