// Package shapes defines the Shape of the tiles exchanged by the 2.5D
// matmul operations: a dtype plus dimensions.
//
// It mirrors the shapes package of the wider GoMLX family, trimmed to what a
// communication-level library needs. There are no tuple shapes and no
// serialization; DType comes from github.com/gomlx/gopjrt/dtypes, with
// float16 from github.com/x448/float16 and bfloat16 from
// github.com/gomlx/gopjrt/dtypes/bfloat16.
//
// A Shape is a value: copy it freely, compare it with Equal. Methods panic
// on malformed use (negative axis out of range and the like); building an
// invalid Shape is only possible by hand-crafting the struct.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of a tile: a DType and one dimension per axis. A rank-0 Shape is a
// scalar holding one value.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions. It panics if any
// dimension is <= 0.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s, %v): dimensions must be > 0", dtype, dimensions)
		}
	}
	return s
}

// Invalid returns an invalid Shape: Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. The zero value of Shape is
// invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank returns the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Dim returns the dimension of the given axis. Negative axes count from the
// end, so Dim(-1) is the last dimension. It panics on an out-of-range axis.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("shape %s has no axis %d", s, axis)
	}
	return s.Dimensions[adjusted]
}

// Size returns the number of elements, the product of all dimensions.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store the shape's elements.
func (s Shape) Memory() int64 {
	return int64(s.DType.Size()) * int64(s.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && s.EqualDimensions(s2)
}

// EqualDimensions compares only the dimensions, ignoring dtype.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy (the dimensions slice is not shared).
func (s Shape) Clone() Shape {
	s.Dimensions = slices.Clone(s.Dimensions)
	return s
}

// String implements fmt.Stringer, printing like "(Float32)[2 3]".
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}
