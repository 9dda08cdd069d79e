package tiles

import (
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tesseract/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// mutableBytes returns the tile's storage as raw bytes. Chunking and
// concatenation are pure memory movement, so they run on bytes and stay
// independent of the element type.
func (t *Tile) mutableBytes() []byte {
	t.assertValid()
	switch flat := t.flat.(type) {
	case []float32:
		return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*4)
	case []float64:
		return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*8)
	case []float16.Float16:
		return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*2)
	case []bfloat16.BFloat16:
		return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*2)
	}
	return nil
}

// ChunkLast splits t into chunks equal parts along the last axis and returns
// the idx-th part as a fresh tile from alloc (Heap if nil). The last
// dimension must divide evenly by chunks.
func ChunkLast(alloc Allocator, t *Tile, chunks, idx int) (*Tile, error) {
	t.assertValid()
	if alloc == nil {
		alloc = Heap
	}
	if chunks < 1 || idx < 0 || idx >= chunks {
		return nil, errors.Errorf("ChunkLast: chunk %d of %d is out of range", idx, chunks)
	}
	last := t.Dim(-1)
	if last%chunks != 0 {
		return nil, errors.Errorf("ChunkLast: last axis of %s does not split into %d chunks", t.shape, chunks)
	}
	newLast := last / chunks
	dims := t.Shape().Clone().Dimensions
	dims[len(dims)-1] = newLast
	out := alloc.Alloc(t.device, shapes.Make(t.DType(), dims...))

	elem := int(t.DType().Size())
	rows := t.Size() / last
	src := t.mutableBytes()
	dst := out.mutableBytes()
	rowBytes := newLast * elem
	for r := 0; r < rows; r++ {
		offset := (r*last + idx*newLast) * elem
		copy(dst[r*rowBytes:(r+1)*rowBytes], src[offset:offset+rowBytes])
	}
	return out, nil
}

// ConcatLast concatenates parts along the last axis, in order, into a fresh
// tile from alloc (Heap if nil). All parts must agree on dtype, device and
// every dimension but the last.
func ConcatLast(alloc Allocator, parts []*Tile) (*Tile, error) {
	if len(parts) == 0 {
		return nil, errors.Errorf("ConcatLast: no parts to concatenate")
	}
	if alloc == nil {
		alloc = Heap
	}
	if err := sameDeviceDType("ConcatLast", parts...); err != nil {
		return nil, err
	}
	first := parts[0]
	totalLast := 0
	for _, part := range parts {
		if part.Rank() != first.Rank() {
			return nil, errors.Errorf("ConcatLast: parts %s and %s differ in rank", first.shape, part.shape)
		}
		for axis := 0; axis < first.Rank()-1; axis++ {
			if part.Dim(axis) != first.Dim(axis) {
				return nil, errors.Errorf("ConcatLast: parts %s and %s differ on axis %d", first.shape, part.shape, axis)
			}
		}
		totalLast += part.Dim(-1)
	}
	dims := first.Shape().Clone().Dimensions
	dims[len(dims)-1] = totalLast
	out := alloc.Alloc(first.device, shapes.Make(first.DType(), dims...))

	elem := int(first.DType().Size())
	rows := first.Size() / first.Dim(-1)
	dst := out.mutableBytes()
	dstRowBytes := totalLast * elem
	dstOffset := 0
	for _, part := range parts {
		partLast := part.Dim(-1)
		partRowBytes := partLast * elem
		src := part.mutableBytes()
		for r := 0; r < rows; r++ {
			copy(dst[r*dstRowBytes+dstOffset:r*dstRowBytes+dstOffset+partRowBytes],
				src[r*partRowBytes:(r+1)*partRowBytes])
		}
		dstOffset += partRowBytes
	}
	return out, nil
}

// ChunkFirst splits t into chunks equal parts along the leading axis and
// returns the idx-th part as a fresh tile from alloc (Heap if nil). The
// leading dimension must divide evenly by chunks.
func ChunkFirst(alloc Allocator, t *Tile, chunks, idx int) (*Tile, error) {
	t.assertValid()
	if alloc == nil {
		alloc = Heap
	}
	if chunks < 1 || idx < 0 || idx >= chunks {
		return nil, errors.Errorf("ChunkFirst: chunk %d of %d is out of range", idx, chunks)
	}
	if t.Rank() < 1 {
		return nil, errors.Errorf("ChunkFirst: cannot chunk a scalar %s", t.shape)
	}
	leading := t.Dim(0)
	if leading%chunks != 0 {
		return nil, errors.Errorf("ChunkFirst: leading axis of %s does not split into %d chunks", t.shape, chunks)
	}
	newLeading := leading / chunks
	dims := t.Shape().Clone().Dimensions
	dims[0] = newLeading
	out := alloc.Alloc(t.device, shapes.Make(t.DType(), dims...))

	// Leading-axis chunks are contiguous: one block copy.
	blockBytes := out.Size() * int(t.DType().Size())
	copy(out.mutableBytes(), t.mutableBytes()[idx*blockBytes:(idx+1)*blockBytes])
	return out, nil
}

// ConcatFirst concatenates parts along the leading axis, in order, into a
// fresh tile from alloc (Heap if nil). All parts must agree on dtype, device
// and every dimension but the leading one.
func ConcatFirst(alloc Allocator, parts []*Tile) (*Tile, error) {
	if len(parts) == 0 {
		return nil, errors.Errorf("ConcatFirst: no parts to concatenate")
	}
	if alloc == nil {
		alloc = Heap
	}
	if err := sameDeviceDType("ConcatFirst", parts...); err != nil {
		return nil, err
	}
	first := parts[0]
	if first.Rank() < 1 {
		return nil, errors.Errorf("ConcatFirst: cannot concatenate scalars")
	}
	totalLeading := 0
	for _, part := range parts {
		if part.Rank() != first.Rank() {
			return nil, errors.Errorf("ConcatFirst: parts %s and %s differ in rank", first.shape, part.shape)
		}
		for axis := 1; axis < first.Rank(); axis++ {
			if part.Dim(axis) != first.Dim(axis) {
				return nil, errors.Errorf("ConcatFirst: parts %s and %s differ on axis %d", first.shape, part.shape, axis)
			}
		}
		totalLeading += part.Dim(0)
	}
	dims := first.Shape().Clone().Dimensions
	dims[0] = totalLeading
	out := alloc.Alloc(first.device, shapes.Make(first.DType(), dims...))

	dst := out.mutableBytes()
	offset := 0
	for _, part := range parts {
		src := part.mutableBytes()
		copy(dst[offset:offset+len(src)], src)
		offset += len(src)
	}
	return out, nil
}
