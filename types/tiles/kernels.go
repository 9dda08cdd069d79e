package tiles

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tesseract/internal/workpool"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Minimum output rows per parallel chunk of the matmul kernels; smaller
// tiles run on the caller's goroutine.
const matmulRowChunk = 8

func checkMatMulOperands(op string, c, a, b *Tile) error {
	if err := sameDeviceDType(op, c, a, b); err != nil {
		return err
	}
	if c.Rank() != 2 || a.Rank() != 2 || b.Rank() != 2 {
		return errors.Errorf("%s: operands must be rank-2, got c=%s, a=%s, b=%s", op, c.shape, a.shape, b.shape)
	}
	return nil
}

// MatMulAcc accumulates the product of a and b into c:
//
//	c[i,j] += Σ_t a[i,t]·b[t,j]
//
// with a of shape [m,k], b [k,n] and c [m,n], all the same dtype and device.
// Float16/bfloat16 operands accumulate in float32.
func MatMulAcc(wp *workpool.Pool, c, a, b *Tile) error {
	if err := checkMatMulOperands("MatMulAcc", c, a, b); err != nil {
		return err
	}
	m, k := a.Dim(0), a.Dim(1)
	if b.Dim(0) != k {
		return errors.Errorf("MatMulAcc: a %s and b %s don't agree on the contraction dimension", a.shape, b.shape)
	}
	n := b.Dim(1)
	if c.Dim(0) != m || c.Dim(1) != n {
		return errors.Errorf("MatMulAcc: c %s cannot hold the product of a %s and b %s", c.shape, a.shape, b.shape)
	}
	switch c.DType() {
	case dtypes.Float32:
		matMulAccExec(wp, m, k, n, Data[float32](c), Data[float32](a), Data[float32](b))
	case dtypes.Float64:
		matMulAccExec(wp, m, k, n, Data[float64](c), Data[float64](a), Data[float64](b))
	default:
		matMul16(wp, matMulAccExec[float32], m, k, n, c, a, b)
	}
	return nil
}

// MatMulTransAAcc accumulates the product of transposed a and b into c:
//
//	c[i,j] += Σ_t a[t,i]·b[t,j]
//
// with a of shape [k,m], b [k,n] and c [m,n].
func MatMulTransAAcc(wp *workpool.Pool, c, a, b *Tile) error {
	if err := checkMatMulOperands("MatMulTransAAcc", c, a, b); err != nil {
		return err
	}
	k, m := a.Dim(0), a.Dim(1)
	if b.Dim(0) != k {
		return errors.Errorf("MatMulTransAAcc: a %s and b %s don't agree on the contraction dimension", a.shape, b.shape)
	}
	n := b.Dim(1)
	if c.Dim(0) != m || c.Dim(1) != n {
		return errors.Errorf("MatMulTransAAcc: c %s cannot hold the product of aᵀ %s and b %s", c.shape, a.shape, b.shape)
	}
	switch c.DType() {
	case dtypes.Float32:
		matMulTransAAccExec(wp, m, k, n, Data[float32](c), Data[float32](a), Data[float32](b))
	case dtypes.Float64:
		matMulTransAAccExec(wp, m, k, n, Data[float64](c), Data[float64](a), Data[float64](b))
	default:
		matMul16(wp, matMulTransAAccExec[float32], m, k, n, c, a, b)
	}
	return nil
}

// MatMulTransBAcc accumulates the product of a and transposed b into c:
//
//	c[i,j] += Σ_t a[i,t]·b[j,t]
//
// with a of shape [m,k], b [n,k] and c [m,n].
func MatMulTransBAcc(wp *workpool.Pool, c, a, b *Tile) error {
	if err := checkMatMulOperands("MatMulTransBAcc", c, a, b); err != nil {
		return err
	}
	m, k := a.Dim(0), a.Dim(1)
	if b.Dim(1) != k {
		return errors.Errorf("MatMulTransBAcc: a %s and b %s don't agree on the contraction dimension", a.shape, b.shape)
	}
	n := b.Dim(0)
	if c.Dim(0) != m || c.Dim(1) != n {
		return errors.Errorf("MatMulTransBAcc: c %s cannot hold the product of a %s and bᵀ %s", c.shape, a.shape, b.shape)
	}
	switch c.DType() {
	case dtypes.Float32:
		matMulTransBAccExec(wp, m, k, n, Data[float32](c), Data[float32](a), Data[float32](b))
	case dtypes.Float64:
		matMulTransBAccExec(wp, m, k, n, Data[float64](c), Data[float64](a), Data[float64](b))
	default:
		matMul16(wp, matMulTransBAccExec[float32], m, k, n, c, a, b)
	}
	return nil
}

func matMulAccExec[T PODFloat](wp *workpool.Pool, m, k, n int, cFlat, aFlat, bFlat []T) {
	wp.ForChunks(m, matmulRowChunk, func(start, end int) {
		for i := start; i < end; i++ {
			cRow := cFlat[i*n : (i+1)*n]
			aRow := aFlat[i*k : (i+1)*k]
			for t, av := range aRow {
				bRow := bFlat[t*n : (t+1)*n]
				for j, bv := range bRow {
					cRow[j] += av * bv
				}
			}
		}
	})
}

func matMulTransAAccExec[T PODFloat](wp *workpool.Pool, m, k, n int, cFlat, aFlat, bFlat []T) {
	wp.ForChunks(m, matmulRowChunk, func(start, end int) {
		for i := start; i < end; i++ {
			cRow := cFlat[i*n : (i+1)*n]
			for t := 0; t < k; t++ {
				av := aFlat[t*m+i]
				bRow := bFlat[t*n : (t+1)*n]
				for j, bv := range bRow {
					cRow[j] += av * bv
				}
			}
		}
	})
}

func matMulTransBAccExec[T PODFloat](wp *workpool.Pool, m, k, n int, cFlat, aFlat, bFlat []T) {
	wp.ForChunks(m, matmulRowChunk, func(start, end int) {
		for i := start; i < end; i++ {
			aRow := aFlat[i*k : (i+1)*k]
			cRow := cFlat[i*n : (i+1)*n]
			for j := 0; j < n; j++ {
				bRow := bFlat[j*k : (j+1)*k]
				var sum T
				for t, av := range aRow {
					sum += av * bRow[t]
				}
				cRow[j] += sum
			}
		}
	})
}

// matMul16 widens 16-bit operands to float32, runs the float32 kernel and
// narrows the result back.
func matMul16(wp *workpool.Pool, exec func(*workpool.Pool, int, int, int, []float32, []float32, []float32), m, k, n int, c, a, b *Tile) {
	cFlat := widenToF32(c)
	exec(wp, m, k, n, cFlat, widenToF32(a), widenToF32(b))
	narrowFromF32(c, cFlat)
}

func widenToF32(t *Tile) []float32 {
	out := make([]float32, t.Size())
	switch flat := t.flat.(type) {
	case []float16.Float16:
		for i, v := range flat {
			out[i] = v.Float32()
		}
	case []bfloat16.BFloat16:
		for i, v := range flat {
			out[i] = v.Float32()
		}
	case []float32:
		copy(out, flat)
	}
	return out
}

func narrowFromF32(t *Tile, values []float32) {
	switch flat := t.flat.(type) {
	case []float16.Float16:
		for i, v := range values {
			flat[i] = float16.Fromfloat32(v)
		}
	case []bfloat16.BFloat16:
		for i, v := range values {
			flat[i] = bfloat16.FromFloat32(v)
		}
	case []float32:
		copy(flat, values)
	}
}
