package tiles

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

func checkSameSize(op string, dst, src *Tile) error {
	if err := sameDeviceDType(op, dst, src); err != nil {
		return err
	}
	if dst.Size() != src.Size() {
		return errors.Errorf("%s: tiles %s and %s differ in size", op, dst.shape, src.shape)
	}
	return nil
}

func combineExec[T PODFloat](dst, src []T, combine func(T, T) T) {
	for i, v := range src {
		dst[i] = combine(dst[i], v)
	}
}

// combine16 applies a float32 combiner elementwise to 16-bit tiles, widening
// each pair just for the combination.
func combine16(dst, src *Tile, combine func(float32, float32) float32) {
	switch dstFlat := dst.flat.(type) {
	case []float16.Float16:
		srcFlat := src.flat.([]float16.Float16)
		for i, v := range srcFlat {
			dstFlat[i] = float16.Fromfloat32(combine(dstFlat[i].Float32(), v.Float32()))
		}
	case []bfloat16.BFloat16:
		srcFlat := src.flat.([]bfloat16.BFloat16)
		for i, v := range srcFlat {
			dstFlat[i] = bfloat16.FromFloat32(combine(dstFlat[i].Float32(), v.Float32()))
		}
	}
}

func combineInto(op string, dst, src *Tile, f32 func(float32, float32) float32, f64 func(float64, float64) float64) error {
	if err := checkSameSize(op, dst, src); err != nil {
		return err
	}
	switch dst.DType() {
	case dtypes.Float32:
		combineExec(Data[float32](dst), Data[float32](src), f32)
	case dtypes.Float64:
		combineExec(Data[float64](dst), Data[float64](src), f64)
	default:
		combine16(dst, src, f32)
	}
	return nil
}

// AddInto accumulates src into dst elementwise: dst[i] += src[i].
func AddInto(dst, src *Tile) error {
	return combineInto("AddInto", dst, src,
		func(x, y float32) float32 { return x + y },
		func(x, y float64) float64 { return x + y })
}

// MulInto multiplies dst by src elementwise: dst[i] *= src[i].
func MulInto(dst, src *Tile) error {
	return combineInto("MulInto", dst, src,
		func(x, y float32) float32 { return x * y },
		func(x, y float64) float64 { return x * y })
}

// MaxInto keeps the elementwise maximum in dst: dst[i] = max(dst[i], src[i]).
func MaxInto(dst, src *Tile) error {
	return combineInto("MaxInto", dst, src,
		func(x, y float32) float32 { return max(x, y) },
		func(x, y float64) float64 { return max(x, y) })
}

// MinInto keeps the elementwise minimum in dst: dst[i] = min(dst[i], src[i]).
func MinInto(dst, src *Tile) error {
	return combineInto("MinInto", dst, src,
		func(x, y float32) float32 { return min(x, y) },
		func(x, y float64) float64 { return min(x, y) })
}

// AddRowVector adds vec to every row of dst: dst[..., j] += vec[j], with vec
// rank-1 of the same dimension as dst's last axis.
func AddRowVector(dst, vec *Tile) error {
	if err := sameDeviceDType("AddRowVector", dst, vec); err != nil {
		return err
	}
	if dst.Rank() < 1 || vec.Rank() != 1 || vec.Dim(0) != dst.Dim(-1) {
		return errors.Errorf("AddRowVector: vector %s does not match the last axis of %s", vec.shape, dst.shape)
	}
	n := vec.Dim(0)
	rows := dst.Size() / n
	switch dst.DType() {
	case dtypes.Float32:
		addRowVectorExec(rows, n, Data[float32](dst), Data[float32](vec))
	case dtypes.Float64:
		addRowVectorExec(rows, n, Data[float64](dst), Data[float64](vec))
	default:
		dstFlat := widenToF32(dst)
		addRowVectorExec(rows, n, dstFlat, widenToF32(vec))
		narrowFromF32(dst, dstFlat)
	}
	return nil
}

func addRowVectorExec[T PODFloat](rows, n int, dstFlat, vec []T) {
	for r := 0; r < rows; r++ {
		row := dstFlat[r*n : (r+1)*n]
		for j, v := range vec {
			row[j] += v
		}
	}
}

// Scale multiplies every element of t by alpha.
func Scale(t *Tile, alpha float64) {
	t.assertValid()
	switch flat := t.flat.(type) {
	case []float32:
		a := float32(alpha)
		for i := range flat {
			flat[i] *= a
		}
	case []float64:
		for i := range flat {
			flat[i] *= alpha
		}
	case []float16.Float16:
		a := float32(alpha)
		for i := range flat {
			flat[i] = float16.Fromfloat32(flat[i].Float32() * a)
		}
	case []bfloat16.BFloat16:
		a := float32(alpha)
		for i := range flat {
			flat[i] = bfloat16.FromFloat32(flat[i].Float32() * a)
		}
	}
}

// SumLeading accumulates the sum over all leading axes into dst:
// dst[j] += Σ_rows src[..., j], with dst rank-1 of src's last dimension.
func SumLeading(dst, src *Tile) error {
	if err := sameDeviceDType("SumLeading", dst, src); err != nil {
		return err
	}
	if dst.Rank() != 1 || src.Rank() < 1 || dst.Dim(0) != src.Dim(-1) {
		return errors.Errorf("SumLeading: cannot sum %s into %s", src.shape, dst.shape)
	}
	n := dst.Dim(0)
	rows := src.Size() / n
	switch dst.DType() {
	case dtypes.Float32:
		sumLeadingExec(rows, n, Data[float32](dst), Data[float32](src))
	case dtypes.Float64:
		sumLeadingExec(rows, n, Data[float64](dst), Data[float64](src))
	default:
		dstFlat := widenToF32(dst)
		sumLeadingExec(rows, n, dstFlat, widenToF32(src))
		narrowFromF32(dst, dstFlat)
	}
	return nil
}

func sumLeadingExec[T PODFloat](rows, n int, dstFlat, srcFlat []T) {
	for r := 0; r < rows; r++ {
		row := srcFlat[r*n : (r+1)*n]
		for j, v := range row {
			dstFlat[j] += v
		}
	}
}

// SumLast writes the sum over the last axis into dst: dst[r] = Σ_j src[r, j],
// viewing src as rows by its last dimension; dst must hold one value per
// row. Float32 and float64 only, the dtypes the normalization tail runs in.
func SumLast(dst, src *Tile) error {
	if err := sameDeviceDType("SumLast", dst, src); err != nil {
		return err
	}
	n := src.Dim(-1)
	rows := src.Size() / n
	if dst.Size() != rows {
		return errors.Errorf("SumLast: %s has %d rows but dst is %s", src.shape, rows, dst.shape)
	}
	switch dst.DType() {
	case dtypes.Float32:
		sumLastExec(rows, n, Data[float32](dst), Data[float32](src))
	case dtypes.Float64:
		sumLastExec(rows, n, Data[float64](dst), Data[float64](src))
	default:
		return errors.Errorf("SumLast: dtype %s not supported, use float32 or float64", dst.DType())
	}
	return nil
}

func sumLastExec[T PODFloat](rows, n int, dstFlat, srcFlat []T) {
	for r := 0; r < rows; r++ {
		row := srcFlat[r*n : (r+1)*n]
		var sum T
		for _, v := range row {
			sum += v
		}
		dstFlat[r] = sum
	}
}

// DotLast writes the row-wise dot product of x and y into dst:
// dst[r] = Σ_j x[r, j]·y[r, j]. Same shape rules as SumLast; float32 and
// float64 only.
func DotLast(dst, x, y *Tile) error {
	if err := sameDeviceDType("DotLast", dst, x, y); err != nil {
		return err
	}
	if x.Size() != y.Size() || x.Dim(-1) != y.Dim(-1) {
		return errors.Errorf("DotLast: x %s and y %s don't match", x.shape, y.shape)
	}
	n := x.Dim(-1)
	rows := x.Size() / n
	if dst.Size() != rows {
		return errors.Errorf("DotLast: %s has %d rows but dst is %s", x.shape, rows, dst.shape)
	}
	switch dst.DType() {
	case dtypes.Float32:
		dotLastExec(rows, n, Data[float32](dst), Data[float32](x), Data[float32](y))
	case dtypes.Float64:
		dotLastExec(rows, n, Data[float64](dst), Data[float64](x), Data[float64](y))
	default:
		return errors.Errorf("DotLast: dtype %s not supported, use float32 or float64", dst.DType())
	}
	return nil
}

func dotLastExec[T PODFloat](rows, n int, dstFlat, xFlat, yFlat []T) {
	for r := 0; r < rows; r++ {
		xRow := xFlat[r*n : (r+1)*n]
		yRow := yFlat[r*n : (r+1)*n]
		var sum T
		for j, v := range xRow {
			sum += v * yRow[j]
		}
		dstFlat[r] = sum
	}
}
