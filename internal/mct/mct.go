// Package mct implements multi-component transforms for JPEG 2000.
//
// JPEG 2000 supports two types of component transforms:
// - ICT (Irreversible Color Transform): RGB to YCbCr for lossy compression
// - RCT (Reversible Color Transform): RGB to YCrCb for lossless compression
package mct

import (
	"math"

	"golang.org/x/exp/constraints"
)

// ForwardICT applies the irreversible color transform (RGB to YCbCr),
// used ahead of lossy (9/7 wavelet) compression.
func ForwardICT(r, g, b []float64) {
	for i := range r {
		y := 0.299*r[i] + 0.587*g[i] + 0.114*b[i]
		cb := -0.16875*r[i] - 0.33126*g[i] + 0.5*b[i]
		cr := 0.5*r[i] - 0.41869*g[i] - 0.08131*b[i]

		r[i], g[i], b[i] = y, cb, cr
	}
}

// ForwardRCT applies the reversible color transform (RGB to YUV-like),
// used ahead of lossless (5/3 wavelet) compression.
func ForwardRCT(r, g, b []int32) {
	for i := range r {
		y := (r[i] + 2*g[i] + b[i]) >> 2
		u := b[i] - g[i]
		v := r[i] - g[i]

		r[i], g[i], b[i] = y, u, v
	}
}

// InverseICT undoes ForwardICT (YCbCr to RGB).
func InverseICT(y, cb, cr []float64) {
	for i := range y {
		r := y[i] + 1.402*cr[i]
		g := y[i] - 0.34413*cb[i] - 0.71414*cr[i]
		b := y[i] + 1.772*cb[i]

		y[i], cb[i], cr[i] = r, g, b
	}
}

// InverseRCT undoes ForwardRCT.
func InverseRCT(y, u, v []int32) {
	for i := range y {
		g := y[i] - ((u[i] + v[i]) >> 2)
		r := v[i] + g
		b := u[i] + g

		y[i], u[i], v[i] = r, g, b
	}
}

// clamp restricts v to [min,max]; shared by ClampInt32 and ClampFloat64
// so the two never develop diverging edge-case behavior.
func clamp[T constraints.Ordered](v, min, max T) T {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ClampFloat64 clamps a float64 value to [min,max].
func ClampFloat64(v, min, max float64) float64 { return clamp(v, min, max) }

// ClampInt32 clamps an int32 value to [min,max].
func ClampInt32(v, min, max int32) int32 { return clamp(v, min, max) }

// dcShift adds sign*2^(precision-1) to every sample; Forward and
// Inverse are the same shift with opposite sign, so both route through
// this to guarantee they stay exact inverses of each other.
func dcShift(data []int32, precision int, sign int32) {
	shift := sign * (int32(1) << (precision - 1))
	for i := range data {
		data[i] += shift
	}
}

// DCLevelShiftForward subtracts 2^(precision-1) from unsigned sample
// data before encoding.
func DCLevelShiftForward(data []int32, precision int) { dcShift(data, precision, -1) }

// DCLevelShiftInverse adds 2^(precision-1) back after decoding.
func DCLevelShiftInverse(data []int32, precision int) { dcShift(data, precision, 1) }

func dcShiftFloat(data []float64, precision int, sign float64) {
	shift := sign * float64(int32(1)<<(precision-1))
	for i := range data {
		data[i] += shift
	}
}

// DCLevelShiftForwardFloat is DCLevelShiftForward for float64 samples.
func DCLevelShiftForwardFloat(data []float64, precision int) { dcShiftFloat(data, precision, -1) }

// DCLevelShiftInverseFloat is DCLevelShiftInverse for float64 samples.
func DCLevelShiftInverseFloat(data []float64, precision int) { dcShiftFloat(data, precision, 1) }

// ShouldApplyMCT reports whether a multi-component transform applies:
// JPEG 2000 restricts MCT to the first three components.
func ShouldApplyMCT(numComponents int, mctEnabled bool) bool {
	return numComponents >= 3 && mctEnabled
}

// ConvertFloat64ToInt32 rounds src half-away-from-zero into dst.
func ConvertFloat64ToInt32(src []float64, dst []int32) {
	for i, v := range src {
		dst[i] = int32(math.Round(v))
	}
}

// ConvertInt32ToFloat64 widens src into dst.
func ConvertInt32ToFloat64(src []int32, dst []float64) {
	for i, v := range src {
		dst[i] = float64(v)
	}
}

// precisionRange returns the representable [min,max] for precision
// bits, signed or unsigned.
func precisionRange(precision int, signed bool) (min, max int64) {
	if signed {
		return -(int64(1) << (precision - 1)), (int64(1) << (precision - 1)) - 1
	}
	return 0, (int64(1) << precision) - 1
}

// ApplyPrecisionClamp clamps data in place to the representable range
// of precision bits.
func ApplyPrecisionClamp(data []int32, precision int, signed bool) {
	lo, hi := precisionRange(precision, signed)
	minVal, maxVal := int32(lo), int32(hi)
	for i := range data {
		data[i] = clamp(data[i], minVal, maxVal)
	}
}

// ApplyPrecisionClampFloat is ApplyPrecisionClamp for float64 samples.
func ApplyPrecisionClampFloat(data []float64, precision int, signed bool) {
	lo, hi := precisionRange(precision, signed)
	minVal, maxVal := float64(lo), float64(hi)
	for i := range data {
		data[i] = clamp(data[i], minVal, maxVal)
	}
}

// CustomMCT is a user-supplied square multi-component transform matrix
// (row-major); its inverse is derived once at construction so forward
// and inverse application never have to re-derive or diverge from each
// other at call time.
type CustomMCT struct {
	Forward       []float64
	Inverse       []float64
	NumComponents int
}

// NewCustomMCT builds a CustomMCT around forward, computing its
// inverse immediately.
func NewCustomMCT(forward []float64, numComponents int) *CustomMCT {
	m := &CustomMCT{Forward: forward, NumComponents: numComponents}
	m.Inverse = m.computeInverse()
	return m
}

// computeInverse inverts Forward: a closed-form cofactor expansion for
// the common 3-component case, Gauss-Jordan elimination with partial
// pivoting for any other size.
func (m *CustomMCT) computeInverse() []float64 {
	n := m.NumComponents
	inv := make([]float64, n*n)

	if n == 3 {
		a := m.Forward
		det := a[0]*(a[4]*a[8]-a[5]*a[7]) -
			a[1]*(a[3]*a[8]-a[5]*a[6]) +
			a[2]*(a[3]*a[7]-a[4]*a[6])

		if math.Abs(det) < 1e-10 {
			for i := 0; i < n; i++ {
				inv[i*n+i] = 1
			}
			return inv
		}

		invDet := 1.0 / det
		inv[0] = (a[4]*a[8] - a[5]*a[7]) * invDet
		inv[1] = (a[2]*a[7] - a[1]*a[8]) * invDet
		inv[2] = (a[1]*a[5] - a[2]*a[4]) * invDet
		inv[3] = (a[5]*a[6] - a[3]*a[8]) * invDet
		inv[4] = (a[0]*a[8] - a[2]*a[6]) * invDet
		inv[5] = (a[2]*a[3] - a[0]*a[5]) * invDet
		inv[6] = (a[3]*a[7] - a[4]*a[6]) * invDet
		inv[7] = (a[1]*a[6] - a[0]*a[7]) * invDet
		inv[8] = (a[0]*a[4] - a[1]*a[3]) * invDet
		return inv
	}

	aug := make([]float64, n*2*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			aug[i*2*n+j] = m.Forward[i*n+j]
		}
		aug[i*2*n+n+i] = 1
	}

	for i := 0; i < n; i++ {
		maxRow := i
		for k := i + 1; k < n; k++ {
			if math.Abs(aug[k*2*n+i]) > math.Abs(aug[maxRow*2*n+i]) {
				maxRow = k
			}
		}
		for k := 0; k < 2*n; k++ {
			aug[i*2*n+k], aug[maxRow*2*n+k] = aug[maxRow*2*n+k], aug[i*2*n+k]
		}

		pivot := aug[i*2*n+i]
		if math.Abs(pivot) < 1e-10 {
			continue
		}
		for k := 0; k < 2*n; k++ {
			aug[i*2*n+k] /= pivot
		}

		for k := 0; k < n; k++ {
			if k == i {
				continue
			}
			factor := aug[k*2*n+i]
			for j := 0; j < 2*n; j++ {
				aug[k*2*n+j] -= factor * aug[i*2*n+j]
			}
		}
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			inv[i*n+j] = aug[i*2*n+n+j]
		}
	}
	return inv
}

// apply runs matrix (Forward or Inverse) against components in place,
// one sample position at a time.
func (m *CustomMCT) apply(matrix []float64, components [][]float64) {
	if len(components) != m.NumComponents {
		return
	}

	n := m.NumComponents
	temp := make([]float64, n)

	for s := range components[0] {
		for i := 0; i < n; i++ {
			temp[i] = components[i][s]
		}
		for i := 0; i < n; i++ {
			sum := 0.0
			for j := 0; j < n; j++ {
				sum += matrix[i*n+j] * temp[j]
			}
			components[i][s] = sum
		}
	}
}

// Apply applies the forward transform to components in place.
func (m *CustomMCT) Apply(components [][]float64) { m.apply(m.Forward, components) }

// ApplyInverse applies the inverse transform to components in place.
func (m *CustomMCT) ApplyInverse(components [][]float64) { m.apply(m.Inverse, components) }
