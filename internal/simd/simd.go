// Package simd holds the float64 kernels used by the contraction engine and
// the neural sub-layers. Pairwise kernels go through gonum's assembly
// routines; the trilinear loops are unrolled by four.
package simd

import "gonum.org/v1/gonum/floats"

// VecAdd performs dst += src for float64 vectors
func VecAdd(dst, src []float64) {
	floats.Add(dst, src)
}

// VecAddScaled performs dst += src * scale for float64 vectors
func VecAddScaled(dst, src []float64, scale float64) {
	floats.AddScaled(dst, scale, src)
}

// VecScale performs dst *= scale
func VecScale(dst []float64, scale float64) {
	floats.Scale(scale, dst)
}

// DotProduct computes the dot product of two float64 vectors
func DotProduct(a, b []float64) float64 {
	return floats.Dot(a, b)
}

// TripleProduct computes sum_i a[i]*b[i]*c[i].
// This is the innermost loop of every trilinear interaction.
func TripleProduct(a, b, c []float64) float64 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i] * c[i]
		sum += a[i+1] * b[i+1] * c[i+1]
		sum += a[i+2] * b[i+2] * c[i+2]
		sum += a[i+3] * b[i+3] * c[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i] * c[i]
	}
	return sum
}

// StridedProduct computes sum_k prod_j data[j][offsets[j]+k*strides[j]]
// for k in [0, n). A zero stride broadcasts that operand.
func StridedProduct(data [][]float64, offsets, strides []int, n int) float64 {
	var sum float64
	for k := 0; k < n; k++ {
		p := 1.0
		for j, d := range data {
			p *= d[offsets[j]+k*strides[j]]
		}
		sum += p
	}
	return sum
}
