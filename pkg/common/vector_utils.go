// Package common holds small shared utilities, chiefly the float32 vector
// math used by the similarity policies.
package common

import "math"

// NormalizeVectorL2 normalizes a vector using L2 normalization (Euclidean
// norm). The zero vector is returned unchanged: it is the sentinel embedding
// for empty input and must stay all-zero.
func NormalizeVectorL2(vector []float32) []float32 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)

	// Avoid division by zero
	if norm < 1e-10 {
		return vector
	}

	normalized := make([]float32, len(vector))
	for i, v := range vector {
		normalized[i] = float32(float64(v) / norm)
	}

	return normalized
}

// DotProduct calculates the dot product of two vectors. Mismatched lengths
// yield 0.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}

	return sum
}

// Norm returns the L2 norm of the vector.
func Norm(vector []float32) float64 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// CosineSimilarity calculates the cosine similarity of two vectors. Vectors
// are not assumed normalized; either vector being zero yields 0, so the
// empty-input sentinel never matches anything.
func CosineSimilarity(a, b []float32) float64 {
	na := Norm(a)
	nb := Norm(b)
	if na < 1e-10 || nb < 1e-10 {
		return 0
	}
	return DotProduct(a, b) / (na * nb)
}

// CosineDistance calculates the cosine distance 1 - cos(a, b).
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}

// IsZeroVector reports whether every component is zero.
func IsZeroVector(vector []float32) bool {
	for _, v := range vector {
		if v != 0 {
			return false
		}
	}
	return true
}

// ZeroVector returns the all-zero vector of the given dimension.
func ZeroVector(dim int) []float32 {
	return make([]float32, dim)
}

// Centroid returns the L2-normalized mean of the given vectors. Empty input
// returns nil; an all-zero mean stays zero.
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}

	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, vec := range vectors {
		for i, v := range vec {
			sum[i] += float64(v)
		}
	}

	mean := make([]float32, dim)
	n := float64(len(vectors))
	for i := range sum {
		mean[i] = float32(sum[i] / n)
	}

	return NormalizeVectorL2(mean)
}

// WeightedAverage returns the L2-normalized weighted average of two vectors.
// When both weights are zero it falls back to the plain average.
func WeightedAverage(a, b []float32, wa, wb float64) []float32 {
	if len(a) != len(b) {
		return nil
	}
	if wa+wb == 0 {
		wa, wb = 1, 1
	}

	total := wa + wb
	avg := make([]float32, len(a))
	for i := range a {
		avg[i] = float32((float64(a[i])*wa + float64(b[i])*wb) / total)
	}

	return NormalizeVectorL2(avg)
}
