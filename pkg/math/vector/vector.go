// Package vector provides float32 vector math shared by the search and
// refresh pipelines: dot products, norms, cosine similarity/distance, and
// euclidean distance.
//
// All functions treat mismatched dimensions as a caller bug and return the
// neutral value (0 similarity, max distance) rather than panicking, so a
// single malformed embedding cannot take down a scoring pass.
package vector

import "math"

// Dot returns the dot product of a and b.
// Returns 0 when dimensions differ.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// CosineSimilarity returns the cosine similarity of a and b in [-1, 1].
// Zero vectors and dimension mismatches score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na := Norm(a)
	nb := Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	sim := Dot(a, b) / (na * nb)
	// Clamp accumulated float error so distances stay in [0, 2].
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return sim
}

// CosineDistance returns 1 - CosineSimilarity(a, b), in [0, 2].
// This is the drift metric: identical embeddings score 0, orthogonal 1.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	return 1 - CosineSimilarity(a, b)
}

// EuclideanDistance returns the L2 distance between a and b.
// Returns +Inf when dimensions differ.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v. Zero vectors are returned as-is.
func Normalize(v []float32) []float32 {
	n := Norm(v)
	out := make([]float32, len(v))
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}
