// Package vectormath provides the similarity primitives shared by the
// result cache and the novelty scorer.
package vectormath

import "math"

// Cosine computes the cosine similarity dot(a,b) / (||a|| * ||b||).
// Vectors of differing length, or with zero magnitude, are treated as
// non-comparable and yield 0 rather than an error.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
