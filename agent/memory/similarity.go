// Package memory implements the agent's long-term memory: learned
// preferences keyed by (scope, key) and solved-problem episodes retrievable
// by embedding similarity. Two store backends are provided (Postgres via
// bun, and in-process for tests) behind the same contract.
package memory

import "math"

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty or the dimensions differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
