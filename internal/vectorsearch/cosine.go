// Package vectorsearch indexes code-chunk embeddings and serves
// cosine-similarity search over them.
package vectorsearch

import "math"

// cosineSimilarity returns the cosine of the angle between a and b: 1
// means identical direction, 0 means orthogonal, negative means opposing.
// Vectors of different or zero length, or with zero norm, score 0.
// No vector-math library appears anywhere in the example pack (see
// DESIGN.md), so this is plain Go arithmetic — the computation in
// production runs inside Postgres's pgvector operator instead; this copy
// exists for the in-memory path tests exercise and for any caller scoring
// candidates outside the database.
func cosineSimilarity(a, b []float32) float64 {
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
