// Package embedding provides the external text-to-vector provider used by
// the vector search service to embed both indexed code chunks and search
// queries.
package embedding

import "context"

// Provider embeds text into a fixed-length float vector. All vectors
// produced by one Provider share the same dimension.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}
