// Package embedding produces text vectors and answers nearest-neighbor
// queries over the page corpus.
package embedding

import (
	"context"

	"gonum.org/v1/gonum/floats"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
	Dimensions() int
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	denom := floats.Norm(a, 2) * floats.Norm(b, 2)
	if denom == 0 {
		return 0
	}
	return floats.Dot(a, b) / denom
}

// Distance converts similarity to the index's distance: lower is closer,
// in [0,2].
func Distance(a, b []float64) float64 {
	return 1 - CosineSimilarity(a, b)
}
