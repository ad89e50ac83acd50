// Package embed provides the optional feature-embedding capability used to
// refine borderline perceptual-hash matches. The production implementation
// talks to a CLIP embedding server; when no server is configured or it
// fails to initialize, the Noop fallback keeps grouping on hash-only
// similarity instead of blocking the batch.
package embed

import (
	"context"
	"errors"
	"math"
)

// ErrModelUnavailable signals that the embedding model failed to
// initialize. Callers degrade to hash-only similarity.
var ErrModelUnavailable = errors.New("embedding model unavailable")

// Embedder produces a dense feature vector from encoded image bytes.
type Embedder interface {
	// Embed computes the feature vector for a JPEG/PNG payload.
	Embed(ctx context.Context, imageData []byte) ([]float32, error)
	// Available reports whether the model initialized and can serve.
	Available() bool
	// Dim returns the vector length, 0 when unknown or unavailable.
	Dim() int
}

// Noop is the fallback Embedder selected when no model is configured.
type Noop struct{}

// Embed always fails with ErrModelUnavailable.
func (Noop) Embed(ctx context.Context, imageData []byte) ([]float32, error) {
	return nil, ErrModelUnavailable
}

// Available always reports false.
func (Noop) Available() bool { return false }

// Dim always returns 0.
func (Noop) Dim() int { return 0 }

// CosineDistance computes the cosine distance between two vectors.
// Returns a value between 0 (identical) and 2 (opposite).
// Cosine distance = 1 - cosine similarity.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0 // Maximum distance for invalid input
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 2.0 // Maximum distance for zero vectors
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}

	return 1 - similarity
}
