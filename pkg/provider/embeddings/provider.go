// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider wraps a service that maps text strings to dense float32
// vectors. Knowledge search embeds the caller's query text through a Provider
// before running a similarity search against stored chunk embeddings.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider share the same dimensionality.
// Vectors from different models must not be compared with each other.
type Provider interface {
	// Embed computes the embedding vector for a single text string. No partial
	// vectors are ever returned: on error the slice is nil.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for texts in a single upstream
	// call. The i-th result corresponds to texts[i]. On error the entire slice
	// is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the configured vector length, or 0 when unknown.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}
