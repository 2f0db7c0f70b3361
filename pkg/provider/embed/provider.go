// Package embed defines the Embedder interface for vector embedding backends.
//
// An embedder maps text to dense float32 vectors. The archive layer uses
// these vectors to index finalized transcripts for semantic search over past
// conversations.
//
// Implementations must be safe for concurrent use.
package embed

import "context"

// Embedder is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Embedder instance share the same
// dimensionality (returned by Dimensions). Vectors from different instances
// must not be mixed in one similarity computation unless both use the same
// model.
type Embedder interface {
	// Embed computes the embedding vector for a single text. The returned
	// slice has length Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for a slice of texts in one backend call.
	// The result has the same length and order as texts. On error the entire
	// result is nil; partial results are not returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector this embedder
	// produces.
	Dimensions() int

	// ModelID returns the backend-specific model identifier, for logging and
	// for verifying that an existing index was built with the same model.
	ModelID() string
}
