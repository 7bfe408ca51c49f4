// Package embed defines the embedding-model capability the kernel treats as
// opaque: a function from text to a fixed-dimension float vector, with a
// known maximum input length (spec.md "Embedding model").
package embed

import (
	"context"
)

const (
	// MinBatchSize is the minimum allowed batch size.
	MinBatchSize = 1

	// MaxBatchSize bounds a single EmbedBatch call to avoid unbounded memory
	// growth when the document pipeline flushes a large reindex batch.
	MaxBatchSize = 256

	// DefaultBatchSize is used by callers that don't size batches themselves.
	DefaultBatchSize = 32

	// DefaultEmbeddingCacheSize is the default number of embeddings CachedEmbedder keeps.
	DefaultEmbeddingCacheSize = 1000
)

// Embedder generates vector embeddings for text. Implementations are tagged
// variants of one capability trait (spec §9 "Polymorphism"): a remote
// embedding API (RemoteEmbedder), a caching wrapper around another
// Embedder (CachedEmbedder), or (for tests) a deterministic stub.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding's fixed output width.
	Dimensions() int

	// MaxLength returns the model's maximum input length, in whatever unit
	// the model counts (bytes or tokens) — the vector table's effective
	// chunking length is min(embedding.input_length, model.MaxLength()).
	MaxLength() int

	// ModelName returns a stable identifier, used as part of the cache key
	// and in the embedding_config relational row.
	ModelName() string

	// Available reports whether the embedder is ready to serve requests.
	Available(ctx context.Context) bool

	// Close releases any resources (model handles, client connections).
	Close() error
}
