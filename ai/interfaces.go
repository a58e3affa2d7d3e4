package ai

import "context"

// Embedder generates vector embeddings from text for semantic similarity search.
// Implementations must be thread-safe for concurrent use.
type Embedder interface {
	// EmbedText generates a vector embedding for a single text string.
	// Returns an error if the embedding generation fails.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedTexts generates vector embeddings for multiple text strings in a batch.
	// The returned slice contains embeddings in the same order as the input texts.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// GraphExtractor extracts entities and relations from a piece of knowledge content.
// Implementations must be thread-safe for concurrent use.
type GraphExtractor interface {
	// ExtractGraph analyzes text and returns the knowledge units it defines and
	// the typed relations between them. Relation endpoints refer to entities by name.
	// Returns an empty graph if nothing can be extracted.
	ExtractGraph(ctx context.Context, text string) (*ExtractedGraph, error)
}

// AIProvider aggregates AI services for convenient initialization and lifecycle management.
type AIProvider interface {
	// Embedder returns the text embedding service.
	Embedder() Embedder

	// GraphExtractor returns the entity and relation extraction service.
	GraphExtractor() GraphExtractor

	// Close releases resources held by the provider and its services.
	Close() error
}
