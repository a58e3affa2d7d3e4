// Package mock provides test double implementations of AI service interfaces.
//
// This package contains mock implementations of ai.Embedder, ai.GraphExtractor,
// and ai.AIProvider for use in unit tests. The mocks run without external
// services and behave deterministically.
//
// # Usage in Tests
//
//	mockProvider := mock.NewMockProvider()
//	vector, err := mockProvider.Embedder().EmbedText(ctx, "test")
//
//	extractor := mock.NewMockGraphExtractor()
//	extractor.ExtractGraphFunc = func(ctx context.Context, text string) (*ai.ExtractedGraph, error) {
//	    return &ai.ExtractedGraph{}, nil
//	}
//
// # Default Behavior
//
//   - MockEmbedder: returns unit vectors derived from a hash of the text
//   - MockGraphExtractor: parses "Name: description" and "A OVERRIDES B" lines
//   - MockProvider: aggregates a mock embedder and extractor
package mock
