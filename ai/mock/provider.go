package mock

import (
	"sync/atomic"

	"github.com/poiesic/codex/ai"
)

// MockProvider bundles a MockEmbedder and a MockGraphExtractor behind ai.AIProvider.
type MockProvider struct {
	embedder  *MockEmbedder
	extractor *MockGraphExtractor
	closed    atomic.Bool
}

// NewMockProvider returns a provider with a default-width embedder and the
// line-format extractor.
func NewMockProvider() ai.AIProvider {
	return NewMockProviderWithServices(NewMockEmbedder(), NewMockGraphExtractor())
}

// NewMockProviderWithServices wires caller-configured mocks, typically to
// pin the vector width or inject failures through the Func hooks.
func NewMockProviderWithServices(embedder *MockEmbedder, extractor *MockGraphExtractor) ai.AIProvider {
	return &MockProvider{embedder: embedder, extractor: extractor}
}

func (p *MockProvider) Embedder() ai.Embedder {
	return p.embedder
}

func (p *MockProvider) GraphExtractor() ai.GraphExtractor {
	return p.extractor
}

// Close records that the owner released the provider.
func (p *MockProvider) Close() error {
	p.closed.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (p *MockProvider) Closed() bool {
	return p.closed.Load()
}

// MockEmbedder exposes the concrete embedder for call-count assertions.
func (p *MockProvider) MockEmbedder() *MockEmbedder {
	return p.embedder
}

// MockExtractor exposes the concrete extractor for call-count assertions.
func (p *MockProvider) MockExtractor() *MockGraphExtractor {
	return p.extractor
}
