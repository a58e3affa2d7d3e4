// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package openai

import (
	"log/slog"

	"github.com/poiesic/codex/ai"
)

// Provider serves embeddings and graph extraction from OpenAI-compatible endpoints.
type Provider struct {
	embedder  ai.Embedder
	cache     *ai.CachingEmbedder // nil when caching is disabled
	extractor *GraphExtractor
	logger    *slog.Logger
}

// NewProvider validates config and builds both clients. Query embeddings go
// through an LRU cache of config.EmbeddingCacheSize entries when it is positive.
func NewProvider(config *ai.Config) (ai.AIProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p := &Provider{
		logger: slog.Default().With("component", "openai-provider", "embedding_model", config.EmbeddingModel),
	}

	base, err := newEmbedder(config)
	if err != nil {
		return nil, err
	}
	p.embedder = base
	if config.EmbeddingCacheSize > 0 {
		if p.cache, err = ai.NewCachingEmbedder(base, config.EmbeddingCacheSize); err != nil {
			return nil, err
		}
		p.embedder = p.cache
	}

	if p.extractor, err = newGraphExtractor(config); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) Embedder() ai.Embedder {
	return p.embedder
}

func (p *Provider) GraphExtractor() ai.GraphExtractor {
	return p.extractor
}

// Close drops cached vectors. The HTTP clients hold nothing to release.
func (p *Provider) Close() error {
	if p.cache != nil {
		hits, misses := p.cache.Stats()
		p.logger.Debug("closing provider", "cache_hits", hits, "cache_misses", misses)
		p.cache.Purge()
	}
	return nil
}
