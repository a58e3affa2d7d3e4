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

// Package ai defines the external model collaborators used by codex.
//
// Codex never defines an embedding model or an extraction model of its own. It
// calls them through three interfaces:
//
//   - Embedder: maps text to a fixed-width vector
//   - GraphExtractor: extracts entities and typed relations from fragment text
//   - AIProvider: aggregates both for convenient initialization
//
// # Implementation Packages
//
//   - ai/openai: production implementation using OpenAI-compatible APIs
//   - ai/mock: deterministic test doubles
//
// Public constructors in ai/openai return interface types. Mock constructors
// return concrete types so tests can inspect call counts and inject behavior.
//
// # Caching
//
// CachingEmbedder wraps any Embedder with a bounded LRU keyed by exact text:
//
//	provider, err := openai.NewProvider(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//	embedder, err := ai.NewCachingEmbedder(provider.Embedder(), cfg.EmbeddingCacheSize)
package ai
