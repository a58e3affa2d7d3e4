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

// Package storage provides the storage abstraction layer for codex.
//
// This package defines repository interfaces that decouple storage implementation
// from retrieval logic, plus the binary codec used for stored values.
//
// # Architecture
//
// The storage layer follows the Repository pattern:
//
//   - FragmentRepository: the Embedding Store (content fragments, vectors, token representation)
//   - GraphRepository: the Knowledge Graph Store (nodes, edges, provenance links)
//   - CheckpointRepository: progress of resumable maintenance jobs
//
// # Tenant Isolation
//
// Every graph operation takes the owning tenant and reads only that tenant's
// partition. Fragment scans take a resolved core.Scope; an unresolved scope is
// rejected with core.ErrScope before any key is read.
//
// # Atomic Upserts
//
// UpsertNode and UpsertEdge run a caller-supplied merge function inside a single
// read-write transaction keyed by the uniqueness constraint. Conflicting writers
// are retried by the backend; callers only see ErrConcurrentMergeConflict once
// the retry budget is spent.
//
// # Usage
//
// Use in tests with in-memory storage:
//
//	fragments, graph, backend, err := badger.NewMemoryRepositories()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
package storage
