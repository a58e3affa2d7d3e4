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

// Package search provides fused vector and keyword retrieval over content fragments.
//
// The Ranker combines two independently ranked candidate lists with Reciprocal
// Rank Fusion:
//   - a vector channel ordered by cosine distance to the query embedding
//   - a keyword channel ordered by BM25 relevance to a parsed websearch-style query
//
// Every read is gated by a resolved core.Scope. A fragment found by only one
// channel still scores; ties are broken by fragment ID so identical inputs always
// produce identical ordering.
package search
