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

// Package graph provides graph-guided retrieval over a tenant's knowledge graph.
//
// The Expander finds anchor nodes by vector similarity and then follows typed,
// weighted edges outward for a bounded number of hops. Nodes reached through an
// OVERRIDES edge are boosted above nodes reached through REQUIRES, so an exception
// always outranks the rule it overrides.
//
// Cycle safety is per branch: a node already on the current path is never
// revisited, but two anchors may reach the same node through distinct paths and
// the best score wins.
package graph
