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

package core

import "errors"

// Query errors
var (
	// ErrScope indicates a missing or invalid tenant scope. Requests carrying it
	// are rejected before any data is read.
	ErrScope = errors.New("scope rejected")

	// ErrDimensionMismatch indicates an embedding whose width differs from the store's.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrTraversalCycle marks a traversal branch that returned to a node already on its path.
	// It is pruned and never surfaced to callers.
	ErrTraversalCycle = errors.New("traversal cycle")
)

// Graph construction errors
var (
	// ErrUnresolvedEntityReference indicates a relation naming an unknown entity.
	ErrUnresolvedEntityReference = errors.New("unresolved entity reference")

	// ErrInvalidEntity indicates an entity that cannot be stored.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrInvalidEdgeType indicates a relation label that is not a supported edge type.
	ErrInvalidEdgeType = errors.New("invalid edge type")

	// ErrSelfLoop indicates a relation whose endpoints resolve to the same node.
	ErrSelfLoop = errors.New("self-loop relation")
)

// Domain validation errors
var (
	// ErrInvalidFragment indicates a ContentFragment failed validation.
	ErrInvalidFragment = errors.New("invalid content fragment")

	// ErrInvalidNode indicates a KnowledgeNode failed validation.
	ErrInvalidNode = errors.New("invalid knowledge node")

	// ErrInvalidEdge indicates a KnowledgeEdge failed validation.
	ErrInvalidEdge = errors.New("invalid knowledge edge")

	// ErrEmptyContent indicates the Content field is empty.
	ErrEmptyContent = errors.New("content cannot be empty")

	// ErrEmptyName indicates the node Name field is empty.
	ErrEmptyName = errors.New("name cannot be empty")

	// ErrInvalidGlobalScope indicates a fragment whose tenant and global flag disagree.
	ErrInvalidGlobalScope = errors.New("global fragments must not carry a tenant")
)
