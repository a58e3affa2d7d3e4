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

import (
	"fmt"
	"strings"
)

// ValidateFragment validates a ContentFragment according to domain rules.
//
// Validation rules:
//   - Content must not be blank
//   - Exactly one scope: either a valid tenant, or global with no tenant
//
// NOT validated (populated by processors):
//   - Vector (can be empty until the embedding processor runs)
//   - Terms (derived on write)
//   - ID (0 is valid from database sequences)
func ValidateFragment(fragment *ContentFragment) error {
	if fragment == nil {
		return fmt.Errorf("%w: fragment is nil", ErrInvalidFragment)
	}

	if strings.TrimSpace(fragment.Content) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidFragment, ErrEmptyContent)
	}

	if fragment.IsGlobal {
		if fragment.TenantID != "" {
			return fmt.Errorf("%w: %w", ErrInvalidFragment, ErrInvalidGlobalScope)
		}
		return nil
	}

	if err := ValidateTenant(string(fragment.TenantID)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFragment, err)
	}

	return nil
}

// ValidateNode validates a KnowledgeNode according to domain rules.
//
// Validation rules:
//   - Tenant must be valid
//   - Name must not be blank
func ValidateNode(node *KnowledgeNode) error {
	if node == nil {
		return fmt.Errorf("%w: node is nil", ErrInvalidNode)
	}

	if err := ValidateTenant(string(node.TenantID)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidNode, err)
	}

	if NormalizeName(node.Name) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidNode, ErrEmptyName)
	}

	return nil
}

// ValidateEdge validates a KnowledgeEdge according to domain rules.
func ValidateEdge(edge *KnowledgeEdge) error {
	if edge == nil {
		return fmt.Errorf("%w: edge is nil", ErrInvalidEdge)
	}

	if err := ValidateTenant(string(edge.TenantID)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEdge, err)
	}

	if !edge.Type.IsValid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidEdge, ErrInvalidEdgeType, edge.Type)
	}

	if edge.SourceID == edge.TargetID {
		return fmt.Errorf("%w: %w", ErrInvalidEdge, ErrSelfLoop)
	}

	if edge.Weight < 0 || edge.Weight > 1 {
		return fmt.Errorf("%w: weight %v outside [0,1]", ErrInvalidEdge, edge.Weight)
	}

	return nil
}
