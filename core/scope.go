package core

import (
	"fmt"
	"strings"
	"unicode"
)

const maxTenantIDLength = 256

// ScopeDescriptor is the caller-supplied, unvalidated scope of a request.
// Nil optional fields mean "no constraint on that axis".
type ScopeDescriptor struct {
	TenantID     string  `json:"tenant_id" yaml:"tenant_id"`
	IsGlobal     *bool   `json:"is_global,omitempty" yaml:"is_global,omitempty"`
	CollectionID *string `json:"collection_id,omitempty" yaml:"collection_id,omitempty"`
	SourceID     *string `json:"source_id,omitempty" yaml:"source_id,omitempty"`
}

// Scope is the canonical conjunctive filter every read and write is gated by.
// Build it with ResolveScope or TenantScope. The zero Scope matches nothing.
type Scope struct {
	tenant        TenantID
	includeGlobal bool
	collection    string
	source        string
}

// ValidateTenant reports whether tenant is usable as a partition key.
func ValidateTenant(tenant string) error {
	if strings.TrimSpace(tenant) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrScope)
	}
	if tenant != strings.TrimSpace(tenant) {
		return fmt.Errorf("%w: tenant_id has surrounding whitespace", ErrScope)
	}
	if len(tenant) > maxTenantIDLength {
		return fmt.Errorf("%w: tenant_id longer than %d bytes", ErrScope, maxTenantIDLength)
	}
	for _, r := range tenant {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: tenant_id contains control characters", ErrScope)
		}
	}
	return nil
}

// ResolveScope validates and normalizes a descriptor.
// A missing tenant is always an error; there is no fallback to an unscoped read.
func ResolveScope(d ScopeDescriptor) (Scope, error) {
	tenant := strings.TrimSpace(d.TenantID)
	if err := ValidateTenant(tenant); err != nil {
		return Scope{}, err
	}

	s := Scope{tenant: TenantID(tenant)}
	if d.IsGlobal != nil {
		s.includeGlobal = *d.IsGlobal
	}
	if d.CollectionID != nil {
		c := strings.TrimSpace(*d.CollectionID)
		if c == "" {
			return Scope{}, fmt.Errorf("%w: collection_id filter is blank", ErrScope)
		}
		s.collection = c
	}
	if d.SourceID != nil {
		src := strings.TrimSpace(*d.SourceID)
		if src == "" {
			return Scope{}, fmt.Errorf("%w: source_id filter is blank", ErrScope)
		}
		s.source = src
	}
	return s, nil
}

// TenantScope returns a scope restricted to a single tenant with no other filters.
func TenantScope(tenant string) (Scope, error) {
	return ResolveScope(ScopeDescriptor{TenantID: tenant})
}

// Validate rejects the zero Scope.
func (s Scope) Validate() error {
	if s.tenant == "" {
		return fmt.Errorf("%w: scope was not resolved", ErrScope)
	}
	return nil
}

// Tenant returns the owning tenant.
func (s Scope) Tenant() TenantID { return s.tenant }

// IncludesGlobal reports whether global fragments are visible.
func (s Scope) IncludesGlobal() bool { return s.includeGlobal }

// Collection returns the collection filter, or "" when unconstrained.
func (s Scope) Collection() string { return s.collection }

// Source returns the source filter, or "" when unconstrained.
func (s Scope) Source() string { return s.source }

// TenantOnly drops the global, collection and source axes.
func (s Scope) TenantOnly() Scope {
	return Scope{tenant: s.tenant}
}

// OwnsTenant reports whether tenant-owned data of t is inside the scope.
func (s Scope) OwnsTenant(t TenantID) bool {
	return s.tenant != "" && t == s.tenant
}

// Matches evaluates the full predicate against a fragment:
//
//	(tenant = T OR (include_global AND is_global)) AND collection? AND source?
func (s Scope) Matches(f *ContentFragment) bool {
	if f == nil || s.tenant == "" {
		return false
	}
	switch {
	case f.TenantID == s.tenant && !f.IsGlobal:
	case s.includeGlobal && f.IsGlobal && f.TenantID == "":
	default:
		return false
	}
	if s.collection != "" && f.CollectionID != s.collection {
		return false
	}
	if s.source != "" && f.SourceID != s.source {
		return false
	}
	return true
}

// String renders the scope for logs.
func (s Scope) String() string {
	var b strings.Builder
	b.WriteString("tenant=")
	b.WriteString(string(s.tenant))
	if s.includeGlobal {
		b.WriteString(" global")
	}
	if s.collection != "" {
		b.WriteString(" collection=")
		b.WriteString(s.collection)
	}
	if s.source != "" {
		b.WriteString(" source=")
		b.WriteString(s.source)
	}
	return b.String()
}
