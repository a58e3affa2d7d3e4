package storage

import (
	"context"

	"github.com/poiesic/codex/core"
)

// Repository provides common storage operations shared across all repositories.
// Implementations must be thread-safe and support concurrent access.
type Repository interface {
	// Close releases repository resources. The shared backend is closed separately.
	Close() error
}

// FragmentRepository is the Embedding Store: content fragments with vectors,
// derived token representations, and scope attributes.
type FragmentRepository interface {
	Repository

	// AddFragments validates and stores fragments.
	// For fragments with ID=0, generates new IDs from a sequence.
	// Derives the token representation and sets InsertedAt/UpdatedAt.
	// Returns core.ErrDimensionMismatch if a vector's width differs from the store's.
	AddFragments(ctx context.Context, fragments ...*core.ContentFragment) ([]*core.ContentFragment, error)

	// UpdateFragments replaces existing fragments, re-deriving tokens and scope indexes.
	// Returns ErrNotFound if any fragment doesn't exist.
	UpdateFragments(ctx context.Context, fragments ...*core.ContentFragment) ([]*core.ContentFragment, error)

	// DeleteFragments removes fragments and their scope indexes.
	// Returns ErrNotFound if any fragment doesn't exist.
	DeleteFragments(ctx context.Context, ids ...core.ID) error

	// GetFragment retrieves a single fragment by ID.
	// Returns ErrNotFound if the fragment doesn't exist.
	GetFragment(ctx context.Context, id core.ID) (*core.ContentFragment, error)

	// GetFragments retrieves multiple fragments by ID.
	// Returns only the fragments that exist (no error for missing fragments).
	GetFragments(ctx context.Context, ids ...core.ID) ([]*core.ContentFragment, error)

	// ScanFragments calls fn for every fragment matching scope, in ID order per partition.
	// Only the scope's tenant partition (and the global partition when the scope
	// includes it) is read. fn may return ErrStopScan to end the scan early.
	// Returns core.ErrScope for an unresolved scope.
	ScanFragments(ctx context.Context, scope core.Scope, fn func(*core.ContentFragment) error) error

	// ListFragments returns up to limit fragments with ID > afterID across all tenants,
	// ordered by ID. Intended for maintenance jobs.
	ListFragments(ctx context.Context, afterID core.ID, limit int) ([]*core.ContentFragment, error)

	// CountFragments returns the total number of stored fragments.
	CountFragments(ctx context.Context) (int, error)

	// EmbeddingDimension returns the recorded fragment vector width, or 0 if none.
	EmbeddingDimension(ctx context.Context) (int, error)

	// SetEmbeddingDimension overrides the recorded width, e.g. after re-embedding.
	SetEmbeddingDimension(ctx context.Context, dim int) error
}

// NodeMergeFunc computes the new state of a node inside an atomic upsert.
// existing is nil when the node does not exist yet. The function may run more than
// once when a write conflict forces a retry, so it must not have side effects.
type NodeMergeFunc func(existing *core.KnowledgeNode) (*core.KnowledgeNode, error)

// EdgeMergeFunc computes the new state of an edge inside an atomic upsert.
// The same retry rules as NodeMergeFunc apply.
type EdgeMergeFunc func(existing *core.KnowledgeEdge) (*core.KnowledgeEdge, error)

// GraphRepository is the Knowledge Graph Store. Every operation is keyed by tenant
// and can never observe another tenant's nodes or edges.
type GraphRepository interface {
	Repository

	// UpsertNode atomically resolves the node named name (case-insensitive) within
	// tenant and stores the result of merge. Returns the stored node and whether it
	// was inserted. Concurrent upserts of one name are serialized by the store;
	// ErrConcurrentMergeConflict is only returned once retries are exhausted.
	UpsertNode(ctx context.Context, tenant core.TenantID, name string, merge NodeMergeFunc) (*core.KnowledgeNode, bool, error)

	// GetNode retrieves a node by ID. Returns ErrNotFound if it doesn't exist.
	GetNode(ctx context.Context, tenant core.TenantID, id core.ID) (*core.KnowledgeNode, error)

	// GetNodes retrieves the nodes that exist among ids.
	GetNodes(ctx context.Context, tenant core.TenantID, ids ...core.ID) ([]*core.KnowledgeNode, error)

	// FindNodeByName resolves a node by case-insensitive name.
	// Returns ErrNotFound if no node matches.
	FindNodeByName(ctx context.Context, tenant core.TenantID, name string) (*core.KnowledgeNode, error)

	// DeleteNodes removes nodes together with their edges and provenance links.
	DeleteNodes(ctx context.Context, tenant core.TenantID, ids ...core.ID) error

	// ScanNodes calls fn for every node of tenant, or of all tenants when tenant is empty.
	ScanNodes(ctx context.Context, tenant core.TenantID, fn func(*core.KnowledgeNode) error) error

	// ListNodes returns up to limit nodes of tenant with ID greater than afterID, in ID order.
	ListNodes(ctx context.Context, tenant core.TenantID, afterID core.ID, limit int) ([]*core.KnowledgeNode, error)

	// UpdateNodeVectors replaces the vectors of existing nodes.
	UpdateNodeVectors(ctx context.Context, nodes ...*core.KnowledgeNode) error

	// UpsertEdge atomically resolves the (source, target, type) edge within tenant and
	// stores the result of merge. Both endpoints must exist in tenant.
	UpsertEdge(ctx context.Context, tenant core.TenantID, source, target core.ID, edgeType core.EdgeType, merge EdgeMergeFunc) (*core.KnowledgeEdge, bool, error)

	// GetEdge retrieves one edge. Returns ErrNotFound if it doesn't exist.
	GetEdge(ctx context.Context, tenant core.TenantID, source, target core.ID, edgeType core.EdgeType) (*core.KnowledgeEdge, error)

	// OutgoingEdges lists edges leaving source, optionally restricted to types,
	// ordered by target ID then type.
	OutgoingEdges(ctx context.Context, tenant core.TenantID, source core.ID, types ...core.EdgeType) ([]*core.KnowledgeEdge, error)

	// IncomingEdges lists edges arriving at target, optionally restricted to types.
	IncomingEdges(ctx context.Context, tenant core.TenantID, target core.ID, types ...core.EdgeType) ([]*core.KnowledgeEdge, error)

	// LinkSource records that node was extracted from fragment.
	// Returns false when the link already existed.
	LinkSource(ctx context.Context, tenant core.TenantID, nodeID, fragmentID core.ID) (bool, error)

	// NodeSources lists the fragments a node was extracted from.
	NodeSources(ctx context.Context, tenant core.TenantID, nodeID core.ID) ([]core.ID, error)

	// FindSimilarNodes returns up to limit nodes of tenant with cosine similarity >= minSimilarity,
	// highest first, ties broken by ID.
	FindSimilarNodes(ctx context.Context, tenant core.TenantID, vector []float32, minSimilarity float64, limit int) ([]*core.NodeMatch, error)

	// CountNodes returns the number of nodes owned by tenant.
	CountNodes(ctx context.Context, tenant core.TenantID) (int, error)

	// CountEdges returns the number of edges owned by tenant.
	CountEdges(ctx context.Context, tenant core.TenantID) (int, error)

	// EmbeddingDimension returns the recorded node vector width, or 0 if none.
	EmbeddingDimension(ctx context.Context) (int, error)

	// SetEmbeddingDimension overrides the recorded node vector width.
	SetEmbeddingDimension(ctx context.Context, dim int) error
}

// CheckpointRepository persists progress of resumable maintenance processors.
type CheckpointRepository interface {
	// SaveCheckpoint persists a checkpoint for its processor type.
	SaveCheckpoint(ctx context.Context, checkpoint *core.Checkpoint) error

	// LoadCheckpoint returns the checkpoint for processorType, or nil, nil if none exists.
	LoadCheckpoint(ctx context.Context, processorType string) (*core.Checkpoint, error)

	// DeleteCheckpoint removes the checkpoint for processorType.
	DeleteCheckpoint(ctx context.Context, processorType string) error
}
