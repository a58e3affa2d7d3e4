package reembed

import (
	"context"

	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
)

const (
	// DefaultBatchSize is the default number of records to fetch in each batch
	DefaultBatchSize = 100
)

// pageFunc fetches up to limit records with ID greater than afterID.
type pageFunc[T any] func(ctx context.Context, afterID core.ID, limit int) ([]T, error)

// forEachPage walks pages until one comes back short. fn sees every page;
// iteration stops on its first error.
func forEachPage[T any](ctx context.Context, afterID core.ID, batchSize int, list pageFunc[T], idOf func(T) core.ID, fn func([]T) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := list(ctx, afterID, batchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < batchSize {
			return nil
		}
		afterID = idOf(page[len(page)-1])
	}
}

// FragmentIterator pages through every stored fragment in ID order.
type FragmentIterator struct {
	repo      storage.FragmentRepository
	batchSize int
}

// NewFragmentIterator creates a fragment iterator.
// batchSize: number of fragments to fetch per page (defaults when <= 0)
func NewFragmentIterator(repo storage.FragmentRepository, batchSize int) *FragmentIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &FragmentIterator{repo: repo, batchSize: batchSize}
}

// ForEach calls fn for each batch of fragments with ID greater than afterID.
func (it *FragmentIterator) ForEach(ctx context.Context, afterID core.ID, fn func([]*core.ContentFragment) error) error {
	return forEachPage(ctx, afterID, it.batchSize, it.repo.ListFragments,
		func(f *core.ContentFragment) core.ID { return f.Id }, fn)
}

// NodeIterator pages through the nodes of one tenant in ID order.
type NodeIterator struct {
	repo      storage.GraphRepository
	tenant    core.TenantID
	batchSize int
}

// NewNodeIterator creates a node iterator over tenant's nodes.
func NewNodeIterator(repo storage.GraphRepository, tenant core.TenantID, batchSize int) *NodeIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &NodeIterator{repo: repo, tenant: tenant, batchSize: batchSize}
}

// ForEach calls fn for each batch of nodes with ID greater than afterID.
func (it *NodeIterator) ForEach(ctx context.Context, afterID core.ID, fn func([]*core.KnowledgeNode) error) error {
	list := func(ctx context.Context, afterID core.ID, limit int) ([]*core.KnowledgeNode, error) {
		return it.repo.ListNodes(ctx, it.tenant, afterID, limit)
	}
	return forEachPage(ctx, afterID, it.batchSize, list,
		func(n *core.KnowledgeNode) core.ID { return n.Id }, fn)
}
