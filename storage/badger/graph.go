package badger

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
)

// GraphRepository implements storage.GraphRepository for BadgerDB.
//
// Nodes are keyed by (tenant, id) and resolved by name through a unique
// (tenant, lower(name)) index. Edges are keyed by (tenant, source, target, type)
// with a reverse index for incoming traversal.
type GraphRepository struct {
	backend *Backend
}

var _ storage.GraphRepository = (*GraphRepository)(nil)

// NewGraphRepository creates a new GraphRepository.
func NewGraphRepository(backend *Backend) (*GraphRepository, error) {
	return &GraphRepository{
		backend: backend,
	}, nil
}

// Close is a no-op; the backend is closed by its owner.
func (r *GraphRepository) Close() error {
	return nil
}

// UpsertNode resolves, merges and stores a node in one conflict-checked transaction.
func (r *GraphRepository) UpsertNode(ctx context.Context, tenant core.TenantID, name string, merge storage.NodeMergeFunc) (*core.KnowledgeNode, bool, error) {
	if err := core.ValidateTenant(string(tenant)); err != nil {
		return nil, false, err
	}
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return nil, false, fmt.Errorf("%w: %w", core.ErrInvalidNode, core.ErrEmptyName)
	}

	var (
		stored   *core.KnowledgeNode
		inserted bool
	)
	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		existing, err := readNodeByName(tx, tenant, name)
		if err != nil {
			return err
		}

		next, err := merge(existing)
		if err != nil {
			return err
		}
		if next == nil {
			return fmt.Errorf("%w: merge returned no node for %q", core.ErrInvalidNode, name)
		}

		now := time.Now().UTC()
		next.TenantID = tenant
		if existing != nil {
			next.Id = existing.Id
			next.Name = existing.Name
			next.InsertedAt = existing.InsertedAt
		} else {
			next.Id = core.NodeID(tenant, name)
			next.Name = name
			next.InsertedAt = now
			// Hash collisions between distinct names must not overwrite each other.
			other, err := readNode(tx, makeNodeKey(tenant, next.Id))
			if err != nil {
				return err
			}
			if other != nil {
				return fmt.Errorf("%w: node id %v of %q already used by %q", storage.ErrIDCollision, next.Id, name, other.Name)
			}
		}
		if next.Type == "" {
			next.Type = core.NodeTypeConcept
		}
		if err := core.ValidateNode(next); err != nil {
			return err
		}
		if err := newDimensionGuard(nodeDimension).check(tx, len(next.Vector)); err != nil {
			return fmt.Errorf("node %q: %w", name, err)
		}

		next.Terms, next.TokenCount = core.Analyze(next.Name + " " + next.Content)
		next.UpdatedAt = now

		if err := tx.Set(makeNodeKey(tenant, next.Id), storage.MarshalNode(next)); err != nil {
			return err
		}
		if err := tx.Set(makeNodeNameKey(tenant, name), storage.MarshalID(next.Id)); err != nil {
			return err
		}

		stored = next
		inserted = existing == nil
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, inserted, nil
}

// GetNode retrieves a node by ID.
func (r *GraphRepository) GetNode(ctx context.Context, tenant core.TenantID, id core.ID) (*core.KnowledgeNode, error) {
	var node *core.KnowledgeNode
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		var err error
		node, err = readNode(tx, makeNodeKey(tenant, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, storage.ErrNotFound
	}
	return node, nil
}

// GetNodes retrieves the nodes that exist among ids.
func (r *GraphRepository) GetNodes(ctx context.Context, tenant core.TenantID, ids ...core.ID) ([]*core.KnowledgeNode, error) {
	nodes := make([]*core.KnowledgeNode, 0, len(ids))
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		for _, id := range ids {
			node, err := readNode(tx, makeNodeKey(tenant, id))
			if err != nil {
				return err
			}
			if node != nil {
				nodes = append(nodes, node)
			}
		}
		return nil
	})
	return nodes, err
}

// FindNodeByName resolves a node by case-insensitive name.
func (r *GraphRepository) FindNodeByName(ctx context.Context, tenant core.TenantID, name string) (*core.KnowledgeNode, error) {
	var node *core.KnowledgeNode
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		var err error
		node, err = readNodeByName(tx, tenant, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, storage.ErrNotFound
	}
	return node, nil
}

// DeleteNodes removes nodes with every edge touching them and their provenance links.
func (r *GraphRepository) DeleteNodes(ctx context.Context, tenant core.TenantID, ids ...core.ID) error {
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		for _, id := range ids {
			node, err := readNode(tx, makeNodeKey(tenant, id))
			if err != nil {
				return err
			}
			if node == nil {
				return fmt.Errorf("node %v: %w", id, storage.ErrNotFound)
			}

			keys := [][]byte{makeNodeKey(tenant, id), makeNodeNameKey(tenant, node.Name)}

			outPrefix := makePartialEdgeKey(tenant, id)
			for _, key := range collectKeys(tx, outPrefix) {
				target, edgeType := parseEdgeKey(key, len(outPrefix))
				keys = append(keys, key, makeIncomingEdgeKey(tenant, target, id, edgeType))
			}

			inPrefix := makePartialIncomingEdgeKey(tenant, id)
			for _, key := range collectKeys(tx, inPrefix) {
				source, edgeType := parseIncomingEdgeKey(key, len(inPrefix))
				keys = append(keys, key, makeEdgeKey(tenant, source, id, edgeType))
			}

			keys = append(keys, collectKeys(tx, makePartialProvenanceKey(tenant, id))...)

			for _, key := range keys {
				if err := tx.Delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ScanNodes calls fn for every node of tenant, or of every tenant when tenant is empty.
func (r *GraphRepository) ScanNodes(ctx context.Context, tenant core.TenantID, fn func(*core.KnowledgeNode) error) error {
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makePartialNodeKey(tenant)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		seen := 0
		for iter.Rewind(); iter.Valid(); iter.Next() {
			seen++
			if seen%scanCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			var node *core.KnowledgeNode
			err := iter.Item().Value(func(val []byte) error {
				var uerr error
				node, uerr = storage.UnmarshalNode(val)
				return uerr
			})
			if err != nil {
				return err
			}
			if err := fn(node); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, storage.ErrStopScan) {
		return nil
	}
	return err
}

// ListNodes pages through one tenant's nodes in ID order.
func (r *GraphRepository) ListNodes(ctx context.Context, tenant core.TenantID, afterID core.ID, limit int) ([]*core.KnowledgeNode, error) {
	if err := core.ValidateTenant(string(tenant)); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, storage.ErrInvalidQuery
	}

	nodes := make([]*core.KnowledgeNode, 0, min(limit, 1024))
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makePartialNodeKey(tenant)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Seek(makeNodeKey(tenant, afterID)); iter.Valid() && len(nodes) < limit; iter.Next() {
			item := iter.Item()
			if lastID(item.Key()) <= afterID {
				continue
			}
			err := item.Value(func(val []byte) error {
				node, err := storage.UnmarshalNode(val)
				if err != nil {
					return err
				}
				nodes = append(nodes, node)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return nodes, err
}

// UpdateNodeVectors replaces the vectors of existing nodes, leaving other fields untouched.
func (r *GraphRepository) UpdateNodeVectors(ctx context.Context, nodes ...*core.KnowledgeNode) error {
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		now := time.Now().UTC()
		for _, n := range nodes {
			key := makeNodeKey(n.TenantID, n.Id)
			existing, err := readNode(tx, key)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("node %v: %w", n.Id, storage.ErrNotFound)
			}
			existing.Vector = n.Vector
			existing.UpdatedAt = now
			if err := tx.Set(key, storage.MarshalNode(existing)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertEdge resolves, merges and stores an edge in one conflict-checked transaction.
// The endpoint reads join the transaction's read set, so a concurrent delete of
// either node forces a retry.
func (r *GraphRepository) UpsertEdge(ctx context.Context, tenant core.TenantID, source, target core.ID, edgeType core.EdgeType, merge storage.EdgeMergeFunc) (*core.KnowledgeEdge, bool, error) {
	if err := core.ValidateTenant(string(tenant)); err != nil {
		return nil, false, err
	}
	if !edgeType.IsValid() {
		return nil, false, fmt.Errorf("%w: %q", core.ErrInvalidEdgeType, edgeType)
	}
	if source == target {
		return nil, false, fmt.Errorf("%w: node %v", core.ErrSelfLoop, source)
	}

	var (
		stored   *core.KnowledgeEdge
		inserted bool
	)
	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		for _, id := range []core.ID{source, target} {
			if _, err := tx.Get(makeNodeKey(tenant, id)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("%w: node %v not found in tenant %q", core.ErrUnresolvedEntityReference, id, tenant)
				}
				return err
			}
		}

		key := makeEdgeKey(tenant, source, target, edgeType)
		existing, err := readEdge(tx, key)
		if err != nil {
			return err
		}

		next, err := merge(existing)
		if err != nil {
			return err
		}
		if next == nil {
			return fmt.Errorf("%w: merge returned no edge", core.ErrInvalidEdge)
		}

		now := time.Now().UTC()
		next.Id = core.EdgeID(tenant, source, target, edgeType)
		next.TenantID = tenant
		next.SourceID = source
		next.TargetID = target
		next.Type = edgeType
		if existing != nil {
			next.InsertedAt = existing.InsertedAt
		} else {
			next.InsertedAt = now
		}
		next.UpdatedAt = now
		if err := core.ValidateEdge(next); err != nil {
			return err
		}

		if err := tx.Set(key, storage.MarshalEdge(next)); err != nil {
			return err
		}
		if err := tx.Set(makeIncomingEdgeKey(tenant, target, source, edgeType), nil); err != nil {
			return err
		}

		stored = next
		inserted = existing == nil
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, inserted, nil
}

// GetEdge retrieves one edge.
func (r *GraphRepository) GetEdge(ctx context.Context, tenant core.TenantID, source, target core.ID, edgeType core.EdgeType) (*core.KnowledgeEdge, error) {
	var edge *core.KnowledgeEdge
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		var err error
		edge, err = readEdge(tx, makeEdgeKey(tenant, source, target, edgeType))
		return err
	})
	if err != nil {
		return nil, err
	}
	if edge == nil {
		return nil, storage.ErrNotFound
	}
	return edge, nil
}

// OutgoingEdges lists edges leaving source.
func (r *GraphRepository) OutgoingEdges(ctx context.Context, tenant core.TenantID, source core.ID, types ...core.EdgeType) ([]*core.KnowledgeEdge, error) {
	var edges []*core.KnowledgeEdge
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		prefix := makePartialEdgeKey(tenant, source)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			item := iter.Item()
			_, edgeType := parseEdgeKey(item.Key(), len(prefix))
			if !typeSelected(edgeType, types) {
				continue
			}
			err := item.Value(func(val []byte) error {
				edge, err := storage.UnmarshalEdge(val)
				if err != nil {
					return err
				}
				edges = append(edges, edge)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return edges, err
}

// IncomingEdges lists edges arriving at target through the reverse index.
func (r *GraphRepository) IncomingEdges(ctx context.Context, tenant core.TenantID, target core.ID, types ...core.EdgeType) ([]*core.KnowledgeEdge, error) {
	var edges []*core.KnowledgeEdge
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		prefix := makePartialIncomingEdgeKey(tenant, target)
		for _, key := range collectKeys(tx, prefix) {
			source, edgeType := parseIncomingEdgeKey(key, len(prefix))
			if !typeSelected(edgeType, types) {
				continue
			}
			edge, err := readEdge(tx, makeEdgeKey(tenant, source, target, edgeType))
			if err != nil {
				return err
			}
			if edge != nil {
				edges = append(edges, edge)
			}
		}
		return nil
	})
	return edges, err
}

// LinkSource records node provenance. The node must exist.
func (r *GraphRepository) LinkSource(ctx context.Context, tenant core.TenantID, nodeID, fragmentID core.ID) (bool, error) {
	created := false
	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		created = false
		if _, err := tx.Get(makeNodeKey(tenant, nodeID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("node %v: %w", nodeID, storage.ErrNotFound)
			}
			return err
		}

		key := makeProvenanceKey(tenant, nodeID, fragmentID)
		_, err := tx.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return tx.Set(key, nil)
	})
	return created, err
}

// NodeSources lists the fragments a node was extracted from, in ID order.
func (r *GraphRepository) NodeSources(ctx context.Context, tenant core.TenantID, nodeID core.ID) ([]core.ID, error) {
	var ids []core.ID
	err := r.backend.View(ctx, func(tx *badger.Txn) error {
		for _, key := range collectKeys(tx, makePartialProvenanceKey(tenant, nodeID)) {
			ids = append(ids, lastID(key))
		}
		return nil
	})
	return ids, err
}

// FindSimilarNodes ranks the tenant's embedded nodes by cosine similarity to vector.
func (r *GraphRepository) FindSimilarNodes(ctx context.Context, tenant core.TenantID, vector []float32, minSimilarity float64, limit int) ([]*core.NodeMatch, error) {
	if err := core.ValidateTenant(string(tenant)); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, storage.ErrInvalidQuery
	}
	dim, err := r.EmbeddingDimension(ctx)
	if err != nil {
		return nil, err
	}
	if err := core.CheckDimension(vector, dim); err != nil {
		return nil, err
	}

	var matches []*core.NodeMatch
	err = r.ScanNodes(ctx, tenant, func(node *core.KnowledgeNode) error {
		if len(node.Vector) != len(vector) {
			return nil
		}
		sim, err := core.CosineSimilarity(vector, node.Vector)
		if err != nil {
			return err
		}
		if sim >= minSimilarity {
			matches = append(matches, &core.NodeMatch{Node: node, Similarity: sim})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(matches, func(a, b *core.NodeMatch) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.Node.Id, b.Node.Id)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// CountNodes returns the number of nodes owned by tenant.
func (r *GraphRepository) CountNodes(ctx context.Context, tenant core.TenantID) (int, error) {
	if err := core.ValidateTenant(string(tenant)); err != nil {
		return 0, err
	}
	return r.backend.countPrefix(ctx, makePartialNodeKey(tenant))
}

// CountEdges returns the number of edges owned by tenant.
func (r *GraphRepository) CountEdges(ctx context.Context, tenant core.TenantID) (int, error) {
	if err := core.ValidateTenant(string(tenant)); err != nil {
		return 0, err
	}
	return r.backend.countPrefix(ctx, makeTenantEdgePrefix(tenant))
}

// EmbeddingDimension returns the recorded node vector width.
func (r *GraphRepository) EmbeddingDimension(ctx context.Context) (int, error) {
	return r.backend.embeddingDimension(ctx, nodeDimension)
}

// SetEmbeddingDimension overrides the recorded node vector width.
func (r *GraphRepository) SetEmbeddingDimension(ctx context.Context, dim int) error {
	return r.backend.setEmbeddingDimension(ctx, nodeDimension, dim)
}

func readNode(tx *badger.Txn, key []byte) (*core.KnowledgeNode, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var node *core.KnowledgeNode
	err = item.Value(func(val []byte) error {
		var uerr error
		node, uerr = storage.UnmarshalNode(val)
		return uerr
	})
	return node, err
}

func readNodeByName(tx *badger.Txn, tenant core.TenantID, name string) (*core.KnowledgeNode, error) {
	item, err := tx.Get(makeNodeNameKey(tenant, name))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var id core.ID
	err = item.Value(func(val []byte) error {
		var uerr error
		id, uerr = storage.UnmarshalID(val)
		return uerr
	})
	if err != nil {
		return nil, err
	}
	return readNode(tx, makeNodeKey(tenant, id))
}

func readEdge(tx *badger.Txn, key []byte) (*core.KnowledgeEdge, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var edge *core.KnowledgeEdge
	err = item.Value(func(val []byte) error {
		var uerr error
		edge, uerr = storage.UnmarshalEdge(val)
		return uerr
	})
	return edge, err
}

// collectKeys copies every key under prefix so callers can delete or re-read
// after the iterator is closed.
func collectKeys(tx *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	iter := tx.NewIterator(opts)
	defer iter.Close()

	var keys [][]byte
	for iter.Rewind(); iter.Valid(); iter.Next() {
		keys = append(keys, bytes.Clone(iter.Item().Key()))
	}
	return keys
}

func typeSelected(t core.EdgeType, types []core.EdgeType) bool {
	return len(types) == 0 || slices.Contains(types, t)
}
