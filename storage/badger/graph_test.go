package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGraphRepo(t *testing.T) *GraphRepository {
	t.Helper()
	fragmentRepo, graphRepo, backend, err := NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() {
		graphRepo.Close()
		fragmentRepo.Close()
		backend.Close()
	})
	return graphRepo.(*GraphRepository)
}

func setNode(content string, vector []float32) storage.NodeMergeFunc {
	return func(existing *core.KnowledgeNode) (*core.KnowledgeNode, error) {
		if existing == nil {
			existing = &core.KnowledgeNode{}
		}
		existing.Content = content
		if vector != nil {
			existing.Vector = vector
		}
		return existing, nil
	}
}

func setEdge(weight float64) storage.EdgeMergeFunc {
	return func(existing *core.KnowledgeEdge) (*core.KnowledgeEdge, error) {
		if existing == nil {
			return &core.KnowledgeEdge{Weight: weight, UsageCount: 1}, nil
		}
		existing.UsageCount++
		return existing, nil
	}
}

func mustNode(t *testing.T, repo *GraphRepository, tenant core.TenantID, name string, vector []float32) *core.KnowledgeNode {
	t.Helper()
	node, _, err := repo.UpsertNode(context.Background(), tenant, name, setNode(name+" text", vector))
	require.NoError(t, err)
	return node
}

func TestUpsertNode_InsertThenMerge(t *testing.T) {
	repo := newGraphRepo(t)
	ctx := context.Background()

	node, inserted, err := repo.UpsertNode(ctx, "acme", "Attendance Rule", setNode("attend 80%", nil))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, core.NodeID("acme", "attendance rule"), node.Id)
	assert.Equal(t, core.NodeTypeConcept, node.Type)
	assert.Equal(t, 1, core.TermFrequency(node.Terms, "attendance"))

	again, inserted, err := repo.UpsertNode(ctx, "acme", "ATTENDANCE   rule", setNode("updated", nil))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, node.Id, again.Id)
	assert.Equal(t, "Attendance Rule", again.Name)
	assert.Equal(t, node.InsertedAt, again.InsertedAt)

	found, err := repo.FindNodeByName(ctx, "acme", "attendance rule")
	require.NoError(t, err)
	assert.Equal(t, "updated", found.Content)

	count, err := repo.CountNodes(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpsertNode_TenantIsolation(t *testing.T) {
	repo := newGraphRepo(t)
	ctx := context.Background()

	a := mustNode(t, repo, "acme", "Medical Exception", nil)
	b := mustNode(t, repo, "globex", "Medical Exception", nil)
	assert.NotEqual(t, a.Id, b.Id)

	_, err := repo.GetNode(ctx, "globex", a.Id)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	var names []core.TenantID
	require.NoError(t, repo.ScanNodes(ctx, "acme", func(n *core.KnowledgeNode) error {
		names = append(names, n.TenantID)
		return nil
	}))
	assert.Equal(t, []core.TenantID{"acme"}, names)

	all := 0
	require.NoError(t, repo.ScanNodes(ctx, "", func(*core.KnowledgeNode) error {
		all++
		return nil
	}))
	assert.Equal(t, 2, all)
}

func TestUpsertNode_Rejections(t *testing.T) {
	repo := newGraphRepo(t)
	ctx := context.Background()

	_, _, err := repo.UpsertNode(ctx, "", "x", setNode("", nil))
	assert.ErrorIs(t, err, core.ErrScope)

	_, _, err = repo.UpsertNode(ctx, "acme", "   ", setNode("", nil))
	assert.ErrorIs(t, err, core.ErrEmptyName)

	mustNode(t, repo, "acme", "first", []float32{1, 0, 0})
	_, _, err = repo.UpsertNode(ctx, "acme", "second", setNode("", []float32{1, 0}))
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestUpsertNode_ConcurrentSameName(t *testing.T) {
	backend, err := OpenBackend("", true, WithMaxConflictRetries(256))
	require.NoError(t, err)
	defer backend.Close()
	repo, err := NewGraphRepository(backend)
	require.NoError(t, err)
	ctx := context.Background()

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		ids      = map[core.ID]struct{}{}
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			merge := func(existing *core.KnowledgeNode) (*core.KnowledgeNode, error) {
				if existing == nil {
					existing = &core.KnowledgeNode{}
				}
				existing.Content += fmt.Sprintf("[%d]", i)
				return existing, nil
			}
			node, ins, err := repo.UpsertNode(ctx, "acme", "Shared Concept", merge)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[node.Id] = struct{}{}
			if ins {
				inserted++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, inserted)

	node, err := repo.FindNodeByName(ctx, "acme", "shared concept")
	require.NoError(t, err)
	// Every merge survived.
	for i := range workers {
		assert.Contains(t, node.Content, fmt.Sprintf("[%d]", i))
	}
}

func TestUpsertEdge(t *testing.T) {
	repo := newGraphRepo(t)
	ctx := context.Background()

	rule := mustNode(t, repo, "acme", "Attendance Rule", nil)
	medical := mustNode(t, repo, "acme", "Medical Exception", nil)

	edge, inserted, err := repo.UpsertEdge(ctx, "acme", medical.Id, rule.Id, core.EdgeOverrides, setEdge(0.9))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, core.EdgeID("acme", medical.Id, rule.Id, core.EdgeOverrides), edge.Id)

	edge, inserted, err = repo.UpsertEdge(ctx, "acme", medical.Id, rule.Id, core.EdgeOverrides, setEdge(0.9))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, 2, edge.UsageCount)

	out, err := repo.OutgoingEdges(ctx, "acme", medical.Id)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, rule.Id, out[0].TargetID)

	out, err = repo.OutgoingEdges(ctx, "acme", medical.Id, core.EdgeRequires)
	require.NoError(t, err)
	assert.Empty(t, out)

	in, err := repo.IncomingEdges(ctx, "acme", rule.Id)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, medical.Id, in[0].SourceID)

	count, err := repo.CountEdges(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpsertEdge_Rejections(t *testing.T) {
	repo := newGraphRepo(t)
	ctx := context.Background()

	a := mustNode(t, repo, "acme", "A", nil)
	foreign := mustNode(t, repo, "globex", "B", nil)

	tests := []struct {
		name     string
		target   core.ID
		edgeType core.EdgeType
		want     error
	}{
		{"self loop", a.Id, core.EdgeRequires, core.ErrSelfLoop},
		{"unknown type", foreign.Id, core.EdgeType("LIKES"), core.ErrInvalidEdgeType},
		{"cross tenant", foreign.Id, core.EdgeRequires, core.ErrUnresolvedEntityReference},
		{"missing node", core.ID(12345), core.EdgeRequires, core.ErrUnresolvedEntityReference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := repo.UpsertEdge(ctx, "acme", a.Id, tt.target, tt.edgeType, setEdge(1))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	b := mustNode(t, repo, "acme", "B", nil)
	_, _, err := repo.UpsertEdge(ctx, "acme", a.Id, b.Id, core.EdgeRequires, setEdge(1.5))
	assert.ErrorIs(t, err, core.ErrInvalidEdge)
}

func TestDeleteNodes_Cascades(t *testing.T) {
	repo := newGraphRepo(t)
	ctx := context.Background()

	a := mustNode(t, repo, "acme", "A", nil)
	b := mustNode(t, repo, "acme", "B", nil)
	c := mustNode(t, repo, "acme", "C", nil)
	_, _, err := repo.UpsertEdge(ctx, "acme", a.Id, b.Id, core.EdgeRequires, setEdge(1))
	require.NoError(t, err)
	_, _, err = repo.UpsertEdge(ctx, "acme", b.Id, c.Id, core.EdgeExtends, setEdge(1))
	require.NoError(t, err)
	_, err = repo.LinkSource(ctx, "acme", b.Id, core.ID(7))
	require.NoError(t, err)

	require.NoError(t, repo.DeleteNodes(ctx, "acme", b.Id))

	_, err = repo.GetNode(ctx, "acme", b.Id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = repo.FindNodeByName(ctx, "acme", "B")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	out, err := repo.OutgoingEdges(ctx, "acme", a.Id)
	require.NoError(t, err)
	assert.Empty(t, out)
	in, err := repo.IncomingEdges(ctx, "acme", c.Id)
	require.NoError(t, err)
	assert.Empty(t, in)

	sources, err := repo.NodeSources(ctx, "acme", b.Id)
	require.NoError(t, err)
	assert.Empty(t, sources)

	count, err := repo.CountEdges(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLinkSource(t *testing.T) {
	repo := newGraphRepo(t)
	ctx := context.Background()

	a := mustNode(t, repo, "acme", "A", nil)

	created, err := repo.LinkSource(ctx, "acme", a.Id, core.ID(3))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.LinkSource(ctx, "acme", a.Id, core.ID(3))
	require.NoError(t, err)
	assert.False(t, created)

	_, err = repo.LinkSource(ctx, "acme", a.Id, core.ID(1))
	require.NoError(t, err)

	sources, err := repo.NodeSources(ctx, "acme", a.Id)
	require.NoError(t, err)
	assert.Equal(t, []core.ID{1, 3}, sources)

	_, err = repo.LinkSource(ctx, "globex", a.Id, core.ID(3))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindSimilarNodes(t *testing.T) {
	repo := newGraphRepo(t)
	ctx := context.Background()

	close1 := mustNode(t, repo, "acme", "close", []float32{1, 0, 0})
	mustNode(t, repo, "acme", "orthogonal", []float32{0, 1, 0})
	mustNode(t, repo, "acme", "unembedded", nil)
	mustNode(t, repo, "globex", "foreign", []float32{1, 0, 0})

	matches, err := repo.FindSimilarNodes(ctx, "acme", []float32{1, 0.1, 0}, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, close1.Id, matches[0].Node.Id)
	assert.Greater(t, matches[0].Similarity, 0.9)

	matches, err = repo.FindSimilarNodes(ctx, "acme", []float32{1, 0, 0}, -1, 1)
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	_, err = repo.FindSimilarNodes(ctx, "acme", []float32{1, 0}, 0, 10)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestUpdateNodeVectors(t *testing.T) {
	repo := newGraphRepo(t)
	ctx := context.Background()

	a := mustNode(t, repo, "acme", "A", []float32{1, 0})
	a.Vector = []float32{0, 1, 0}
	a.Content = "ignored"
	require.NoError(t, repo.UpdateNodeVectors(ctx, a))

	got, err := repo.GetNode(ctx, "acme", a.Id)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, got.Vector)
	assert.Equal(t, "A text", got.Content)
}

func TestListNodes_Pagination(t *testing.T) {
	repo := newGraphRepo(t)
	ctx := context.Background()

	for i := range 7 {
		mustNode(t, repo, "acme", fmt.Sprintf("node %d", i), nil)
	}
	mustNode(t, repo, "globex", "other", nil)

	var (
		seen    []core.ID
		afterID core.ID
	)
	for {
		page, err := repo.ListNodes(ctx, "acme", afterID, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 3)
		for _, n := range page {
			assert.Equal(t, core.TenantID("acme"), n.TenantID)
			assert.Greater(t, n.Id, afterID)
			seen = append(seen, n.Id)
			afterID = n.Id
		}
	}
	assert.Len(t, seen, 7)
	assert.IsIncreasing(t, seen)

	_, err := repo.ListNodes(ctx, "acme", 0, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
	_, err = repo.ListNodes(ctx, "", 0, 10)
	assert.ErrorIs(t, err, core.ErrScope)
}
