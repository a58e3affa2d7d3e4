package reembed

import (
	"context"
	"fmt"
	"testing"

	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
	"github.com/poiesic/codex/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStore struct {
	fragments   storage.FragmentRepository
	graph       storage.GraphRepository
	checkpoints *badger.CheckpointRepository
}

func setupTestDB(t *testing.T) *testStore {
	t.Helper()
	fragments, graph, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() {
		fragments.Close()
		graph.Close()
		backend.Close()
	})
	return &testStore{
		fragments:   fragments,
		graph:       graph,
		checkpoints: badger.NewCheckpointRepository(backend),
	}
}

func addFragments(t *testing.T, repo storage.FragmentRepository, tenant core.TenantID, contents ...string) []*core.ContentFragment {
	t.Helper()
	fragments := make([]*core.ContentFragment, len(contents))
	for i, c := range contents {
		fragments[i] = &core.ContentFragment{TenantID: tenant, IsGlobal: tenant == "", Content: c}
	}
	added, err := repo.AddFragments(context.Background(), fragments...)
	require.NoError(t, err)
	return added
}

func numbered(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s %d", prefix, i+1)
	}
	return out
}

func TestFragmentIterator_Basic(t *testing.T) {
	store := setupTestDB(t)
	added := addFragments(t, store.fragments, "acme", numbered("fragment", 5)...)
	addFragments(t, store.fragments, "", "global fragment")

	iter := NewFragmentIterator(store.fragments, 2)
	var batches []int
	var ids []core.ID
	err := iter.ForEach(context.Background(), 0, func(batch []*core.ContentFragment) error {
		batches = append(batches, len(batch))
		for _, f := range batch {
			ids = append(ids, f.Id)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, batches)
	require.Len(t, ids, 6)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i], "fragments come in ID order")
	}
	assert.Equal(t, added[0].Id, ids[0])
}

func TestFragmentIterator_AfterID(t *testing.T) {
	store := setupTestDB(t)
	added := addFragments(t, store.fragments, "acme", numbered("fragment", 4)...)

	var ids []core.ID
	err := NewFragmentIterator(store.fragments, 10).ForEach(context.Background(), added[1].Id, func(batch []*core.ContentFragment) error {
		for _, f := range batch {
			ids = append(ids, f.Id)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []core.ID{added[2].Id, added[3].Id}, ids)
}

func TestFragmentIterator_Empty(t *testing.T) {
	store := setupTestDB(t)
	called := false
	err := NewFragmentIterator(store.fragments, 0).ForEach(context.Background(), 0, func([]*core.ContentFragment) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestFragmentIterator_StopsOnError(t *testing.T) {
	store := setupTestDB(t)
	addFragments(t, store.fragments, "acme", numbered("fragment", 5)...)

	boom := fmt.Errorf("boom")
	calls := 0
	err := NewFragmentIterator(store.fragments, 2).ForEach(context.Background(), 0, func([]*core.ContentFragment) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestFragmentIterator_ContextCanceled(t *testing.T) {
	store := setupTestDB(t)
	addFragments(t, store.fragments, "acme", numbered("fragment", 5)...)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := NewFragmentIterator(store.fragments, 2).ForEach(ctx, 0, func([]*core.ContentFragment) error {
		calls++
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestNodeIterator_TenantScoped(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	for _, tenant := range []core.TenantID{"acme", "globex"} {
		for i := 0; i < 3; i++ {
			name := fmt.Sprintf("%s node %d", tenant, i)
			_, _, err := store.graph.UpsertNode(ctx, tenant, name, func(*core.KnowledgeNode) (*core.KnowledgeNode, error) {
				return &core.KnowledgeNode{TenantID: tenant, Name: name, Type: core.NodeTypeConcept}, nil
			})
			require.NoError(t, err)
		}
	}

	var names []string
	err := NewNodeIterator(store.graph, "acme", 2).ForEach(ctx, 0, func(batch []*core.KnowledgeNode) error {
		for _, n := range batch {
			assert.Equal(t, core.TenantID("acme"), n.TenantID)
			names = append(names, n.Name)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, names, 3)
}
