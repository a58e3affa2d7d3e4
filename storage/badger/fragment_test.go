package badger

import (
	"context"
	"testing"

	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFragmentRepo(t *testing.T) *FragmentRepository {
	t.Helper()
	fragmentRepo, graphRepo, backend, err := NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() {
		graphRepo.Close()
		fragmentRepo.Close()
		backend.Close()
	})
	return fragmentRepo.(*FragmentRepository)
}

func collectScope(t *testing.T, repo *FragmentRepository, scope core.Scope) []*core.ContentFragment {
	t.Helper()
	var out []*core.ContentFragment
	err := repo.ScanFragments(context.Background(), scope, func(f *core.ContentFragment) error {
		out = append(out, f)
		return nil
	})
	require.NoError(t, err)
	return out
}

func boolPtr(b bool) *bool    { return &b }
func strPtr(s string) *string { return &s }

func TestFragmentBasics(t *testing.T) {
	repo := newFragmentRepo(t)
	ctx := context.Background()

	added, err := repo.AddFragments(ctx, &core.ContentFragment{
		TenantID: "acme",
		Content:  "Students must attend eighty percent of sessions",
		Vector:   []float32{1, 0, 0},
	})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.NotZero(t, added[0].Id)
	assert.NotEmpty(t, added[0].Terms)
	assert.False(t, added[0].InsertedAt.IsZero())

	got, err := repo.GetFragment(ctx, added[0].Id)
	require.NoError(t, err)
	assert.Equal(t, "Students must attend eighty percent of sessions", got.Content)
	assert.Equal(t, 1, core.TermFrequency(got.Terms, "attend"))

	dim, err := repo.EmbeddingDimension(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, dim)

	count, err := repo.CountFragments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = repo.GetFragment(ctx, core.ID(9999))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAddFragments_Validation(t *testing.T) {
	repo := newFragmentRepo(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		fragment *core.ContentFragment
	}{
		{"missing tenant", &core.ContentFragment{Content: "x"}},
		{"blank content", &core.ContentFragment{TenantID: "acme", Content: "  "}},
		{"global with tenant", &core.ContentFragment{TenantID: "acme", IsGlobal: true, Content: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.AddFragments(ctx, tt.fragment)
			assert.ErrorIs(t, err, core.ErrInvalidFragment)
		})
	}

	count, err := repo.CountFragments(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAddFragments_DimensionMismatch(t *testing.T) {
	repo := newFragmentRepo(t)
	ctx := context.Background()

	_, err := repo.AddFragments(ctx, &core.ContentFragment{TenantID: "acme", Content: "a", Vector: []float32{1, 0, 0}})
	require.NoError(t, err)

	_, err = repo.AddFragments(ctx,
		&core.ContentFragment{TenantID: "acme", Content: "b", Vector: []float32{1, 0, 0}},
		&core.ContentFragment{TenantID: "acme", Content: "c", Vector: []float32{1, 0}},
	)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	// The batch is atomic.
	count, err := repo.CountFragments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestScanFragments_TenantIsolation(t *testing.T) {
	repo := newFragmentRepo(t)
	ctx := context.Background()

	_, err := repo.AddFragments(ctx,
		&core.ContentFragment{TenantID: "acme", Content: "acme handbook", CollectionID: "handbook"},
		&core.ContentFragment{TenantID: "acme", Content: "acme policy", CollectionID: "policy"},
		&core.ContentFragment{TenantID: "acme-2", Content: "other tenant"},
		&core.ContentFragment{TenantID: "ac", Content: "prefix tenant"},
		&core.ContentFragment{IsGlobal: true, Content: "national law"},
	)
	require.NoError(t, err)

	acme, err := core.TenantScope("acme")
	require.NoError(t, err)
	got := collectScope(t, repo, acme)
	require.Len(t, got, 2)
	for _, f := range got {
		assert.Equal(t, core.TenantID("acme"), f.TenantID)
	}

	withGlobal, err := core.ResolveScope(core.ScopeDescriptor{TenantID: "acme", IsGlobal: boolPtr(true)})
	require.NoError(t, err)
	assert.Len(t, collectScope(t, repo, withGlobal), 3)

	collection, err := core.ResolveScope(core.ScopeDescriptor{TenantID: "acme", CollectionID: strPtr("policy")})
	require.NoError(t, err)
	got = collectScope(t, repo, collection)
	require.Len(t, got, 1)
	assert.Equal(t, "acme policy", got[0].Content)

	err = repo.ScanFragments(ctx, core.Scope{}, func(*core.ContentFragment) error { return nil })
	assert.ErrorIs(t, err, core.ErrScope)
}

func TestScanFragments_StopScan(t *testing.T) {
	repo := newFragmentRepo(t)
	ctx := context.Background()

	for range 5 {
		_, err := repo.AddFragments(ctx, &core.ContentFragment{TenantID: "acme", Content: "x"})
		require.NoError(t, err)
	}

	scope, err := core.TenantScope("acme")
	require.NoError(t, err)
	seen := 0
	err = repo.ScanFragments(ctx, scope, func(*core.ContentFragment) error {
		seen++
		if seen == 2 {
			return storage.ErrStopScan
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
}

func TestUpdateFragments_MovesScopeIndex(t *testing.T) {
	repo := newFragmentRepo(t)
	ctx := context.Background()

	added, err := repo.AddFragments(ctx, &core.ContentFragment{TenantID: "acme", Content: "draft"})
	require.NoError(t, err)

	moved := *added[0]
	moved.TenantID = "globex"
	moved.Content = "final"
	_, err = repo.UpdateFragments(ctx, &moved)
	require.NoError(t, err)

	acme, _ := core.TenantScope("acme")
	globex, _ := core.TenantScope("globex")
	assert.Empty(t, collectScope(t, repo, acme))
	got := collectScope(t, repo, globex)
	require.Len(t, got, 1)
	assert.Equal(t, "final", got[0].Content)

	_, err = repo.UpdateFragments(ctx, &core.ContentFragment{Id: 777, TenantID: "acme", Content: "x"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteFragments(t *testing.T) {
	repo := newFragmentRepo(t)
	ctx := context.Background()

	added, err := repo.AddFragments(ctx, &core.ContentFragment{TenantID: "acme", Content: "gone soon"})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteFragments(ctx, added[0].Id))
	acme, _ := core.TenantScope("acme")
	assert.Empty(t, collectScope(t, repo, acme))

	err = repo.DeleteFragments(ctx, added[0].Id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListFragments_Pagination(t *testing.T) {
	repo := newFragmentRepo(t)
	ctx := context.Background()

	for range 5 {
		_, err := repo.AddFragments(ctx, &core.ContentFragment{TenantID: "acme", Content: "page"})
		require.NoError(t, err)
	}

	first, err := repo.ListFragments(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)

	rest, err := repo.ListFragments(ctx, first[2].Id, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Greater(t, rest[0].Id, first[2].Id)

	_, err = repo.ListFragments(ctx, 0, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}
