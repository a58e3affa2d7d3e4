package reembed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEmbedder for testing
type mockEmbedder struct {
	embedTextsFunc func(ctx context.Context, texts []string) ([][]float32, error)
	calls          int
}

func (m *mockEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vectors, err := m.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (m *mockEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls++
	if m.embedTextsFunc != nil {
		return m.embedTextsFunc(ctx, texts)
	}
	// Default: return unnormalized vectors for each text
	result := make([][]float32, len(texts))
	for i := range texts {
		result[i] = []float32{1.0, 2.0, 2.0} // magnitude = 3.0
	}
	return result, nil
}

func assertUnit(t *testing.T, v []float32) {
	t.Helper()
	require.NotEmpty(t, v, "should have embedding")
	var magnitude float32
	for _, x := range v {
		magnitude += x * x
	}
	assert.InDelta(t, 1.0, magnitude, 0.01, "vector should be normalized")
}

func TestFragmentBatchProcessor_Process(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	added := addFragments(t, store.fragments, "acme", "test 1", "test 2")

	processor := NewFragmentBatchProcessor(store.fragments, &mockEmbedder{}, 3, time.Millisecond)
	dim, err := processor.Process(ctx, added)
	require.NoError(t, err)
	assert.Equal(t, 3, dim)

	updated, err := store.fragments.GetFragments(ctx, added[0].Id, added[1].Id)
	require.NoError(t, err)
	require.Len(t, updated, 2)
	for _, f := range updated {
		assertUnit(t, f.Vector)
		assert.Equal(t, core.TenantID("acme"), f.TenantID, "scope is preserved")
	}
}

func TestFragmentBatchProcessor_EmptyBatch(t *testing.T) {
	store := setupTestDB(t)
	embedder := &mockEmbedder{}
	dim, err := NewFragmentBatchProcessor(store.fragments, embedder, 3, time.Millisecond).Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, dim)
	assert.Zero(t, embedder.calls)
}

func TestFragmentBatchProcessor_Retries(t *testing.T) {
	store := setupTestDB(t)
	added := addFragments(t, store.fragments, "acme", "test 1")

	embedder := &mockEmbedder{}
	embedder.embedTextsFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		if embedder.calls < 3 {
			return nil, errors.New("temporary")
		}
		return [][]float32{{0, 3, 4}}, nil
	}

	_, err := NewFragmentBatchProcessor(store.fragments, embedder, 3, time.Millisecond).Process(context.Background(), added)
	require.NoError(t, err)
	assert.Equal(t, 3, embedder.calls)
	assert.InDeltaSlice(t, []float32{0, 0.6, 0.8}, added[0].Vector, 1e-6)
}

func TestFragmentBatchProcessor_Failures(t *testing.T) {
	tests := []struct {
		name    string
		embed   func(context.Context, []string) ([][]float32, error)
		wantErr error
	}{
		{
			name: "count mismatch",
			embed: func(context.Context, []string) ([][]float32, error) {
				return [][]float32{{1, 0}}, nil
			},
			wantErr: ErrEmbeddingCountMismatch,
		},
		{
			name: "mixed widths",
			embed: func(_ context.Context, texts []string) ([][]float32, error) {
				return [][]float32{{1, 0}, {1, 0, 0}}, nil
			},
			wantErr: ErrMixedDimensions,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestDB(t)
			added := addFragments(t, store.fragments, "acme", "test 1", "test 2")
			processor := NewFragmentBatchProcessor(store.fragments, &mockEmbedder{embedTextsFunc: tt.embed}, 1, time.Millisecond)
			_, err := processor.Process(context.Background(), added)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFragmentBatchProcessor_MissingFragment(t *testing.T) {
	store := setupTestDB(t)
	ghost := &core.ContentFragment{Id: 999, TenantID: "acme", Content: "ghost"}
	_, err := NewFragmentBatchProcessor(store.fragments, &mockEmbedder{}, 1, time.Millisecond).Process(context.Background(), []*core.ContentFragment{ghost})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNodeBatchProcessor_Process(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	node, _, err := store.graph.UpsertNode(ctx, "acme", "Attendance Rule", func(*core.KnowledgeNode) (*core.KnowledgeNode, error) {
		return &core.KnowledgeNode{TenantID: "acme", Name: "Attendance Rule", Content: "Students must attend", Type: core.NodeTypeRule}, nil
	})
	require.NoError(t, err)

	var seen []string
	embedder := &mockEmbedder{embedTextsFunc: func(_ context.Context, texts []string) ([][]float32, error) {
		seen = texts
		return [][]float32{{2, 0}}, nil
	}}
	dim, err := NewNodeBatchProcessor(store.graph, embedder, 1, time.Millisecond).Process(ctx, []*core.KnowledgeNode{node})
	require.NoError(t, err)
	assert.Equal(t, 2, dim)
	assert.Equal(t, []string{"Attendance Rule: Students must attend"}, seen)

	stored, err := store.graph.GetNode(ctx, "acme", node.Id)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, stored.Vector)
	assert.Equal(t, "Students must attend", stored.Content, "only the vector changes")
}
