package reembed

import (
	"context"
	"fmt"
	"time"

	"github.com/poiesic/codex/ai"
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/ingestion"
	"github.com/poiesic/codex/storage"
)

// embedBatch embeds texts with retry and returns unit-length vectors of one width.
func embedBatch(ctx context.Context, embedder ai.Embedder, texts []string, maxRetries int, retryDelay time.Duration) ([][]float32, int, error) {
	var embeddings [][]float32
	err := RetryWithBackoff(ctx, func() error {
		var err error
		embeddings, err = embedder.EmbedTexts(ctx, texts)
		return err
	}, maxRetries, retryDelay)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to generate embeddings after %d attempts: %w", maxRetries, err)
	}

	if len(embeddings) != len(texts) {
		return nil, 0, fmt.Errorf("%w: expected %d, got %d", ErrEmbeddingCountMismatch, len(texts), len(embeddings))
	}

	dim := 0
	for i, e := range embeddings {
		if i == 0 {
			dim = len(e)
		} else if len(e) != dim {
			return nil, 0, fmt.Errorf("%w: %d and %d", ErrMixedDimensions, dim, len(e))
		}
		embeddings[i] = NormalizeVector(e)
	}
	return embeddings, dim, nil
}

// FragmentBatchProcessor re-embeds batches of fragments.
type FragmentBatchProcessor struct {
	repo           storage.FragmentRepository
	embedder       ai.Embedder
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewFragmentBatchProcessor creates a fragment batch processor.
// maxRetries: maximum number of retry attempts for embedding API calls
// retryBaseDelay: base delay for exponential backoff
func NewFragmentBatchProcessor(repo storage.FragmentRepository, embedder ai.Embedder, maxRetries int, retryBaseDelay time.Duration) *FragmentBatchProcessor {
	return &FragmentBatchProcessor{
		repo:           repo,
		embedder:       embedder,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}
}

// Process embeds fragment contents and stores the normalized vectors.
// It returns the width of the new vectors, or 0 for an empty batch.
func (bp *FragmentBatchProcessor) Process(ctx context.Context, fragments []*core.ContentFragment) (int, error) {
	if len(fragments) == 0 {
		return 0, nil
	}

	texts := make([]string, len(fragments))
	for i, f := range fragments {
		texts[i] = f.Content
	}

	vectors, dim, err := embedBatch(ctx, bp.embedder, texts, bp.maxRetries, bp.retryBaseDelay)
	if err != nil {
		return 0, err
	}
	for i := range fragments {
		fragments[i].Vector = vectors[i]
	}

	if _, err := bp.repo.UpdateFragments(ctx, fragments...); err != nil {
		return 0, fmt.Errorf("failed to update fragments: %w", err)
	}
	return dim, nil
}

// NodeBatchProcessor re-embeds batches of knowledge nodes.
type NodeBatchProcessor struct {
	repo           storage.GraphRepository
	embedder       ai.Embedder
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewNodeBatchProcessor creates a node batch processor.
func NewNodeBatchProcessor(repo storage.GraphRepository, embedder ai.Embedder, maxRetries int, retryBaseDelay time.Duration) *NodeBatchProcessor {
	return &NodeBatchProcessor{
		repo:           repo,
		embedder:       embedder,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}
}

// Process embeds each node from its name and content, the same text ingestion
// uses, and stores the normalized vectors.
func (bp *NodeBatchProcessor) Process(ctx context.Context, nodes []*core.KnowledgeNode) (int, error) {
	if len(nodes) == 0 {
		return 0, nil
	}

	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = ingestion.EntityText(n.Name, n.Content)
	}

	vectors, dim, err := embedBatch(ctx, bp.embedder, texts, bp.maxRetries, bp.retryBaseDelay)
	if err != nil {
		return 0, err
	}
	for i := range nodes {
		nodes[i].Vector = vectors[i]
	}

	if err := bp.repo.UpdateNodeVectors(ctx, nodes...); err != nil {
		return 0, fmt.Errorf("failed to update nodes: %w", err)
	}
	return dim, nil
}
