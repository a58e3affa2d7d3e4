package ingestion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poiesic/codex/ai"
	"github.com/poiesic/codex/core"
)

// embeddingStage fills in missing fragment and entity vectors.
type embeddingStage struct {
	embedder ai.Embedder
	logger   *slog.Logger
}

func newEmbeddingStage(embedder ai.Embedder, logger *slog.Logger) *embeddingStage {
	return &embeddingStage{
		embedder: embedder,
		logger:   logger.With("stage", "embeddings"),
	}
}

// embedFragment sets the fragment vector when it has none.
func (s *embeddingStage) embedFragment(ctx context.Context, fragment *core.ContentFragment) error {
	if len(fragment.Vector) > 0 {
		return nil
	}
	vector, err := s.embedder.EmbedText(ctx, fragment.Content)
	if err != nil {
		s.logger.Error("error generating fragment embedding", "err", err)
		return err
	}
	fragment.Vector = vector
	return nil
}

// embedEntities sets vectors on entities that have none, in one batch.
// Entities are embedded as "name: description" so the name dominates short texts.
func (s *embeddingStage) embedEntities(ctx context.Context, entities []Entity) error {
	var (
		texts []string
		slots []int
	)
	for i, e := range entities {
		if len(e.Vector) > 0 || core.NormalizeName(e.Name) == "" {
			continue
		}
		texts = append(texts, EntityText(e.Name, e.Description))
		slots = append(slots, i)
	}
	if len(texts) == 0 {
		return nil
	}

	s.logger.Debug("generating entity embeddings", "entities", len(texts))
	vectors, err := s.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		s.logger.Error("error generating entity embeddings", "err", err)
		return err
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedding result mismatch. expected %d, received %d", len(texts), len(vectors))
	}
	for j, i := range slots {
		entities[i].Vector = vectors[j]
	}
	return nil
}

// EntityText is the text an entity or node is embedded from.
func EntityText(name, description string) string {
	if description == "" {
		return name
	}
	return name + ": " + description
}
