package ingestion

import (
	"context"
	"log/slog"

	"github.com/poiesic/codex/ai"
)

// extractionStage derives a subgraph from fragment text.
type extractionStage struct {
	extractor ai.GraphExtractor
	logger    *slog.Logger
}

func newExtractionStage(extractor ai.GraphExtractor, logger *slog.Logger) *extractionStage {
	return &extractionStage{
		extractor: extractor,
		logger:    logger.With("stage", "extraction"),
	}
}

// extract runs the extractor over text and converts its output.
func (s *extractionStage) extract(ctx context.Context, text string) ([]Entity, []Relation, error) {
	graph, err := s.extractor.ExtractGraph(ctx, text)
	if err != nil {
		s.logger.Error("error extracting graph", "err", err)
		return nil, nil, err
	}
	if graph == nil {
		return nil, nil, nil
	}
	entities, relations := FromExtractedGraph(graph)
	s.logger.Debug("extracted subgraph", "entities", len(entities), "relations", len(relations))
	return entities, relations, nil
}

// FromExtractedGraph converts extractor output into upsert input.
func FromExtractedGraph(graph *ai.ExtractedGraph) ([]Entity, []Relation) {
	entities := make([]Entity, len(graph.Entities))
	for i, e := range graph.Entities {
		entities[i] = Entity{Name: e.Name, Type: e.Type, Description: e.Description}
	}
	relations := make([]Relation, len(graph.Relations))
	for i, r := range graph.Relations {
		relations[i] = Relation{
			SourceName:  r.Source,
			TargetName:  r.Target,
			Type:        r.Type,
			Description: r.Description,
			Weight:      r.Weight,
		}
	}
	return entities, relations
}
