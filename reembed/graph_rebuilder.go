package reembed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/poiesic/codex/ai"
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/ingestion"
	"github.com/poiesic/codex/storage"
)

// GraphRebuilder re-runs graph extraction over stored fragments and merges the
// results into the knowledge graph. Merging is idempotent, so rebuilding over an
// existing graph only adds what is missing.
type GraphRebuilder struct {
	fragments   storage.FragmentRepository
	upserter    *ingestion.Upserter
	extractor   ai.GraphExtractor
	embedder    ai.Embedder
	checkpoints storage.CheckpointRepository
	tenant      core.TenantID
	config      *Config
	progress    io.Writer
	iterator    *FragmentIterator
	logger      *slog.Logger
}

// NewGraphRebuilder creates a graph rebuilder. embedder may be nil, leaving new
// nodes without vectors; checkpoints may be nil.
func NewGraphRebuilder(fragments storage.FragmentRepository, upserter *ingestion.Upserter, extractor ai.GraphExtractor, embedder ai.Embedder, checkpoints storage.CheckpointRepository, config *Config, progress io.Writer) (*GraphRebuilder, error) {
	if fragments == nil {
		return nil, ingestion.ErrFragmentRepositoryRequired
	}
	if upserter == nil || extractor == nil {
		return nil, fmt.Errorf("%w: upserter and extractor are required", ErrInvalidConfig)
	}
	if config == nil {
		config = DefaultConfig()
	}
	return &GraphRebuilder{
		fragments:   fragments,
		upserter:    upserter,
		extractor:   extractor,
		embedder:    embedder,
		checkpoints: checkpoints,
		config:      config,
		progress:    progress,
		iterator:    NewFragmentIterator(fragments, config.BatchSize),
		logger:      slog.Default().With("job", "rebuild-graph"),
	}, nil
}

// ForTenant restricts the rebuild to one tenant's fragments.
func (g *GraphRebuilder) ForTenant(tenant core.TenantID) (*GraphRebuilder, error) {
	if err := core.ValidateTenant(string(tenant)); err != nil {
		return nil, err
	}
	g.tenant = tenant
	return g, nil
}

func (g *GraphRebuilder) checkpointName() string {
	if g.tenant == "" {
		return rebuildCheckpointBase
	}
	return rebuildCheckpointScope + string(g.tenant)
}

// Run walks every fragment. Global fragments and, when restricted, other
// tenants' fragments are skipped. A fragment whose extraction keeps failing is
// counted in Summary.Failed and the walk moves on.
func (g *GraphRebuilder) Run(ctx context.Context) (*Summary, error) {
	return runJob(ctx, job[*core.ContentFragment]{
		checkpoint: g.checkpointName(),
		unit:       "fragments",
		count:      g.fragments.CountFragments,
		forEach:    g.iterator.ForEach,
		idOf:       func(f *core.ContentFragment) core.ID { return f.Id },
		process:    g.processBatch,
	}, g.checkpoints, g.config, g.progress)
}

func (g *GraphRebuilder) processBatch(ctx context.Context, batch []*core.ContentFragment, summary *Summary) (int, error) {
	for _, f := range batch {
		if f.IsGlobal || (g.tenant != "" && f.TenantID != g.tenant) {
			continue
		}

		report, err := g.rebuildFragment(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if errors.Is(err, storage.ErrStorageClosed) {
				return 0, err
			}
			g.logger.Warn("skipping fragment", "fragment", f.Id, "tenant", f.TenantID, "err", err)
			summary.Failed++
			continue
		}
		summary.ItemErrors += len(report.Errors)
	}
	return 0, nil
}

func (g *GraphRebuilder) rebuildFragment(ctx context.Context, f *core.ContentFragment) (*ingestion.UpsertReport, error) {
	var graph *ai.ExtractedGraph
	err := RetryWithBackoff(ctx, func() error {
		var err error
		graph, err = g.extractor.ExtractGraph(ctx, f.Content)
		return err
	}, g.config.MaxRetries, g.config.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}
	if graph == nil {
		return &ingestion.UpsertReport{}, nil
	}

	entities, relations := ingestion.FromExtractedGraph(graph)
	if g.embedder != nil && len(entities) > 0 {
		texts := make([]string, len(entities))
		for i, e := range entities {
			texts[i] = ingestion.EntityText(e.Name, e.Description)
		}
		vectors, _, err := embedBatch(ctx, g.embedder, texts, g.config.MaxRetries, g.config.RetryDelay)
		if err != nil {
			return nil, err
		}
		for i := range entities {
			entities[i].Vector = vectors[i]
		}
	}

	report, err := g.upserter.UpsertSubgraph(ctx, f.TenantID, f.Id, entities, relations)
	if err != nil {
		return nil, err
	}
	for _, itemErr := range report.Errors {
		g.logger.Debug("item rejected", "fragment", f.Id, "kind", itemErr.Kind, "item", itemErr.Item, "err", itemErr.Err)
	}
	return report, nil
}
