package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/codex/ai"
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
)

// Document is one fragment plus, optionally, the subgraph extracted from it.
type Document struct {
	Fragment  *core.ContentFragment
	Entities  []Entity
	Relations []Relation
}

// DocumentResult is the outcome of ingesting one Document.
type DocumentResult struct {
	FragmentID core.ID
	Report     *UpsertReport // nil when no subgraph was upserted
	Err        error
}

// Pipeline orchestrates the ingestion of documents: storage, embedding,
// extraction and graph upsert. Documents are processed concurrently.
type Pipeline struct {
	fragmentRepository storage.FragmentRepository
	upserter           *Upserter
	pool               *ants.Pool
	embedding          *embeddingStage
	extraction         *extractionStage
	embedder           ai.Embedder
	extractor          ai.GraphExtractor
	logger             *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the worker pool size for concurrent processing.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if p.pool != nil {
			p.pool.Release()
		}
		p.pool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithEmbedder embeds fragments and entities that arrive without vectors.
func WithEmbedder(embedder ai.Embedder) Option {
	return func(p *Pipeline) error {
		p.embedder = embedder
		return nil
	}
}

// WithExtractor extracts a subgraph from documents that arrive without one.
func WithExtractor(extractor ai.GraphExtractor) Option {
	return func(p *Pipeline) error {
		p.extractor = extractor
		return nil
	}
}

// WithProvider uses both services of provider.
func WithProvider(provider ai.AIProvider) Option {
	return func(p *Pipeline) error {
		if provider == nil {
			return nil
		}
		p.embedder = provider.Embedder()
		p.extractor = provider.GraphExtractor()
		return nil
	}
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(
	fragmentRepository storage.FragmentRepository,
	graphRepository storage.GraphRepository,
	opts ...Option,
) (*Pipeline, error) {
	if fragmentRepository == nil {
		return nil, ErrFragmentRepositoryRequired
	}
	if graphRepository == nil {
		return nil, ErrGraphRepositoryRequired
	}

	poolSize := max(runtime.NumCPU()/2, 1)
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		fragmentRepository: fragmentRepository,
		pool:               pool,
		logger:             slog.Default(),
	}

	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			p.Release()
			return nil, optErr
		}
	}

	p.logger = p.logger.With("component", "pipeline")
	p.upserter, err = NewUpserter(graphRepository, WithUpserterLogger(p.logger))
	if err != nil {
		p.Release()
		return nil, err
	}
	if p.embedder != nil {
		p.embedding = newEmbeddingStage(p.embedder, p.logger)
	}
	if p.extractor != nil {
		p.extraction = newExtractionStage(p.extractor, p.logger)
	}

	return p, nil
}

// Upserter returns the graph upsert engine used by the pipeline.
func (p *Pipeline) Upserter() *Upserter {
	return p.upserter
}

// Ingest processes docs concurrently and waits for all of them. Results are
// returned in input order. The error joins every per-document failure; soft
// upsert errors stay in the reports.
func (p *Pipeline) Ingest(ctx context.Context, docs []*Document) ([]*DocumentResult, error) {
	results := make([]*DocumentResult, len(docs))
	var wg sync.WaitGroup

	for i, doc := range docs {
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			results[i] = p.ingestOne(ctx, doc)
		})
		if err != nil {
			wg.Done()
			results[i] = &DocumentResult{Err: err}
		}
	}
	wg.Wait()

	var errs []error
	for i, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("document %d: %w", i, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

func (p *Pipeline) ingestOne(ctx context.Context, doc *Document) *DocumentResult {
	if doc == nil || doc.Fragment == nil {
		return &DocumentResult{Err: ErrDocumentRequired}
	}
	if err := ctx.Err(); err != nil {
		return &DocumentResult{Err: err}
	}

	fragment := *doc.Fragment
	if p.embedding != nil {
		if err := p.embedding.embedFragment(ctx, &fragment); err != nil {
			return &DocumentResult{Err: err}
		}
	}

	added, err := p.fragmentRepository.AddFragments(ctx, &fragment)
	if err != nil {
		return &DocumentResult{Err: err}
	}
	result := &DocumentResult{FragmentID: added[0].Id}

	entities, relations := doc.Entities, doc.Relations
	if fragment.IsGlobal {
		if len(entities) > 0 || len(relations) > 0 {
			p.logger.Warn("skipping subgraph of global fragment", "fragment", result.FragmentID)
		}
		return result
	}
	if len(entities) == 0 && len(relations) == 0 && p.extraction != nil {
		entities, relations, err = p.extraction.extract(ctx, fragment.Content)
		if err != nil {
			result.Err = err
			return result
		}
	}
	if len(entities) == 0 && len(relations) == 0 {
		return result
	}

	if p.embedding != nil {
		entities = append([]Entity(nil), entities...)
		if err := p.embedding.embedEntities(ctx, entities); err != nil {
			result.Err = err
			return result
		}
	}

	result.Report, result.Err = p.upserter.UpsertSubgraph(ctx, fragment.TenantID, result.FragmentID, entities, relations)
	return result
}

// Release releases resources including worker pools.
// The pipeline should not be used after calling Release.
func (p *Pipeline) Release() {
	if p.pool != nil {
		p.pool.Release()
	}
}
