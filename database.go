// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codex is a multi-tenant retrieval core: fused vector and keyword
// search over content fragments plus graph-guided retrieval over a per-tenant
// knowledge graph.
package codex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/poiesic/codex/ai"
	"github.com/poiesic/codex/ai/openai"
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/graph"
	"github.com/poiesic/codex/ingestion"
	"github.com/poiesic/codex/search"
	"github.com/poiesic/codex/storage"
	"github.com/poiesic/codex/storage/badger"
)

// ErrEmbedderUnavailable is returned when a query needs its text embedded but
// the database has no AI provider.
var ErrEmbedderUnavailable = errors.New("no embedder configured")

type Database struct {
	backend        *badger.Backend
	fragmentRepo   storage.FragmentRepository
	graphRepo      storage.GraphRepository
	checkpointRepo storage.CheckpointRepository
	provider       ai.AIProvider
	ranker         *search.Ranker
	expander       *graph.Expander
	upserter       *ingestion.Upserter
	logger         *slog.Logger
}

// DatabaseOption configures a Database.
type DatabaseOption func(*databaseOptions)

type databaseOptions struct {
	aiConfig     *ai.Config
	provider     ai.AIProvider
	noProvider   bool
	inMemory     bool
	logger       *slog.Logger
	backendOpts  []badger.BackendOption
	rankerOpts   []search.Option
	expanderOpts []graph.Option
}

// WithAIConfig sets the settings of the OpenAI-compatible provider.
func WithAIConfig(config *ai.Config) DatabaseOption {
	return func(o *databaseOptions) {
		o.aiConfig = config
	}
}

// WithProvider uses provider instead of creating an OpenAI-compatible one.
// A nil provider disables text embedding.
func WithProvider(provider ai.AIProvider) DatabaseOption {
	return func(o *databaseOptions) {
		o.provider = provider
		o.noProvider = provider == nil
	}
}

// WithInMemory keeps all data in memory. The file path is ignored.
func WithInMemory() DatabaseOption {
	return func(o *databaseOptions) {
		o.inMemory = true
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) DatabaseOption {
	return func(o *databaseOptions) {
		o.logger = logger
	}
}

// WithBackendOptions passes options to the storage backend.
func WithBackendOptions(opts ...badger.BackendOption) DatabaseOption {
	return func(o *databaseOptions) {
		o.backendOpts = append(o.backendOpts, opts...)
	}
}

// WithRankerOptions passes options to the fusion ranker.
func WithRankerOptions(opts ...search.Option) DatabaseOption {
	return func(o *databaseOptions) {
		o.rankerOpts = append(o.rankerOpts, opts...)
	}
}

// WithExpanderOptions passes options to the graph expander.
func WithExpanderOptions(opts ...graph.Option) DatabaseOption {
	return func(o *databaseOptions) {
		o.expanderOpts = append(o.expanderOpts, opts...)
	}
}

func NewDatabase(filePath string, opts ...DatabaseOption) (*Database, error) {
	options := &databaseOptions{
		aiConfig: ai.DefaultConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	backendOpts := append([]badger.BackendOption{badger.WithLogger(options.logger)}, options.backendOpts...)
	backend, err := badger.OpenBackend(filePath, options.inMemory, backendOpts...)
	if err != nil {
		return nil, err
	}

	db := &Database{
		backend:        backend,
		checkpointRepo: badger.NewCheckpointRepository(backend),
		logger:         options.logger.With("component", "database"),
	}
	if err := db.init(options); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *Database) init(options *databaseOptions) error {
	fragmentRepo, err := badger.NewFragmentRepository(db.backend)
	if err != nil {
		return err
	}
	db.fragmentRepo = fragmentRepo
	graphRepo, err := badger.NewGraphRepository(db.backend)
	if err != nil {
		return err
	}
	db.graphRepo = graphRepo

	switch {
	case options.provider != nil:
		db.provider = options.provider
	case !options.noProvider:
		provider, err := openai.NewProvider(options.aiConfig)
		if err != nil {
			return err
		}
		db.provider = provider
	}

	rankerOpts := append([]search.Option{search.WithLogger(options.logger)}, options.rankerOpts...)
	if db.ranker, err = search.NewRanker(db.fragmentRepo, rankerOpts...); err != nil {
		return err
	}
	expanderOpts := append([]graph.Option{graph.WithLogger(options.logger)}, options.expanderOpts...)
	if db.expander, err = graph.NewExpander(db.graphRepo, expanderOpts...); err != nil {
		return err
	}
	db.upserter, err = ingestion.NewUpserter(db.graphRepo, ingestion.WithUpserterLogger(options.logger))
	return err
}

// Close releases the expander pool, the AI provider, the repositories and the
// Badger backend. The backend is closed even when an earlier step fails; every
// failure is joined into the returned error.
func (db *Database) Close() error {
	if db.expander != nil {
		db.expander.Release()
	}
	if db.provider != nil {
		if err := db.provider.Close(); err != nil {
			db.logger.Error("error closing AI provider", "err", err)
		}
	}

	var errs []error
	if db.graphRepo != nil {
		if err := db.graphRepo.Close(); err != nil {
			db.logger.Error("error closing graph repository", "err", err)
			errs = append(errs, err)
		}
	}
	if db.fragmentRepo != nil {
		if err := db.fragmentRepo.Close(); err != nil {
			db.logger.Error("error closing fragment repository", "err", err)
			errs = append(errs, err)
		}
	}
	if err := db.backend.Close(); err != nil {
		db.logger.Error("error closing backend storage", "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (db *Database) FragmentRepository() storage.FragmentRepository {
	return db.fragmentRepo
}

func (db *Database) GraphRepository() storage.GraphRepository {
	return db.graphRepo
}

func (db *Database) CheckpointRepository() storage.CheckpointRepository {
	return db.checkpointRepo
}

// Provider returns the AI provider, or nil when none is configured.
func (db *Database) Provider() ai.AIProvider {
	return db.provider
}

// Upserter returns the graph upsert engine.
func (db *Database) Upserter() *ingestion.Upserter {
	return db.upserter
}

// NewIngestionPipeline creates a pipeline over this database's stores using its provider.
func (db *Database) NewIngestionPipeline(opts ...ingestion.Option) (*ingestion.Pipeline, error) {
	base := []ingestion.Option{ingestion.WithLogger(db.logger)}
	if db.provider != nil {
		base = append(base, ingestion.WithProvider(db.provider))
	}
	return ingestion.NewPipeline(db.fragmentRepo, db.graphRepo, append(base, opts...)...)
}

// AddFragments stores fragments as given; vectors are not computed.
func (db *Database) AddFragments(ctx context.Context, fragments ...*core.ContentFragment) ([]*core.ContentFragment, error) {
	return db.fragmentRepo.AddFragments(ctx, fragments...)
}

// RetrieveFused runs fused vector and keyword retrieval. A query without a vector
// has its text embedded first.
func (db *Database) RetrieveFused(ctx context.Context, q search.FusedQuery) ([]*core.RetrievalResult, error) {
	if len(q.Vector) == 0 && strings.TrimSpace(q.Text) != "" {
		if err := q.Scope.Validate(); err != nil {
			return nil, err
		}
		vector, err := db.EmbedText(ctx, q.Text)
		if err != nil {
			return nil, err
		}
		q.Vector = vector
	}
	return db.ranker.RetrieveFused(ctx, q)
}

// RetrieveGraphGuided runs graph-guided retrieval over the scope's tenant graph.
func (db *Database) RetrieveGraphGuided(ctx context.Context, q graph.GraphQuery) ([]*core.RetrievalResult, error) {
	return db.expander.RetrieveGraphGuided(ctx, q)
}

// UpsertSubgraph merges entities and relations into tenant's graph, linking each
// entity to fragmentID when it is non-zero.
func (db *Database) UpsertSubgraph(ctx context.Context, tenant core.TenantID, fragmentID core.ID, entities []ingestion.Entity, relations []ingestion.Relation) (*ingestion.UpsertReport, error) {
	return db.upserter.UpsertSubgraph(ctx, tenant, fragmentID, entities, relations)
}

// EmbedText embeds text with the provider's embedder.
func (db *Database) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if db.provider == nil {
		return nil, ErrEmbedderUnavailable
	}
	vector, err := db.provider.Embedder().EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vector, nil
}
