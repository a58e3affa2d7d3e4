package main

import (
	"fmt"
	"os"

	"github.com/poiesic/codex"
	"github.com/poiesic/codex/config"
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/reembed"
	"github.com/urfave/cli/v2"
)

// reembedConfigFrom applies maintenance flag overrides to the configured job settings.
func reembedConfigFrom(cCtx *cli.Context, cfg *config.Config) (*reembed.Config, error) {
	rc := cfg.ReembedConfig()
	if cCtx.IsSet("batch-size") {
		rc.BatchSize = cCtx.Int("batch-size")
	}
	if cCtx.IsSet("report-interval") {
		rc.ReportInterval = cCtx.Int("report-interval")
	}
	if cCtx.IsSet("max-retries") {
		rc.MaxRetries = cCtx.Int("max-retries")
	}
	if cCtx.IsSet("retry-delay") {
		rc.RetryDelay = cCtx.Duration("retry-delay")
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return rc, nil
}

func printJobHeader(cfg *config.Config) {
	fmt.Fprintf(os.Stderr, "Database: %s\n", cfg.Storage.Path)
	if cfg.AI.Mock {
		fmt.Fprintln(os.Stderr, "Embedding model: mock")
	} else {
		fmt.Fprintf(os.Stderr, "Embedding host: %s\n", cfg.AI.EmbeddingHost)
		fmt.Fprintf(os.Stderr, "Embedding model: %s\n", cfg.AI.EmbeddingModel)
	}
	fmt.Fprintln(os.Stderr)
}

func printSummary(s *reembed.Summary) {
	if s.Failed > 0 {
		fmt.Fprintf(os.Stderr, "%d records failed\n", s.Failed)
	}
	if s.ItemErrors > 0 {
		fmt.Fprintf(os.Stderr, "%d subgraph items rejected\n", s.ItemErrors)
	}
}

// openMaintenance resolves config, job settings and the database for a batch job.
func openMaintenance(cCtx *cli.Context) (*codex.Database, *reembed.Config, error) {
	cfg := configFrom(cCtx)
	rc, err := reembedConfigFrom(cCtx, cfg)
	if err != nil {
		return nil, nil, err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	if db.Provider() == nil {
		db.Close()
		return nil, nil, codex.ErrEmbedderUnavailable
	}
	printJobHeader(cfg)
	return db, rc, nil
}

func reembedCommand(cCtx *cli.Context) error {
	db, rc, err := openMaintenance(cCtx)
	if err != nil {
		return err
	}
	defer db.Close()

	r := reembed.NewFragmentReembedder(db.FragmentRepository(), db.Provider().Embedder(),
		db.CheckpointRepository(), rc, os.Stderr)
	summary, err := r.Run(cCtx.Context)
	if err != nil {
		return fmt.Errorf("reembedding failed: %w", err)
	}
	printSummary(summary)
	return nil
}

func reembedNodesCommand(cCtx *cli.Context) error {
	db, rc, err := openMaintenance(cCtx)
	if err != nil {
		return err
	}
	defer db.Close()

	r, err := reembed.NewNodeReembedder(db.GraphRepository(), core.TenantID(cCtx.String("tenant")),
		db.Provider().Embedder(), db.CheckpointRepository(), rc, os.Stderr)
	if err != nil {
		return err
	}
	summary, err := r.Run(cCtx.Context)
	if err != nil {
		return fmt.Errorf("node reembedding failed: %w", err)
	}
	printSummary(summary)
	return nil
}

func extractCommand(cCtx *cli.Context) error {
	db, rc, err := openMaintenance(cCtx)
	if err != nil {
		return err
	}
	defer db.Close()

	provider := db.Provider()
	rebuilder, err := reembed.NewGraphRebuilder(db.FragmentRepository(), db.Upserter(),
		provider.GraphExtractor(), provider.Embedder(), db.CheckpointRepository(), rc, os.Stderr)
	if err != nil {
		return err
	}
	if tenant := cCtx.String("tenant"); tenant != "" {
		if rebuilder, err = rebuilder.ForTenant(core.TenantID(tenant)); err != nil {
			return err
		}
	}

	summary, err := rebuilder.Run(cCtx.Context)
	if err != nil {
		return fmt.Errorf("graph rebuild failed: %w", err)
	}
	printSummary(summary)
	return nil
}
