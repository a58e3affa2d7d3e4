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

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/poiesic/codex"
	"github.com/poiesic/codex/ai/mock"
	"github.com/poiesic/codex/config"
	"github.com/poiesic/codex/storage/badger"
	"github.com/urfave/cli/v2"
)

const configKey = "config"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	dbFlag := &cli.StringFlag{
		Name:    "db",
		Aliases: []string{"d"},
		Usage:   "Path to BadgerDB database directory (overrides storage.path)",
	}
	return &cli.App{
		Name:  "codex",
		Usage: "Multi-tenant hybrid and graph-guided retrieval",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"CODEX_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML configuration file",
				EnvVars: []string{"CODEX_CONFIG"},
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:   "ingest",
				Usage:  "Ingest fragments and their subgraphs from a YAML file",
				Action: ingestCommand,
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "YAML file with one document per fragment",
						Required: true,
					},
				},
			},
			{
				Name:   "search",
				Usage:  "Run hybrid vector and keyword retrieval",
				Action: searchCommand,
				Flags: append(queryFlags(dbFlag),
					&cli.StringFlag{
						Name:  "collection",
						Usage: "Restrict to a collection",
					},
					&cli.StringFlag{
						Name:  "source",
						Usage: "Restrict to a source",
					},
					&cli.BoolFlag{
						Name:  "tenant-only",
						Usage: "Exclude global fragments",
					},
				),
			},
			{
				Name:   "graph",
				Usage:  "Run graph-guided retrieval over a tenant's knowledge graph",
				Action: graphCommand,
				Flags: append(queryFlags(dbFlag),
					&cli.IntFlag{
						Name:  "max-hops",
						Usage: "Traversal depth (0 uses the configured default)",
					},
					&cli.Float64Flag{
						Name:  "decay",
						Usage: "Score decay per hop beyond the first",
					},
					&cli.StringSliceFlag{
						Name:  "edge-type",
						Usage: "Edge type to follow (repeatable)",
					},
				),
			},
			{
				Name:   "extract",
				Usage:  "Rebuild knowledge graphs by extracting entities from stored fragments",
				Action: extractCommand,
				Flags: append(maintenanceFlags(dbFlag),
					&cli.StringFlag{
						Name:  "tenant",
						Usage: "Only rebuild this tenant's graph",
					},
				),
			},
			{
				Name:   "reembed",
				Usage:  "Reembed all fragments with the configured embedding model",
				Action: reembedCommand,
				Flags:  maintenanceFlags(dbFlag),
			},
			{
				Name:   "reembed-nodes",
				Usage:  "Reembed a tenant's knowledge nodes",
				Action: reembedNodesCommand,
				Flags: append(maintenanceFlags(dbFlag),
					&cli.StringFlag{
						Name:     "tenant",
						Usage:    "Tenant whose nodes are reembedded",
						Required: true,
					},
				),
			},
			{
				Name:   "serve",
				Usage:  "Serve the retrieval API over HTTP",
				Action: serveCommand,
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address (overrides server.addr)",
					},
				},
			},
		},
	}
}

func queryFlags(dbFlag cli.Flag) []cli.Flag {
	return []cli.Flag{
		dbFlag,
		&cli.StringFlag{
			Name:     "tenant",
			Aliases:  []string{"t"},
			Usage:    "Tenant to query",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "query",
			Aliases:  []string{"q"},
			Usage:    "Query text",
			Required: true,
		},
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"k"},
			Usage:   "Maximum number of results",
			Value:   10,
		},
		&cli.Float64Flag{
			Name:  "threshold",
			Usage: "Minimum cosine similarity",
		},
	}
}

// maintenanceFlags override the [maintenance] section of the config.
func maintenanceFlags(dbFlag cli.Flag) []cli.Flag {
	return []cli.Flag{
		dbFlag,
		&cli.IntFlag{
			Name:  "batch-size",
			Usage: "Number of records to process in each batch",
		},
		&cli.IntFlag{
			Name:  "report-interval",
			Usage: "Report progress every N records",
		},
		&cli.IntFlag{
			Name:  "max-retries",
			Usage: "Maximum retry attempts for failed operations",
		},
		&cli.DurationFlag{
			Name:  "retry-delay",
			Usage: "Base delay between retries",
		},
	}
}

// setup loads .env and the configuration, then installs the default logger.
func setup(cCtx *cli.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := config.Default()
	if path := cCtx.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if cCtx.App.Metadata == nil {
		cCtx.App.Metadata = map[string]any{}
	}
	cCtx.App.Metadata[configKey] = cfg

	level := cfg.LogLevel
	if cCtx.IsSet("log-level") || level == "" {
		level = cCtx.String("log-level")
	}
	return setupLogger(level)
}

func setupLogger(levelStr string) error {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level: %s", levelStr)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}

// configFrom returns the configuration loaded by setup, applying command flags.
func configFrom(cCtx *cli.Context) *config.Config {
	cfg, ok := cCtx.App.Metadata[configKey].(*config.Config)
	if !ok {
		cfg = config.Default()
	}
	if path := cCtx.String("db"); path != "" {
		cfg.Storage.Path = path
		cfg.Storage.InMemory = false
	}
	return cfg
}

// openDatabase opens the database described by cfg.
func openDatabase(cfg *config.Config) (*codex.Database, error) {
	opts := []codex.DatabaseOption{
		codex.WithLogger(slog.Default()),
		codex.WithBackendOptions(badger.WithMaxConflictRetries(cfg.Storage.MaxConflictRetries)),
		codex.WithRankerOptions(cfg.RankerOptions()...),
		codex.WithExpanderOptions(cfg.ExpanderOptions()...),
	}
	if cfg.AI.Mock {
		opts = append(opts, codex.WithProvider(mock.NewMockProvider()))
	} else {
		opts = append(opts, codex.WithAIConfig(cfg.AIConfig()))
	}
	if cfg.Storage.InMemory {
		opts = append(opts, codex.WithInMemory())
	}

	db, err := codex.NewDatabase(cfg.Storage.Path, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}
