package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/graph"
	"github.com/poiesic/codex/ingestion"
	"github.com/poiesic/codex/search"
	"github.com/poiesic/codex/server"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// ingestDocument is one YAML document of an ingest file.
type ingestDocument struct {
	Tenant     string               `yaml:"tenant"`
	Global     bool                 `yaml:"global"`
	Collection string               `yaml:"collection"`
	Source     string               `yaml:"source"`
	Content    string               `yaml:"content"`
	Metadata   map[string]string    `yaml:"metadata"`
	Entities   []ingestion.Entity   `yaml:"entities"`
	Relations  []ingestion.Relation `yaml:"relations"`
}

// readIngestDocuments decodes a multi-document YAML stream.
func readIngestDocuments(r io.Reader) ([]*ingestion.Document, error) {
	dec := yaml.NewDecoder(r)
	var docs []*ingestion.Document
	for i := 0; ; i++ {
		var in ingestDocument
		err := dec.Decode(&in)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		fragment := &core.ContentFragment{
			TenantID:     core.TenantID(in.Tenant),
			IsGlobal:     in.Global,
			CollectionID: in.Collection,
			SourceID:     in.Source,
			Content:      in.Content,
			Metadata:     in.Metadata,
		}
		if err := core.ValidateFragment(fragment); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		docs = append(docs, &ingestion.Document{
			Fragment:  fragment,
			Entities:  in.Entities,
			Relations: in.Relations,
		})
	}
	return docs, nil
}

func ingestCommand(cCtx *cli.Context) error {
	f, err := os.Open(cCtx.String("file"))
	if err != nil {
		return fmt.Errorf("failed to open ingest file: %w", err)
	}
	defer f.Close()
	docs, err := readIngestDocuments(f)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Fprintln(os.Stderr, "No documents to ingest")
		return nil
	}

	cfg := configFrom(cCtx)
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	pipeline, err := db.NewIngestionPipeline(ingestion.WithPoolSize(cfg.Ingest.PoolSize))
	if err != nil {
		return err
	}
	defer pipeline.Release()

	results, ingestErr := pipeline.Ingest(cCtx.Context, docs)
	var ok, nodes, edges, soft int
	for _, r := range results {
		if r.Err == nil {
			ok++
		}
		if r.Report != nil {
			nodes += r.Report.EntitiesInserted + r.Report.EntitiesMerged
			edges += r.Report.RelationsInserted + r.Report.RelationsMerged
			soft += len(r.Report.Errors)
		}
	}
	fmt.Fprintf(os.Stderr, "Ingested %d/%d documents (%d nodes, %d edges, %d item errors)\n",
		ok, len(docs), nodes, edges, soft)
	return ingestErr
}

func searchCommand(cCtx *cli.Context) error {
	scope, err := core.ResolveScope(core.ScopeDescriptor{
		TenantID:     cCtx.String("tenant"),
		IsGlobal:     optionalBool(cCtx, "tenant-only", false),
		CollectionID: optionalString(cCtx, "collection"),
		SourceID:     optionalString(cCtx, "source"),
	})
	if err != nil {
		return err
	}

	db, err := openDatabase(configFrom(cCtx))
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.RetrieveFused(cCtx.Context, search.FusedQuery{
		Text:                cCtx.String("query"),
		Scope:               scope,
		K:                   cCtx.Int("limit"),
		SimilarityThreshold: cCtx.Float64("threshold"),
	})
	if err != nil {
		return err
	}
	printResults(os.Stdout, results)
	return nil
}

func graphCommand(cCtx *cli.Context) error {
	scope, err := core.TenantScope(cCtx.String("tenant"))
	if err != nil {
		return err
	}
	var edgeTypes []core.EdgeType
	for _, s := range cCtx.StringSlice("edge-type") {
		et, err := core.ParseEdgeType(s)
		if err != nil {
			return err
		}
		edgeTypes = append(edgeTypes, et)
	}

	db, err := openDatabase(configFrom(cCtx))
	if err != nil {
		return err
	}
	defer db.Close()

	vector, err := db.EmbedText(cCtx.Context, cCtx.String("query"))
	if err != nil {
		return err
	}
	results, err := db.RetrieveGraphGuided(cCtx.Context, graph.GraphQuery{
		Vector:              vector,
		Scope:               scope,
		SimilarityThreshold: cCtx.Float64("threshold"),
		K:                   cCtx.Int("limit"),
		MaxHops:             cCtx.Int("max-hops"),
		DecayFactor:         cCtx.Float64("decay"),
		AllowedEdgeTypes:    edgeTypes,
	})
	if err != nil {
		return err
	}
	printResults(os.Stdout, results)
	return nil
}

func printResults(w io.Writer, results []*core.RetrievalResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results")
		return
	}
	for i, r := range results {
		fmt.Fprintf(w, "%2d. [%s %.4f] %s\n", i+1, r.Method, r.Score, r.Title)
		if r.Depth > 0 {
			path := make([]string, len(r.Path))
			for j, id := range r.Path {
				path[j] = fmt.Sprint(id)
			}
			fmt.Fprintf(w, "    depth %d via %s\n", r.Depth, strings.Join(path, " -> "))
		}
		if r.Content != "" {
			fmt.Fprintf(w, "    %s\n", r.Content)
		}
	}
}

func serveCommand(cCtx *cli.Context) error {
	cfg := configFrom(cCtx)
	if addr := cCtx.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	srv, err := server.New(db,
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithTimeouts(cfg.Server.ReadTimeout.Std(), cfg.Server.WriteTimeout.Std()),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx, cfg.Server.Addr)
}

// optionalString returns nil for an unset flag.
func optionalString(cCtx *cli.Context, name string) *string {
	if !cCtx.IsSet(name) {
		return nil
	}
	v := cCtx.String(name)
	return &v
}

// optionalBool maps a set boolean flag to value, and an unset one to nil.
func optionalBool(cCtx *cli.Context, name string, value bool) *bool {
	if !cCtx.Bool(name) {
		return nil
	}
	return &value
}
