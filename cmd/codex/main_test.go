package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/reembed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

const ingestFixture = `tenant: acme
collection: policies
source: handbook
content: Employees must badge in before 9am.
metadata:
  title: Attendance rule
entities:
  - name: Attendance Rule
    type: rule
  - name: Medical Exception
    type: exception
relations:
  - source: Medical Exception
    target: Attendance Rule
    type: overrides
---
global: true
collection: law
content: Working hours are capped at 48 per week.
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// mockConfig writes a config using the mock AI provider.
func mockConfig(t *testing.T) string {
	return writeFile(t, "codex.toml", "log_level = \"warn\"\n\n[ai]\nmock = true\n")
}

func findCommand(app *cli.App, name string) *cli.Command {
	for _, cmd := range app.Commands {
		if cmd.Name == name {
			return cmd
		}
	}
	return nil
}

func TestAppCommands(t *testing.T) {
	app := newApp()
	for _, name := range []string{"ingest", "search", "graph", "extract", "reembed", "reembed-nodes", "serve"} {
		assert.NotNil(t, findCommand(app, name), name)
	}

	t.Run("log-level reads environment", func(t *testing.T) {
		var levelFlag *cli.StringFlag
		for _, flag := range app.Flags {
			if f, ok := flag.(*cli.StringFlag); ok && f.Name == "log-level" {
				levelFlag = f
			}
		}
		require.NotNil(t, levelFlag)
		assert.Equal(t, "info", levelFlag.Value)
		assert.Equal(t, []string{"CODEX_LOG_LEVEL"}, levelFlag.EnvVars)
	})

	t.Run("reembed-nodes requires tenant", func(t *testing.T) {
		cmd := findCommand(app, "reembed-nodes")
		var tenantFlag *cli.StringFlag
		for _, flag := range cmd.Flags {
			if f, ok := flag.(*cli.StringFlag); ok && f.Name == "tenant" {
				tenantFlag = f
			}
		}
		require.NotNil(t, tenantFlag)
		assert.True(t, tenantFlag.Required)
	})
}

func TestRequiredFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		missing string
	}{
		{"search without tenant", []string{"search", "--query", "badge"}, "tenant"},
		{"search without query", []string{"search", "--tenant", "acme"}, "query"},
		{"graph without tenant", []string{"graph", "--query", "badge"}, "tenant"},
		{"ingest without file", []string{"ingest"}, "file"},
		{"reembed-nodes without tenant", []string{"reembed-nodes"}, "tenant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newApp().Run(append([]string{"codex"}, tt.args...))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.missing)
		})
	}
}

func TestSetupLogger(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	tests := []struct {
		level   string
		enabled slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			err := setupLogger(tt.level)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, slog.Default().Enabled(t.Context(), tt.enabled))
			assert.False(t, slog.Default().Enabled(t.Context(), tt.enabled-1))
		})
	}
}

func TestReadIngestDocuments(t *testing.T) {
	docs, err := readIngestDocuments(strings.NewReader(ingestFixture))
	require.NoError(t, err)
	require.Len(t, docs, 2)

	first := docs[0]
	assert.Equal(t, core.TenantID("acme"), first.Fragment.TenantID)
	assert.Equal(t, "policies", first.Fragment.CollectionID)
	assert.Equal(t, "Attendance rule", first.Fragment.Metadata["title"])
	require.Len(t, first.Entities, 2)
	assert.Equal(t, "rule", first.Entities[0].Type)
	require.Len(t, first.Relations, 1)
	assert.Equal(t, "Medical Exception", first.Relations[0].SourceName)
	assert.Equal(t, "overrides", first.Relations[0].Type)

	global := docs[1]
	assert.True(t, global.Fragment.IsGlobal)
	assert.Empty(t, global.Fragment.TenantID)
	assert.Empty(t, global.Entities)
}

func TestReadIngestDocuments_Invalid(t *testing.T) {
	t.Run("blank content", func(t *testing.T) {
		_, err := readIngestDocuments(strings.NewReader("tenant: acme\ncontent: \"  \"\n"))
		require.ErrorIs(t, err, core.ErrInvalidFragment)
		assert.Contains(t, err.Error(), "document 0")
	})

	t.Run("global with tenant", func(t *testing.T) {
		_, err := readIngestDocuments(strings.NewReader("tenant: acme\nglobal: true\ncontent: text\n"))
		require.ErrorIs(t, err, core.ErrInvalidFragment)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := readIngestDocuments(strings.NewReader("tenant: [acme\n"))
		require.Error(t, err)
	})

	t.Run("empty stream", func(t *testing.T) {
		docs, err := readIngestDocuments(strings.NewReader(""))
		require.NoError(t, err)
		assert.Empty(t, docs)
	})
}

func TestMaintenanceFlagValidation(t *testing.T) {
	cfg := mockConfig(t)
	db := filepath.Join(t.TempDir(), "db")

	err := newApp().Run([]string{"codex", "--config", cfg, "reembed", "--db", db, "--batch-size", "0"})
	require.ErrorIs(t, err, reembed.ErrInvalidConfig)

	err = newApp().Run([]string{"codex", "--config", cfg, "reembed", "--db", db, "--max-retries", "-1"})
	require.ErrorIs(t, err, reembed.ErrInvalidConfig)
}

func TestGraphRejectsUnknownEdgeType(t *testing.T) {
	err := newApp().Run([]string{"codex", "--config", mockConfig(t), "graph",
		"--db", filepath.Join(t.TempDir(), "db"),
		"--tenant", "acme", "--query", "badge", "--edge-type", "mentions"})
	require.ErrorIs(t, err, core.ErrInvalidEdgeType)
}

func TestSearchRejectsBlankScope(t *testing.T) {
	err := newApp().Run([]string{"codex", "--config", mockConfig(t), "search",
		"--db", filepath.Join(t.TempDir(), "db"),
		"--tenant", "acme", "--query", "badge", "--collection", " "})
	require.ErrorIs(t, err, core.ErrScope)
}

func TestCommandsEndToEnd(t *testing.T) {
	cfg := mockConfig(t)
	db := filepath.Join(t.TempDir(), "db")
	input := writeFile(t, "docs.yaml", ingestFixture)

	run := func(args ...string) error {
		return newApp().Run(append([]string{"codex", "--config", cfg}, args...))
	}

	require.NoError(t, run("ingest", "--db", db, "--file", input))
	require.NoError(t, run("search", "--db", db, "--tenant", "acme", "--query", "badge"))
	require.NoError(t, run("graph", "--db", db, "--tenant", "acme", "--query", "Attendance Rule", "--edge-type", "overrides"))
	require.NoError(t, run("reembed", "--db", db, "--batch-size", "1", "--retry-delay", "1ms"))
	require.NoError(t, run("reembed-nodes", "--db", db, "--tenant", "acme"))
	require.NoError(t, run("extract", "--db", db, "--tenant", "acme"))
}

func TestPrintResults(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		printResults(&buf, nil)
		assert.Equal(t, "No results\n", buf.String())
	})

	t.Run("graph path", func(t *testing.T) {
		var buf bytes.Buffer
		printResults(&buf, []*core.RetrievalResult{
			{Id: 7, Title: "Medical Exception", Score: 1.5, Method: core.MethodGraphOverride, Depth: 1, Path: []core.ID{3, 7}},
			{Id: 3, Title: "Attendance Rule", Content: "Employees must badge in.", Score: 1, Method: core.MethodVector},
		})
		out := buf.String()
		assert.Contains(t, out, " 1. [graph-override 1.5000] Medical Exception")
		assert.Contains(t, out, "depth 1 via 3 -> 7")
		assert.Contains(t, out, " 2. [vector 1.0000] Attendance Rule")
		assert.Contains(t, out, "Employees must badge in.")
	})
}
