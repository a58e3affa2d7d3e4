package graph

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
	"github.com/poiesic/codex/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fixture struct {
	t    *testing.T
	repo storage.GraphRepository
	ids  map[string]core.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fragmentRepo, graphRepo, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() {
		graphRepo.Close()
		fragmentRepo.Close()
		backend.Close()
	})
	return &fixture{t: t, repo: graphRepo, ids: map[string]core.ID{}}
}

func (f *fixture) node(tenant core.TenantID, name string, nodeType core.NodeType, vector []float32) core.ID {
	f.t.Helper()
	n, _, err := f.repo.UpsertNode(context.Background(), tenant, name, func(*core.KnowledgeNode) (*core.KnowledgeNode, error) {
		return &core.KnowledgeNode{Type: nodeType, Content: name + " body", Vector: vector}, nil
	})
	require.NoError(f.t, err)
	f.ids[string(tenant)+"/"+name] = n.Id
	return n.Id
}

func (f *fixture) edge(tenant core.TenantID, source, target string, edgeType core.EdgeType, weight float64) {
	f.t.Helper()
	src := f.ids[string(tenant)+"/"+source]
	tgt := f.ids[string(tenant)+"/"+target]
	_, _, err := f.repo.UpsertEdge(context.Background(), tenant, src, tgt, edgeType, func(*core.KnowledgeEdge) (*core.KnowledgeEdge, error) {
		return &core.KnowledgeEdge{Weight: weight}, nil
	})
	require.NoError(f.t, err)
}

func (f *fixture) id(tenant core.TenantID, name string) core.ID {
	return f.ids[string(tenant)+"/"+name]
}

func (f *fixture) expander(opts ...Option) *Expander {
	f.t.Helper()
	e, err := NewExpander(f.repo, opts...)
	require.NoError(f.t, err)
	f.t.Cleanup(e.Release)
	return e
}

func scopeFor(t *testing.T, tenant string) core.Scope {
	t.Helper()
	scope, err := core.TenantScope(tenant)
	require.NoError(t, err)
	return scope
}

func byID(results []*core.RetrievalResult) map[core.ID]*core.RetrievalResult {
	m := make(map[core.ID]*core.RetrievalResult, len(results))
	for _, r := range results {
		m[r.Id] = r
	}
	return m
}

func TestNewExpander(t *testing.T) {
	f := newFixture(t)

	t.Run("nil repository", func(t *testing.T) {
		_, err := NewExpander(nil)
		assert.Equal(t, ErrGraphRepositoryRequired, err)
	})

	t.Run("boost ordering", func(t *testing.T) {
		tests := []struct {
			override, dependency float64
			ok                   bool
		}{
			{1.5, 1.2, true},
			{3, 2, true},
			{1.2, 1.5, false},
			{1.5, 1.5, false},
			{1.5, 1.0, false},
		}
		for _, tt := range tests {
			e, err := NewExpander(f.repo, WithBoosts(tt.override, tt.dependency))
			if tt.ok {
				require.NoError(t, err)
				e.Release()
			} else {
				assert.ErrorIs(t, err, ErrInvalidBoosts)
			}
		}
	})

	t.Run("invalid options", func(t *testing.T) {
		for _, opt := range []Option{WithAnchorLimit(0), WithDefaultMaxHops(0), WithMaxFanout(-1), WithMaxExpansions(0), WithBudget(-time.Second)} {
			_, err := NewExpander(f.repo, opt)
			assert.ErrorIs(t, err, ErrInvalidOption)
		}
	})
}

func TestRetrieveGraphGuided_Rejections(t *testing.T) {
	f := newFixture(t)
	f.node("acme", "Attendance Rule", core.NodeTypeRule, []float32{1, 0, 0})
	e := f.expander()
	acme := scopeFor(t, "acme")

	tests := []struct {
		name  string
		query GraphQuery
		want  error
	}{
		{"unresolved scope", GraphQuery{Vector: []float32{1, 0, 0}, K: 5}, core.ErrScope},
		{"non-positive k", GraphQuery{Vector: []float32{1, 0, 0}, Scope: acme}, storage.ErrInvalidQuery},
		{"negative hops", GraphQuery{Vector: []float32{1, 0, 0}, Scope: acme, K: 5, MaxHops: -1}, storage.ErrInvalidQuery},
		{"decay above one", GraphQuery{Vector: []float32{1, 0, 0}, Scope: acme, K: 5, DecayFactor: 1.5}, storage.ErrInvalidQuery},
		{"unknown edge type", GraphQuery{Vector: []float32{1, 0, 0}, Scope: acme, K: 5, AllowedEdgeTypes: []core.EdgeType{"LIKES"}}, core.ErrInvalidEdgeType},
		{"missing vector", GraphQuery{Scope: acme, K: 5}, core.ErrDimensionMismatch},
		{"wrong width", GraphQuery{Vector: []float32{1, 0}, Scope: acme, K: 5}, core.ErrDimensionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := e.RetrieveGraphGuided(context.Background(), tt.query)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, results)
		})
	}
}

func TestRetrieveGraphGuided_AttendanceExample(t *testing.T) {
	f := newFixture(t)
	f.node("acme", "Attendance Rule", core.NodeTypeRule, []float32{1, 0, 0})
	f.node("acme", "Medical Exception", core.NodeTypeException, []float32{0, 1, 0})
	f.edge("acme", "Attendance Rule", "Medical Exception", core.EdgeOverrides, 1.0)
	e := f.expander()

	results, err := e.RetrieveGraphGuided(context.Background(), GraphQuery{
		Vector:              []float32{1, 0.1, 0},
		Scope:               scopeFor(t, "acme"),
		SimilarityThreshold: 0.5,
		K:                   10,
		MaxHops:             1,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	rule := byID(results)[f.id("acme", "Attendance Rule")]
	medical := byID(results)[f.id("acme", "Medical Exception")]
	require.NotNil(t, rule)
	require.NotNil(t, medical)

	assert.Equal(t, core.MethodVector, rule.Method)
	assert.Equal(t, 0, rule.Depth)
	assert.Equal(t, core.MethodGraphOverride, medical.Method)
	assert.Equal(t, 1, medical.Depth)
	assert.Equal(t, []core.ID{rule.Id, medical.Id}, medical.Path)
	assert.Greater(t, medical.Score, rule.Score)
	assert.InDelta(t, rule.Score*DefaultBoostOverride, medical.Score, 1e-9)
	assert.Equal(t, medical.Id, results[0].Id)
	assert.Equal(t, "exception", medical.Metadata["node_type"])
}

func TestRetrieveGraphGuided_OverrideOutranksDependency(t *testing.T) {
	f := newFixture(t)
	f.node("acme", "Rule", core.NodeTypeRule, []float32{1, 0, 0})
	f.node("acme", "Dependency", core.NodeTypeProcedure, nil)
	f.node("acme", "Exception", core.NodeTypeException, nil)
	f.node("acme", "Extension", core.NodeTypeClause, nil)
	f.edge("acme", "Rule", "Dependency", core.EdgeRequires, 1.0)
	f.edge("acme", "Rule", "Exception", core.EdgeOverrides, 1.0)
	f.edge("acme", "Rule", "Extension", core.EdgeExtends, 1.0)
	e := f.expander()

	results, err := e.RetrieveGraphGuided(context.Background(), GraphQuery{
		Vector:  []float32{1, 0, 0},
		Scope:   scopeFor(t, "acme"),
		K:       10,
		MaxHops: 1,
	})
	require.NoError(t, err)
	require.Len(t, results, 3, "EXTENDS is not followed by default")

	assert.Equal(t, f.id("acme", "Exception"), results[0].Id)
	assert.Equal(t, f.id("acme", "Dependency"), results[1].Id)
	assert.Equal(t, f.id("acme", "Rule"), results[2].Id)
	assert.Equal(t, core.MethodGraphDependency, results[1].Method)

	results, err = e.RetrieveGraphGuided(context.Background(), GraphQuery{
		Vector:           []float32{1, 0, 0},
		Scope:            scopeFor(t, "acme"),
		K:                10,
		MaxHops:          1,
		AllowedEdgeTypes: []core.EdgeType{core.EdgeExtends},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	ext := byID(results)[f.id("acme", "Extension")]
	require.NotNil(t, ext)
	assert.Equal(t, core.MethodGraphRelated, ext.Method)
	assert.InDelta(t, 1.0, ext.Score, 1e-9)
}

func TestRetrieveGraphGuided_CycleTerminates(t *testing.T) {
	f := newFixture(t)
	f.node("acme", "A", core.NodeTypeRule, []float32{1, 0, 0})
	f.node("acme", "B", core.NodeTypeRule, nil)
	f.node("acme", "C", core.NodeTypeRule, nil)
	f.edge("acme", "A", "B", core.EdgeRequires, 1.0)
	f.edge("acme", "B", "C", core.EdgeRequires, 1.0)
	f.edge("acme", "C", "A", core.EdgeRequires, 1.0)
	e := f.expander()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := e.RetrieveGraphGuided(ctx, GraphQuery{
		Vector:  []float32{1, 0, 0},
		Scope:   scopeFor(t, "acme"),
		K:       10,
		MaxHops: 50,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	got := byID(results)
	a := got[f.id("acme", "A")]
	c := got[f.id("acme", "C")]
	// A is never re-reached through C.
	assert.Equal(t, core.MethodVector, a.Method)
	assert.Equal(t, 0, a.Depth)
	assert.Equal(t, 2, c.Depth)
	assert.Len(t, c.Path, 3)
}

func TestRetrieveGraphGuided_MaxHopsAndDecay(t *testing.T) {
	f := newFixture(t)
	f.node("acme", "A", core.NodeTypeRule, []float32{1, 0, 0})
	f.node("acme", "B", core.NodeTypeRule, nil)
	f.node("acme", "C", core.NodeTypeRule, nil)
	f.node("acme", "D", core.NodeTypeRule, nil)
	f.edge("acme", "A", "B", core.EdgeRequires, 0.8)
	f.edge("acme", "B", "C", core.EdgeRequires, 0.5)
	f.edge("acme", "C", "D", core.EdgeRequires, 1.0)
	e := f.expander()

	results, err := e.RetrieveGraphGuided(context.Background(), GraphQuery{
		Vector:      []float32{1, 0, 0},
		Scope:       scopeFor(t, "acme"),
		K:           10,
		MaxHops:     2,
		DecayFactor: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	got := byID(results)
	assert.NotContains(t, got, f.id("acme", "D"))
	// depth 1: 1 * 0.8 * 0.5^0, boosted 1.2
	assert.InDelta(t, 0.8*1.2, got[f.id("acme", "B")].Score, 1e-9)
	// depth 2: 0.8 * 0.5 * 0.5^1, boosted 1.2; the boost of B is not carried forward
	assert.InDelta(t, 0.8*0.5*0.5*1.2, got[f.id("acme", "C")].Score, 1e-9)

	// Zero hops falls back to the default of two.
	results, err = e.RetrieveGraphGuided(context.Background(), GraphQuery{
		Vector: []float32{1, 0, 0},
		Scope:  scopeFor(t, "acme"),
		K:      10,
	})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestRetrieveGraphGuided_BestPathWins(t *testing.T) {
	f := newFixture(t)
	f.node("acme", "Strong", core.NodeTypeRule, []float32{1, 0, 0})
	f.node("acme", "Weak", core.NodeTypeRule, []float32{0.6, 0.8, 0})
	f.node("acme", "Shared", core.NodeTypeException, nil)
	f.edge("acme", "Strong", "Shared", core.EdgeRequires, 0.5)
	f.edge("acme", "Weak", "Shared", core.EdgeOverrides, 1.0)
	e := f.expander()

	results, err := e.RetrieveGraphGuided(context.Background(), GraphQuery{
		Vector:  []float32{1, 0, 0},
		Scope:   scopeFor(t, "acme"),
		K:       10,
		MaxHops: 1,
	})
	require.NoError(t, err)

	shared := byID(results)[f.id("acme", "Shared")]
	require.NotNil(t, shared)
	// via Weak: 0.6 * 1.0 * 1.5 = 0.9 beats via Strong: 1.0 * 0.5 * 1.2 = 0.6
	assert.InDelta(t, 0.9, shared.Score, 1e-6)
	assert.Equal(t, core.MethodGraphOverride, shared.Method)
	assert.Equal(t, f.id("acme", "Weak"), shared.Path[0])
}

func TestRetrieveGraphGuided_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	for _, tenant := range []core.TenantID{"acme", "globex"} {
		f.node(tenant, "Attendance Rule", core.NodeTypeRule, []float32{1, 0, 0})
		f.node(tenant, "Medical Exception", core.NodeTypeException, nil)
		f.edge(tenant, "Attendance Rule", "Medical Exception", core.EdgeOverrides, 1.0)
	}
	f.node("globex", "Globex Only", core.NodeTypeRule, []float32{1, 0, 0})
	e := f.expander()

	for _, tenant := range []string{"acme", "globex"} {
		results, err := e.RetrieveGraphGuided(context.Background(), GraphQuery{
			Vector: []float32{1, 0, 0},
			Scope:  scopeFor(t, tenant),
			K:      10,
		})
		require.NoError(t, err)
		for _, r := range results {
			assert.Equal(t, tenant, r.Metadata["tenant_id"])
		}
	}
}

func TestRetrieveGraphGuided_FanoutAndExpansionCaps(t *testing.T) {
	f := newFixture(t)
	f.node("acme", "Hub", core.NodeTypeRule, []float32{1, 0, 0})
	for i, name := range []string{"X", "Y", "Z"} {
		f.node("acme", name, core.NodeTypeClause, nil)
		f.edge("acme", "Hub", name, core.EdgeRequires, 0.3+0.2*float64(i))
	}

	results, err := f.expander(WithMaxFanout(1)).RetrieveGraphGuided(context.Background(), GraphQuery{
		Vector: []float32{1, 0, 0},
		Scope:  scopeFor(t, "acme"),
		K:      10,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Contains(t, byID(results), f.id("acme", "Z"), "highest weight edge kept")

	results, err = f.expander(WithMaxExpansions(2)).RetrieveGraphGuided(context.Background(), GraphQuery{
		Vector: []float32{1, 0, 0},
		Scope:  scopeFor(t, "acme"),
		K:      10,
	})
	require.NoError(t, err)
	assert.Len(t, results, 3, "anchor plus two expansions")
}

// foreignEdgeRepo returns an edge owned by another tenant from OutgoingEdges.
type foreignEdgeRepo struct {
	storage.GraphRepository
}

func (r *foreignEdgeRepo) OutgoingEdges(ctx context.Context, tenant core.TenantID, source core.ID, types ...core.EdgeType) ([]*core.KnowledgeEdge, error) {
	return []*core.KnowledgeEdge{{Id: 1, TenantID: "globex", SourceID: source, TargetID: source + 1, Type: core.EdgeOverrides, Weight: 1}}, nil
}

func TestRetrieveGraphGuided_ForeignEdgeAbortsBranch(t *testing.T) {
	f := newFixture(t)
	f.node("acme", "Attendance Rule", core.NodeTypeRule, []float32{1, 0, 0})

	e, err := NewExpander(&foreignEdgeRepo{GraphRepository: f.repo})
	require.NoError(t, err)
	defer e.Release()

	results, err := e.RetrieveGraphGuided(context.Background(), GraphQuery{
		Vector: []float32{1, 0, 0},
		Scope:  scopeFor(t, "acme"),
		K:      10,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieveGraphGuided_RecordsSpan(t *testing.T) {
	f := newFixture(t)
	f.node("acme", "A", core.NodeTypeRule, []float32{1, 0, 0})

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	e := f.expander(WithTracer(provider.Tracer("test")))

	_, err := e.RetrieveGraphGuided(context.Background(), GraphQuery{Vector: []float32{1, 0, 0}, Scope: scopeFor(t, "acme"), K: 1})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "graph.RetrieveGraphGuided", spans[0].Name())
}

func TestRetrieveGraphGuided_DecayCompoundsAlongPath(t *testing.T) {
	f := newFixture(t)
	f.node("acme", "A", core.NodeTypeRule, []float32{1, 0, 0})
	for _, name := range []string{"B", "C", "D"} {
		f.node("acme", name, core.NodeTypeRule, nil)
	}
	f.edge("acme", "A", "B", core.EdgeRequires, 1.0)
	f.edge("acme", "B", "C", core.EdgeRequires, 1.0)
	f.edge("acme", "C", "D", core.EdgeRequires, 1.0)

	results, err := f.expander().RetrieveGraphGuided(context.Background(), GraphQuery{
		Vector:      []float32{1, 0, 0},
		Scope:       scopeFor(t, "acme"),
		K:           10,
		MaxHops:     3,
		DecayFactor: 0.5,
	})
	require.NoError(t, err)

	got := byID(results)
	require.Contains(t, got, f.id("acme", "D"))
	assert.InDelta(t, 1.0*1.2, got[f.id("acme", "B")].Score, 1e-9)
	assert.InDelta(t, 0.5*1.2, got[f.id("acme", "C")].Score, 1e-9)
	// 0.5^0 * 0.5^1 * 0.5^2
	assert.InDelta(t, 0.125*1.2, got[f.id("acme", "D")].Score, 1e-9)
}

// blockingGraph blocks the anchor scan until its context ends.
type blockingGraph struct {
	storage.GraphRepository
}

func (g *blockingGraph) FindSimilarNodes(ctx context.Context, tenant core.TenantID, vector []float32, minSimilarity float64, limit int) ([]*core.NodeMatch, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRetrieveGraphGuided_BudgetBoundsAnchorScan(t *testing.T) {
	f := newFixture(t)
	e, err := NewExpander(&blockingGraph{GraphRepository: f.repo}, WithBudget(50*time.Millisecond))
	require.NoError(t, err)
	defer e.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	results, err := e.RetrieveGraphGuided(ctx, GraphQuery{
		Vector: []float32{1, 0, 0},
		Scope:  scopeFor(t, "acme"),
		K:      5,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NotNil(t, results)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetrieveGraphGuided_CallerCancelDuringAnchorScan(t *testing.T) {
	f := newFixture(t)
	e, err := NewExpander(&blockingGraph{GraphRepository: f.repo}, WithBudget(5*time.Second))
	require.NoError(t, err)
	defer e.Release()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = e.RetrieveGraphGuided(ctx, GraphQuery{
		Vector: []float32{1, 0, 0},
		Scope:  scopeFor(t, "acme"),
		K:      5,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetrieveGraphGuided_RandomizedTenantIsolation(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewPCG(7, 11))
	tenants := []core.TenantID{"acme", "globex", "initech", "umbrella"}
	names := []string{"Attendance Rule", "Medical Exception", "Leave Policy", "Overtime Cap",
		"Remote Work", "Probation", "Sick Note", "Holiday Pay", "Shift Swap", "Jury Duty"}
	edgeTypes := []core.EdgeType{core.EdgeOverrides, core.EdgeRequires}

	randomVector := func() []float32 {
		v := make([]float32, 4)
		for i := range v {
			v[i] = rng.Float32()*2 - 1
		}
		return v
	}

	owner := map[core.ID]core.TenantID{}
	for _, tenant := range tenants {
		// Every tenant reuses the same names, so the per-tenant name keys collide.
		for _, name := range names {
			owner[f.node(tenant, name, core.NodeTypeRule, randomVector())] = tenant
		}
		for range 25 {
			src, tgt := names[rng.IntN(len(names))], names[rng.IntN(len(names))]
			if src == tgt {
				continue
			}
			f.edge(tenant, src, tgt, edgeTypes[rng.IntN(len(edgeTypes))], 0.2+0.8*rng.Float64())
		}
	}
	require.Len(t, owner, len(tenants)*len(names), "node ids are distinct across tenants")

	e := f.expander(WithAnchorLimit(5))
	for range 40 {
		tenant := tenants[rng.IntN(len(tenants))]
		results, err := e.RetrieveGraphGuided(context.Background(), GraphQuery{
			Vector:  randomVector(),
			Scope:   scopeFor(t, string(tenant)),
			K:       20,
			MaxHops: 3,
		})
		require.NoError(t, err)
		for _, r := range results {
			assert.Equal(t, string(tenant), r.Metadata["tenant_id"])
			assert.Equal(t, tenant, owner[r.Id], "result %v", r.Id)
			for _, id := range r.Path {
				assert.Equal(t, tenant, owner[id], "path element %v of result %v", id, r.Id)
			}
		}
	}
}
