package graph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultAnchorLimit     = 5
	DefaultMaxHops         = 2
	DefaultDecayFactor     = 1.0
	DefaultMaxExpansions   = 10_000
	DefaultBoostOverride   = 1.5
	DefaultBoostDependency = 1.2
	DefaultBudget          = 3 * time.Second
)

// DefaultEdgeTypes are followed when a query names none.
var DefaultEdgeTypes = []core.EdgeType{core.EdgeOverrides, core.EdgeRequires}

// GraphQuery describes one graph-guided retrieval.
type GraphQuery struct {
	// Vector is the query embedding used to find anchors. Required.
	Vector []float32
	// Scope selects the tenant whose graph is traversed.
	Scope core.Scope
	// SimilarityThreshold is the minimum anchor cosine similarity.
	SimilarityThreshold float64
	// K is the maximum number of results.
	K int
	// MaxHops bounds traversal depth. Zero uses the expander default.
	MaxHops int
	// DecayFactor in (0,1] damps scores from the second hop on. Zero means no decay.
	// The damping compounds along the path: the edge reaching depth d multiplies by
	// DecayFactor^(d-1) on top of its parent's already damped score, so a node at
	// depth d carries DecayFactor^((d-1)d/2) overall (depth 3 gets DecayFactor^3).
	DecayFactor float64
	// AllowedEdgeTypes restricts which edges are followed. Empty uses DefaultEdgeTypes.
	AllowedEdgeTypes []core.EdgeType
}

// Expander runs graph-guided retrieval.
type Expander struct {
	graph           storage.GraphRepository
	pool            *ants.Pool
	logger          *slog.Logger
	tracer          trace.Tracer
	anchorLimit     int
	defaultMaxHops  int
	maxFanout       int
	maxExpansions   int64
	boostOverride   float64
	boostDependency float64
	budget          time.Duration
}

// Option configures an Expander.
type Option func(*Expander) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Expander) error {
		if logger == nil {
			logger = slog.Default()
		}
		e.logger = logger
		return nil
	}
}

// WithTracer sets the tracer used for query spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Expander) error {
		if tracer != nil {
			e.tracer = tracer
		}
		return nil
	}
}

// WithPoolSize sets the number of branches expanded concurrently.
// Default is runtime.NumCPU(), with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(e *Expander) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if e.pool != nil {
			e.pool.Release()
		}
		e.pool = pool
		return nil
	}
}

// WithAnchorLimit sets how many anchors a query starts from.
func WithAnchorLimit(n int) Option {
	return func(e *Expander) error {
		if n < 1 {
			return fmt.Errorf("%w: anchor limit must be at least 1", ErrInvalidOption)
		}
		e.anchorLimit = n
		return nil
	}
}

// WithDefaultMaxHops sets the depth used when a query leaves MaxHops at zero.
func WithDefaultMaxHops(n int) Option {
	return func(e *Expander) error {
		if n < 1 {
			return fmt.Errorf("%w: default max hops must be at least 1", ErrInvalidOption)
		}
		e.defaultMaxHops = n
		return nil
	}
}

// WithMaxFanout caps how many edges are followed from one node, highest weight first.
// Zero means unlimited.
func WithMaxFanout(n int) Option {
	return func(e *Expander) error {
		if n < 0 {
			return fmt.Errorf("%w: max fanout must not be negative", ErrInvalidOption)
		}
		e.maxFanout = n
		return nil
	}
}

// WithMaxExpansions caps the number of edges followed by one query.
func WithMaxExpansions(n int) Option {
	return func(e *Expander) error {
		if n < 1 {
			return fmt.Errorf("%w: max expansions must be at least 1", ErrInvalidOption)
		}
		e.maxExpansions = int64(n)
		return nil
	}
}

// WithBoosts sets the OVERRIDES and REQUIRES boost factors.
func WithBoosts(override, dependency float64) Option {
	return func(e *Expander) error {
		if !(override > dependency && dependency > 1) {
			return fmt.Errorf("%w: got override=%v dependency=%v", ErrInvalidBoosts, override, dependency)
		}
		e.boostOverride = override
		e.boostDependency = dependency
		return nil
	}
}

// WithBudget sets the per-query time budget. Zero disables it.
func WithBudget(d time.Duration) Option {
	return func(e *Expander) error {
		if d < 0 {
			return fmt.Errorf("%w: budget must not be negative", ErrInvalidOption)
		}
		e.budget = d
		return nil
	}
}

// NewExpander creates a new expander. Call Release when done.
func NewExpander(graph storage.GraphRepository, opts ...Option) (*Expander, error) {
	if graph == nil {
		return nil, ErrGraphRepositoryRequired
	}

	e := &Expander{
		graph:           graph,
		logger:          slog.Default(),
		tracer:          otel.Tracer("github.com/poiesic/codex/graph"),
		anchorLimit:     DefaultAnchorLimit,
		defaultMaxHops:  DefaultMaxHops,
		maxExpansions:   DefaultMaxExpansions,
		boostOverride:   DefaultBoostOverride,
		boostDependency: DefaultBoostDependency,
		budget:          DefaultBudget,
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			e.Release()
			return nil, err
		}
	}

	if e.pool == nil {
		pool, err := ants.NewPool(max(runtime.NumCPU(), 1))
		if err != nil {
			return nil, err
		}
		e.pool = pool
	}

	return e, nil
}

// Release stops the branch worker pool.
func (e *Expander) Release() {
	if e.pool != nil {
		e.pool.Release()
	}
}

// boost returns the factor for a node reached through an edge of type t.
func (e *Expander) boost(t core.EdgeType) float64 {
	switch t {
	case core.EdgeOverrides:
		return e.boostOverride
	case core.EdgeRequires:
		return e.boostDependency
	default:
		return 1.0
	}
}

// hit is the best known way a node was reached.
type hit struct {
	node   *core.KnowledgeNode
	score  float64
	method core.Method
	depth  int
	path   []core.ID
	via    core.EdgeType
}

// betterThan prefers higher score, then shallower depth.
func (h *hit) betterThan(o *hit) bool {
	if h.score != o.score {
		return h.score > o.score
	}
	return h.depth < o.depth
}

type traversal struct {
	tenant     core.TenantID
	maxHops    int
	decay      float64
	edgeTypes  []core.EdgeType
	expansions atomic.Int64
	cycles     atomic.Int64
	truncated  atomic.Bool
}

// RetrieveGraphGuided finds anchors similar to q.Vector within the scope's tenant and
// expands them along allowed edges. Results are deduplicated by node, keeping the
// best boosted score, and ordered by score descending then ID.
func (e *Expander) RetrieveGraphGuided(ctx context.Context, q GraphQuery) ([]*core.RetrievalResult, error) {
	ctx, span := e.tracer.Start(ctx, "graph.RetrieveGraphGuided", trace.WithAttributes(
		attribute.String("codex.tenant", string(q.Scope.Tenant())),
		attribute.Int("codex.k", q.K),
		attribute.Int("codex.max_hops", q.MaxHops),
	))
	defer span.End()

	results, err := e.retrieve(ctx, q, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("codex.results", len(results)))
	return results, nil
}

func (e *Expander) retrieve(ctx context.Context, q GraphQuery, span trace.Span) ([]*core.RetrievalResult, error) {
	t, err := e.plan(q)
	if err != nil {
		return nil, err
	}
	if q.Scope.IncludesGlobal() {
		e.logger.Info("global flag ignored, knowledge graphs are tenant-owned", "scope", q.Scope.String())
	}

	queryCtx := ctx
	if e.budget > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, e.budget)
		defer cancel()
	}

	anchors, err := e.graph.FindSimilarNodes(queryCtx, t.tenant, q.Vector, q.SimilarityThreshold, e.anchorLimit)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			e.logger.Warn("query budget exhausted, returning partial traversal", "tenant", t.tenant, "budget", e.budget, "stage", "anchors")
			span.SetAttributes(attribute.Bool("codex.partial", true))
			return []*core.RetrievalResult{}, nil
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("codex.anchors", len(anchors)))
	if len(anchors) == 0 {
		return []*core.RetrievalResult{}, nil
	}

	branches := make([]map[core.ID]*hit, len(anchors))
	errs := make([]error, len(anchors))
	var wg sync.WaitGroup
	for i, anchor := range anchors {
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			branches[i], errs[i] = e.expandBranch(queryCtx, t, anchor)
		})
		if err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()

	partial := false
	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			partial = true
			continue
		}
		return nil, err
	}
	if partial {
		e.logger.Warn("query budget exhausted, returning partial traversal", "tenant", t.tenant, "budget", e.budget)
	}
	if t.truncated.Load() {
		e.logger.Warn("expansion limit reached, returning partial traversal", "tenant", t.tenant, "limit", e.maxExpansions)
	}
	span.SetAttributes(
		attribute.Int64("codex.expansions", t.expansions.Load()),
		attribute.Int64("codex.cycles_pruned", t.cycles.Load()),
		attribute.Bool("codex.partial", partial || t.truncated.Load()),
	)

	return mergeBranches(branches, q.K), nil
}

// plan validates a query and resolves its defaults.
func (e *Expander) plan(q GraphQuery) (*traversal, error) {
	if err := q.Scope.Validate(); err != nil {
		return nil, err
	}
	if q.K <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", storage.ErrInvalidQuery, q.K)
	}
	if q.MaxHops < 0 {
		return nil, fmt.Errorf("%w: max hops must not be negative, got %d", storage.ErrInvalidQuery, q.MaxHops)
	}
	if q.DecayFactor < 0 || q.DecayFactor > 1 || math.IsNaN(q.DecayFactor) {
		return nil, fmt.Errorf("%w: decay factor must be in (0,1], got %v", storage.ErrInvalidQuery, q.DecayFactor)
	}
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("%w: query embedding is empty", core.ErrDimensionMismatch)
	}

	t := &traversal{
		tenant:    q.Scope.Tenant(),
		maxHops:   q.MaxHops,
		decay:     q.DecayFactor,
		edgeTypes: q.AllowedEdgeTypes,
	}
	if t.maxHops == 0 {
		t.maxHops = e.defaultMaxHops
	}
	if t.decay == 0 {
		t.decay = DefaultDecayFactor
	}
	if len(t.edgeTypes) == 0 {
		t.edgeTypes = DefaultEdgeTypes
	}
	for _, et := range t.edgeTypes {
		if !et.IsValid() {
			return nil, fmt.Errorf("%w: %q", core.ErrInvalidEdgeType, et)
		}
	}
	return t, nil
}

type workItem struct {
	node  *core.KnowledgeNode
	raw   float64
	depth int
	path  []core.ID
}

// expandBranch walks breadth-first from one anchor. Scores propagate as
// raw_child = raw_parent * weight * decay^(depth-1); the boost of the last hop is
// applied to the reported score only.
//
// A node or edge owned by another tenant discards the whole branch.
func (e *Expander) expandBranch(ctx context.Context, t *traversal, anchor *core.NodeMatch) (map[core.ID]*hit, error) {
	if anchor.Node.TenantID != t.tenant {
		e.logger.Warn("anchor tenant mismatch, branch aborted", "tenant", t.tenant, "node", anchor.Node.Id)
		return nil, nil
	}

	best := make(map[core.ID]*hit)
	record := func(h *hit) {
		if cur, ok := best[h.node.Id]; !ok || h.betterThan(cur) {
			best[h.node.Id] = h
		}
	}

	root := []core.ID{anchor.Node.Id}
	record(&hit{node: anchor.Node, score: anchor.Similarity, method: core.MethodVector, path: root})
	queue := []workItem{{node: anchor.Node, raw: anchor.Similarity, path: root}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if item.depth >= t.maxHops {
			continue
		}
		if err := ctx.Err(); err != nil {
			return best, err
		}

		edges, err := e.graph.OutgoingEdges(ctx, t.tenant, item.node.Id, t.edgeTypes...)
		if err != nil {
			return best, err
		}
		slices.SortFunc(edges, func(a, b *core.KnowledgeEdge) int {
			if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
				return c
			}
			if c := cmp.Compare(a.TargetID, b.TargetID); c != 0 {
				return c
			}
			return cmp.Compare(a.Type, b.Type)
		})
		if e.maxFanout > 0 && len(edges) > e.maxFanout {
			edges = edges[:e.maxFanout]
		}

		depth := item.depth + 1
		for _, edge := range edges {
			if edge.TenantID != t.tenant || edge.SourceID != item.node.Id {
				e.logger.Warn("edge tenant mismatch, branch aborted", "tenant", t.tenant, "edge", edge.Id)
				return nil, nil
			}
			if slices.Contains(item.path, edge.TargetID) {
				t.cycles.Add(1)
				e.logger.Debug("pruned traversal cycle", "err", core.ErrTraversalCycle, "node", edge.TargetID, "depth", depth)
				continue
			}
			if t.expansions.Add(1) > e.maxExpansions {
				t.truncated.Store(true)
				return best, nil
			}

			child, err := e.graph.GetNode(ctx, t.tenant, edge.TargetID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					e.logger.Warn("edge points at missing node", "edge", edge.Id, "node", edge.TargetID)
					continue
				}
				return best, err
			}
			if child.TenantID != t.tenant {
				e.logger.Warn("node tenant mismatch, branch aborted", "tenant", t.tenant, "node", child.Id)
				return nil, nil
			}

			raw := item.raw * edge.Weight * math.Pow(t.decay, float64(depth-1))
			path := append(slices.Clone(item.path), child.Id)
			record(&hit{
				node:   child,
				score:  raw * e.boost(edge.Type),
				method: core.MethodForEdge(edge.Type),
				depth:  depth,
				path:   path,
				via:    edge.Type,
			})
			queue = append(queue, workItem{node: child, raw: raw, depth: depth, path: path})
		}
	}
	return best, nil
}

// mergeBranches keeps the best hit per node across branches and orders the result.
func mergeBranches(branches []map[core.ID]*hit, k int) []*core.RetrievalResult {
	merged := make(map[core.ID]*hit)
	for _, branch := range branches {
		for id, h := range branch {
			if cur, ok := merged[id]; !ok || h.betterThan(cur) {
				merged[id] = h
			}
		}
	}

	hits := make([]*hit, 0, len(merged))
	for _, h := range merged {
		hits = append(hits, h)
	}
	slices.SortFunc(hits, func(a, b *hit) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.node.Id, b.node.Id)
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	results := make([]*core.RetrievalResult, 0, len(hits))
	for _, h := range hits {
		metadata := map[string]string{
			"node_type": string(h.node.Type),
			"tenant_id": string(h.node.TenantID),
		}
		if h.via != "" {
			metadata["edge_type"] = string(h.via)
		}
		metadata["depth"] = strconv.Itoa(h.depth)
		results = append(results, &core.RetrievalResult{
			Id:       h.node.Id,
			Title:    h.node.Name,
			Content:  h.node.Content,
			Score:    h.score,
			Method:   h.method,
			Depth:    h.depth,
			Path:     h.path,
			Metadata: metadata,
		})
	}
	return results
}
