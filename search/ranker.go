package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRRFConstant         = 60
	DefaultCandidateMultiplier = 2
	DefaultBudget              = 3 * time.Second
)

// FusedQuery describes one fused retrieval.
type FusedQuery struct {
	// Vector is the query embedding. Required.
	Vector []float32
	// Text is the optional keyword query. Blank text means pure vector ranking.
	Text string
	// Scope gates every fragment read.
	Scope core.Scope
	// K is the maximum number of results.
	K int
	// SimilarityThreshold drops vector candidates below this cosine similarity when > 0.
	SimilarityThreshold float64
}

// Ranker fuses vector and keyword rankings of content fragments with Reciprocal Rank Fusion.
type Ranker struct {
	fragments           storage.FragmentRepository
	logger              *slog.Logger
	tracer              trace.Tracer
	rrfConstant         float64
	candidateMultiplier int
	budget              time.Duration
	bm25                bm25
}

// Option configures a Ranker.
type Option func(*Ranker) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Ranker) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// WithTracer sets the tracer used for query spans.
// Default is the global otel tracer provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Ranker) error {
		if tracer != nil {
			r.tracer = tracer
		}
		return nil
	}
}

// WithRRFConstant sets k_rrf. Larger values flatten the advantage of top ranks.
func WithRRFConstant(k float64) Option {
	return func(r *Ranker) error {
		if k <= 0 {
			return fmt.Errorf("%w: rrf constant must be positive, got %v", ErrInvalidOption, k)
		}
		r.rrfConstant = k
		return nil
	}
}

// WithCandidateMultiplier sets how many candidates per requested result each channel keeps.
func WithCandidateMultiplier(m int) Option {
	return func(r *Ranker) error {
		if m < 1 {
			return fmt.Errorf("%w: candidate multiplier must be at least 1, got %d", ErrInvalidOption, m)
		}
		r.candidateMultiplier = m
		return nil
	}
}

// WithBudget sets the per-query time budget. Zero disables it.
func WithBudget(d time.Duration) Option {
	return func(r *Ranker) error {
		if d < 0 {
			return fmt.Errorf("%w: budget must not be negative", ErrInvalidOption)
		}
		r.budget = d
		return nil
	}
}

// NewRanker creates a new ranker.
func NewRanker(fragments storage.FragmentRepository, opts ...Option) (*Ranker, error) {
	if fragments == nil {
		return nil, ErrFragmentRepositoryRequired
	}

	r := &Ranker{
		fragments:           fragments,
		logger:              slog.Default(),
		tracer:              otel.Tracer("github.com/poiesic/codex/search"),
		rrfConstant:         DefaultRRFConstant,
		candidateMultiplier: DefaultCandidateMultiplier,
		budget:              DefaultBudget,
		bm25:                defaultBM25,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// RetrieveFused returns up to q.K in-scope fragments ranked by fused score.
func (r *Ranker) RetrieveFused(ctx context.Context, q FusedQuery) ([]*core.RetrievalResult, error) {
	return r.RetrieveFusedWithMonitor(ctx, q, nil)
}

// RetrieveFusedWithMonitor is RetrieveFused with callbacks at each stage.
//
// Invalid scope, non-positive K and a query vector whose width differs from the
// store's are rejected before any fragment is read. When the query budget runs
// out, each channel keeps what it ranked so far and the partial fusion is returned.
func (r *Ranker) RetrieveFusedWithMonitor(ctx context.Context, q FusedQuery, monitor RankMonitor) ([]*core.RetrievalResult, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}

	ctx, span := r.tracer.Start(ctx, "search.RetrieveFused", trace.WithAttributes(
		attribute.String("codex.tenant", string(q.Scope.Tenant())),
		attribute.Bool("codex.global", q.Scope.IncludesGlobal()),
		attribute.Int("codex.k", q.K),
	))
	defer span.End()

	results, err := r.retrieve(ctx, &q, monitor, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("codex.results", len(results)))
	return results, nil
}

func (r *Ranker) retrieve(ctx context.Context, q *FusedQuery, monitor RankMonitor, span trace.Span) ([]*core.RetrievalResult, error) {
	if err := q.Scope.Validate(); err != nil {
		return nil, err
	}
	if q.K <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", storage.ErrInvalidQuery, q.K)
	}
	dim, err := r.fragments.EmbeddingDimension(ctx)
	if err != nil {
		return nil, err
	}
	if err := core.CheckDimension(q.Vector, dim); err != nil {
		return nil, err
	}

	monitor.Start(q)
	if q.Scope.IncludesGlobal() {
		r.logger.Info("audited global read", "scope", q.Scope.String(), "operation", "retrieve_fused")
	}
	if dim == 0 {
		// Nothing has been embedded yet.
		monitor.Finish(nil)
		return []*core.RetrievalResult{}, nil
	}

	queryCtx := ctx
	if r.budget > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, r.budget)
		defer cancel()
	}

	// Clamped so huge K cannot overflow into a negative heap capacity.
	limit := min(q.K, math.MaxInt/r.candidateMultiplier) * r.candidateMultiplier
	var (
		vectorRanked  []candidate
		keywordRanked []candidate
		partial       atomic.Bool
	)

	// exhausted reports whether err only means the budget ran out; the caller's own
	// cancellation is still an error.
	exhausted := func(channel Channel, err error) bool {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			r.logger.Warn("query budget exhausted, returning partial ranking", "channel", channel, "budget", r.budget)
			monitor.BudgetExhausted(channel)
			partial.Store(true)
			return true
		}
		return false
	}

	g, gctx := errgroup.WithContext(queryCtx)
	g.Go(func() error {
		ranked, err := r.vectorChannel(gctx, q, limit)
		if err != nil && !exhausted(ChannelVector, err) {
			return err
		}
		vectorRanked = ranked
		return nil
	})

	keyword := parseKeywordQuery(q.Text)
	if strings.TrimSpace(q.Text) != "" {
		g.Go(func() error {
			ranked, err := r.keywordChannel(gctx, q.Scope, keyword, limit)
			if err != nil && !exhausted(ChannelKeyword, err) {
				return err
			}
			keywordRanked = ranked
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	monitor.AfterVectorChannel(candidateIDs(vectorRanked))
	monitor.AfterKeywordChannel(candidateIDs(keywordRanked))
	span.SetAttributes(
		attribute.Int("codex.vector_candidates", len(vectorRanked)),
		attribute.Int("codex.keyword_candidates", len(keywordRanked)),
		attribute.Bool("codex.partial", partial.Load()),
	)

	results := r.fuse(vectorRanked, keywordRanked, q.K)
	monitor.Finish(results)
	return results, nil
}

// vectorChannel ranks in-scope fragments by ascending cosine distance.
func (r *Ranker) vectorChannel(ctx context.Context, q *FusedQuery, limit int) ([]candidate, error) {
	top := newTopK(limit)
	err := r.fragments.ScanFragments(ctx, q.Scope, func(f *core.ContentFragment) error {
		if len(f.Vector) != len(q.Vector) {
			return nil
		}
		sim, err := core.CosineSimilarity(q.Vector, f.Vector)
		if err != nil {
			return err
		}
		if q.SimilarityThreshold > 0 && sim < q.SimilarityThreshold {
			return nil
		}
		top.offer(candidate{fragment: f, score: sim})
		return nil
	})
	return top.ranked(), err
}

// keywordChannel ranks in-scope fragments matching the parsed query by BM25.
// Document frequencies and average length are taken over the in-scope set.
func (r *Ranker) keywordChannel(ctx context.Context, scope core.Scope, query keywordQuery, limit int) ([]candidate, error) {
	if query.empty() {
		return nil, nil
	}

	type match struct {
		fragment *core.ContentFragment
		tf       []int
	}

	terms := query.terms()
	stats := newCorpusStats(len(terms))
	var matches []match

	err := r.fragments.ScanFragments(ctx, scope, func(f *core.ContentFragment) error {
		tf := make([]int, len(terms))
		for i, t := range terms {
			tf[i] = core.TermFrequency(f.Terms, t)
		}
		stats.add(f.TokenCount, tf)
		if query.matches(f.Terms) {
			matches = append(matches, match{fragment: f, tf: tf})
		}
		return nil
	})

	top := newTopK(limit)
	for _, m := range matches {
		top.offer(candidate{fragment: m.fragment, score: r.bm25.score(stats, m.fragment.TokenCount, m.tf)})
	}
	return top.ranked(), err
}

type fused struct {
	fragment    *core.ContentFragment
	score       float64
	vectorRank  int
	keywordRank int
	similarity  float64
	relevance   float64
}

// fuse combines the channel rankings: score = sum over channels of 1/(k_rrf + rank).
func (r *Ranker) fuse(vectorRanked, keywordRanked []candidate, k int) []*core.RetrievalResult {
	byID := make(map[core.ID]*fused, len(vectorRanked)+len(keywordRanked))
	entry := func(f *core.ContentFragment) *fused {
		e, ok := byID[f.Id]
		if !ok {
			e = &fused{fragment: f}
			byID[f.Id] = e
		}
		return e
	}

	for i, c := range vectorRanked {
		e := entry(c.fragment)
		e.vectorRank = i + 1
		e.similarity = c.score
		e.score += 1 / (r.rrfConstant + float64(i+1))
	}
	for i, c := range keywordRanked {
		e := entry(c.fragment)
		e.keywordRank = i + 1
		e.relevance = c.score
		e.score += 1 / (r.rrfConstant + float64(i+1))
	}

	entries := slices.Collect(maps.Values(byID))
	slices.SortFunc(entries, func(a, b *fused) int {
		if a.score != b.score {
			if a.score > b.score {
				return -1
			}
			return 1
		}
		if a.fragment.Id < b.fragment.Id {
			return -1
		}
		if a.fragment.Id > b.fragment.Id {
			return 1
		}
		return 0
	})
	if len(entries) > k {
		entries = entries[:k]
	}

	results := make([]*core.RetrievalResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, toResult(e))
	}
	return results
}

func toResult(e *fused) *core.RetrievalResult {
	f := e.fragment
	metadata := make(map[string]string, len(f.Metadata)+8)
	maps.Copy(metadata, f.Metadata)

	method := core.MethodHybrid
	switch {
	case e.keywordRank == 0:
		method = core.MethodVector
	case e.vectorRank == 0:
		method = core.MethodKeyword
	}

	if e.vectorRank > 0 {
		metadata["rank_vector"] = strconv.Itoa(e.vectorRank)
		metadata["similarity"] = strconv.FormatFloat(e.similarity, 'f', 6, 64)
	}
	if e.keywordRank > 0 {
		metadata["rank_keyword"] = strconv.Itoa(e.keywordRank)
		metadata["bm25"] = strconv.FormatFloat(e.relevance, 'f', 6, 64)
	}
	if f.IsGlobal {
		metadata["is_global"] = "true"
	} else {
		metadata["tenant_id"] = string(f.TenantID)
	}
	if f.CollectionID != "" {
		metadata["collection_id"] = f.CollectionID
	}
	if f.SourceID != "" {
		metadata["source_id"] = f.SourceID
	}

	return &core.RetrievalResult{
		Id:       f.Id,
		Title:    f.Metadata["title"],
		Content:  f.Content,
		Score:    e.score,
		Method:   method,
		Metadata: metadata,
	}
}

func candidateIDs(ranked []candidate) []core.ID {
	ids := make([]core.ID, len(ranked))
	for i, c := range ranked {
		ids[i] = c.fragment.Id
	}
	return ids
}
