package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
)

// DefaultRelationWeight is stored for relations inserted without a weight.
const DefaultRelationWeight = 1.0

// Upserter merges extracted subgraphs into a tenant's knowledge graph.
type Upserter struct {
	graph  storage.GraphRepository
	logger *slog.Logger
}

// UpserterOption configures an Upserter.
type UpserterOption func(*Upserter)

// WithUpserterLogger sets a custom logger.
// Default is slog.Default().
func WithUpserterLogger(logger *slog.Logger) UpserterOption {
	return func(u *Upserter) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// NewUpserter creates an Upserter writing to graph.
func NewUpserter(graph storage.GraphRepository, opts ...UpserterOption) (*Upserter, error) {
	if graph == nil {
		return nil, ErrGraphRepositoryRequired
	}
	u := &Upserter{graph: graph, logger: slog.Default()}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With("component", "upserter")
	return u, nil
}

// UpsertSubgraph merges entities and relations extracted from the fragment
// fragmentID into tenant's graph. A zero fragmentID skips provenance.
//
// Each item commits in its own transaction. Items that cannot be stored are
// reported in UpsertReport.Errors and do not stop the batch. A missing tenant,
// a closed store and context cancellation are fatal and returned as the error,
// together with the report of the work already committed.
func (u *Upserter) UpsertSubgraph(ctx context.Context, tenant core.TenantID, fragmentID core.ID, entities []Entity, relations []Relation) (*UpsertReport, error) {
	if err := core.ValidateTenant(string(tenant)); err != nil {
		return nil, err
	}

	report := &UpsertReport{
		EntitiesExtracted:  len(entities),
		RelationsExtracted: len(relations),
	}
	resolved := make(map[string]core.ID, len(entities))

	for i, entity := range entities {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		name := strings.Join(strings.Fields(entity.Name), " ")
		if name == "" {
			report.addError(KindEntity, i, entity.Name, fmt.Errorf("%w: blank name", core.ErrInvalidEntity))
			continue
		}

		node, inserted, err := u.graph.UpsertNode(ctx, tenant, name, mergeEntity(entity))
		if err != nil {
			if isFatal(ctx, err) {
				return report, err
			}
			report.addError(KindEntity, i, name, entityError(err))
			continue
		}
		if inserted {
			report.EntitiesInserted++
		} else {
			report.EntitiesMerged++
		}
		resolved[core.NormalizeName(name)] = node.Id

		if fragmentID == 0 {
			continue
		}
		created, err := u.graph.LinkSource(ctx, tenant, node.Id, fragmentID)
		if err != nil {
			if isFatal(ctx, err) {
				return report, err
			}
			report.addError(KindProvenance, i, name, err)
			continue
		}
		if created {
			report.ProvenanceLinked++
		}
	}

	for i, relation := range relations {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		label := relationLabel(relation)

		edgeType, err := core.ParseEdgeType(relation.Type)
		if err != nil {
			report.addError(KindRelation, i, label, err)
			continue
		}
		source, err := u.resolve(ctx, tenant, resolved, relation.SourceName)
		if err != nil {
			if isFatal(ctx, err) {
				return report, err
			}
			report.addError(KindRelation, i, label, err)
			continue
		}
		target, err := u.resolve(ctx, tenant, resolved, relation.TargetName)
		if err != nil {
			if isFatal(ctx, err) {
				return report, err
			}
			report.addError(KindRelation, i, label, err)
			continue
		}
		if source == target {
			report.addError(KindRelation, i, label, fmt.Errorf("%w: %q", core.ErrSelfLoop, relation.SourceName))
			continue
		}

		_, inserted, err := u.graph.UpsertEdge(ctx, tenant, source, target, edgeType, mergeRelation(relation))
		if err != nil {
			if isFatal(ctx, err) {
				return report, err
			}
			report.addError(KindRelation, i, label, err)
			continue
		}
		if inserted {
			report.RelationsInserted++
		} else {
			report.RelationsMerged++
		}
	}

	if len(report.Errors) > 0 {
		u.logger.Warn("subgraph upserted with item errors",
			"tenant", tenant,
			"fragment", fragmentID,
			"errors", len(report.Errors))
	}
	u.logger.Debug("subgraph upserted",
		"tenant", tenant,
		"fragment", fragmentID,
		"entities_inserted", report.EntitiesInserted,
		"entities_merged", report.EntitiesMerged,
		"relations_inserted", report.RelationsInserted,
		"relations_merged", report.RelationsMerged)
	return report, nil
}

// resolve maps an entity name to a node ID, preferring names upserted in this batch.
func (u *Upserter) resolve(ctx context.Context, tenant core.TenantID, resolved map[string]core.ID, name string) (core.ID, error) {
	key := core.NormalizeName(name)
	if key == "" {
		return 0, fmt.Errorf("%w: blank name", core.ErrUnresolvedEntityReference)
	}
	if id, ok := resolved[key]; ok {
		return id, nil
	}
	node, err := u.graph.FindNodeByName(ctx, tenant, name)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("%w: %q", core.ErrUnresolvedEntityReference, name)
	}
	if err != nil {
		return 0, err
	}
	resolved[key] = node.Id
	return node.Id, nil
}

// mergeEntity returns the merge applied to the node named by entity.
// It runs inside the store transaction and may be retried, so it only derives
// the next state from existing.
func mergeEntity(entity Entity) storage.NodeMergeFunc {
	return func(existing *core.KnowledgeNode) (*core.KnowledgeNode, error) {
		if existing == nil {
			return &core.KnowledgeNode{
				Type:       core.NormalizeNodeType(entity.Type),
				Content:    strings.TrimSpace(entity.Description),
				Vector:     entity.Vector,
				Properties: maps.Clone(entity.Properties),
			}, nil
		}

		next := *existing
		if t := core.NormalizeNodeType(entity.Type); t != "" {
			next.Type = t
		}
		next.Content = appendDescription(existing.Content, entity.Description)
		if len(entity.Vector) > 0 {
			next.Vector = entity.Vector
		}
		if len(entity.Properties) > 0 {
			next.Properties = maps.Clone(existing.Properties)
			if next.Properties == nil {
				next.Properties = make(map[string]string, len(entity.Properties))
			}
			maps.Copy(next.Properties, entity.Properties)
		}
		return &next, nil
	}
}

// mergeRelation returns the merge applied to the edge described by relation.
func mergeRelation(relation Relation) storage.EdgeMergeFunc {
	return func(existing *core.KnowledgeEdge) (*core.KnowledgeEdge, error) {
		if existing == nil {
			weight := DefaultRelationWeight
			if relation.Weight != nil {
				weight = core.ClampWeight(*relation.Weight)
			}
			return &core.KnowledgeEdge{
				Weight:      weight,
				Description: strings.TrimSpace(relation.Description),
				UsageCount:  1,
			}, nil
		}

		next := *existing
		next.Description = appendDescription(existing.Description, relation.Description)
		next.UsageCount++
		if relation.Weight != nil {
			next.Weight = max(existing.Weight, core.ClampWeight(*relation.Weight))
		}
		return &next, nil
	}
}

// appendDescription adds addition on a new line unless existing already
// contains it, ignoring case.
func appendDescription(existing, addition string) string {
	addition = strings.TrimSpace(addition)
	switch {
	case addition == "":
		return existing
	case existing == "":
		return addition
	case strings.Contains(strings.ToLower(existing), strings.ToLower(addition)):
		return existing
	}
	return existing + "\n" + addition
}

// isFatal reports whether err must abort the whole subgraph.
func isFatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, storage.ErrStorageClosed)
}

// entityError tags node validation failures as invalid entities.
func entityError(err error) error {
	if errors.Is(err, core.ErrInvalidNode) && !errors.Is(err, core.ErrInvalidEntity) {
		return fmt.Errorf("%w: %w", core.ErrInvalidEntity, err)
	}
	return err
}

func relationLabel(r Relation) string {
	return r.SourceName + " -" + r.Type + "-> " + r.TargetName
}
