package ingestion

import (
	"errors"
	"fmt"
)

// Entity is a knowledge unit to merge into the graph.
type Entity struct {
	Name        string            `json:"name" yaml:"name"`
	Type        string            `json:"type,omitempty" yaml:"type,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Vector      []float32         `json:"vector,omitempty" yaml:"vector,omitempty"`
	Properties  map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Relation is a typed edge between two entities referenced by name.
type Relation struct {
	SourceName  string   `json:"source" yaml:"source"`
	TargetName  string   `json:"target" yaml:"target"`
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Weight      *float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// ItemKind names the part of a subgraph an ItemError refers to.
type ItemKind string

const (
	KindEntity     ItemKind = "entity"
	KindProvenance ItemKind = "provenance"
	KindRelation   ItemKind = "relation"
)

// ItemError is a soft failure of one entity, provenance link or relation.
// It unwraps to the underlying sentinel.
type ItemError struct {
	Kind  ItemKind
	Index int    // Position of the item in its input slice
	Item  string // Entity name or "source -TYPE-> target"
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %d (%s): %v", e.Kind, e.Index, e.Item, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// UpsertReport summarizes one UpsertSubgraph call.
type UpsertReport struct {
	EntitiesExtracted  int `json:"entities_extracted"`
	EntitiesInserted   int `json:"entities_inserted"`
	EntitiesMerged     int `json:"entities_merged"`
	RelationsExtracted int `json:"relations_extracted"`
	RelationsInserted  int `json:"relations_inserted"`
	RelationsMerged    int `json:"relations_merged"`
	ProvenanceLinked   int `json:"provenance_linked"`

	Errors []*ItemError `json:"-"`
}

// Err joins the soft errors, or returns nil when every item was stored.
func (r *UpsertReport) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

func (r *UpsertReport) addError(kind ItemKind, index int, item string, err error) {
	r.Errors = append(r.Errors, &ItemError{Kind: kind, Index: index, Item: item, Err: err})
}
