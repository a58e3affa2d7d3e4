package server

import (
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/ingestion"
)

const defaultK = 10

type fusedRequest struct {
	QueryVector         []float32            `json:"query_vector"`
	QueryText           string               `json:"query_text"`
	Scope               core.ScopeDescriptor `json:"scope"`
	K                   int                  `json:"k" binding:"gte=0,lte=1000"`
	SimilarityThreshold float64              `json:"similarity_threshold" binding:"gte=0,lte=1"`
}

type graphRequest struct {
	QueryVector         []float32            `json:"query_vector"`
	QueryText           string               `json:"query_text"`
	Scope               core.ScopeDescriptor `json:"scope"`
	SimilarityThreshold float64              `json:"similarity_threshold" binding:"gte=0,lte=1"`
	K                   int                  `json:"k" binding:"gte=0,lte=1000"`
	MaxHops             int                  `json:"max_hops" binding:"gte=0,lte=16"`
	DecayFactor         float64              `json:"decay_factor" binding:"gte=0,lte=1"`
	AllowedEdgeTypes    []string             `json:"allowed_edge_types"`
}

type subgraphRequest struct {
	TenantID         string               `json:"tenant_id"`
	SourceFragmentID core.ID              `json:"source_fragment_id,string"`
	Entities         []ingestion.Entity   `json:"entities"`
	Relations        []ingestion.Relation `json:"relations"`
}

type fragmentRequest struct {
	TenantID     string            `json:"tenant_id"`
	IsGlobal     bool              `json:"is_global"`
	CollectionID string            `json:"collection_id"`
	SourceID     string            `json:"source_id"`
	Content      string            `json:"content"`
	Vector       []float32         `json:"vector"`
	Metadata     map[string]string `json:"metadata"`
}

type fragmentsRequest struct {
	Fragments []fragmentRequest `json:"fragments" binding:"required,min=1,max=1000"`
}

type resultResponse struct {
	ID       core.ID           `json:"id,string"`
	Title    string            `json:"title,omitempty"`
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Method   core.Method       `json:"method,omitempty"`
	Depth    int               `json:"depth"`
	Path     []string          `json:"path,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type itemErrorResponse struct {
	Kind  ingestion.ItemKind `json:"kind"`
	Index int                `json:"index"`
	Item  string             `json:"item"`
	Error string             `json:"error"`
}

type subgraphResponse struct {
	*ingestion.UpsertReport
	Errors []itemErrorResponse `json:"errors"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func toResults(results []*core.RetrievalResult) []resultResponse {
	out := make([]resultResponse, len(results))
	for i, r := range results {
		out[i] = resultResponse{
			ID:       r.Id,
			Title:    r.Title,
			Content:  r.Content,
			Score:    r.Score,
			Method:   r.Method,
			Depth:    r.Depth,
			Metadata: r.Metadata,
		}
		for _, id := range r.Path {
			out[i].Path = append(out[i].Path, id.String())
		}
	}
	return out
}

func toSubgraphResponse(report *ingestion.UpsertReport) subgraphResponse {
	resp := subgraphResponse{UpsertReport: report, Errors: []itemErrorResponse{}}
	for _, e := range report.Errors {
		resp.Errors = append(resp.Errors, itemErrorResponse{
			Kind:  e.Kind,
			Index: e.Index,
			Item:  e.Item,
			Error: e.Err.Error(),
		})
	}
	return resp
}

func (f fragmentRequest) toFragment() *core.ContentFragment {
	return &core.ContentFragment{
		TenantID:     core.TenantID(f.TenantID),
		IsGlobal:     f.IsGlobal,
		CollectionID: f.CollectionID,
		SourceID:     f.SourceID,
		Content:      f.Content,
		Vector:       f.Vector,
		Metadata:     f.Metadata,
	}
}
