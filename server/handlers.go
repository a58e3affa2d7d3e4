package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/poiesic/codex"
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/graph"
	"github.com/poiesic/codex/search"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// queryVector returns vector, or the embedding of text when vector is empty.
func (s *Server) queryVector(ctx context.Context, vector []float32, text string) ([]float32, error) {
	if len(vector) > 0 || strings.TrimSpace(text) == "" {
		return vector, nil
	}
	return s.service.EmbedText(ctx, text)
}

func (s *Server) retrieveFused(c *gin.Context) {
	var req fusedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	// Scope is resolved before any embedding or read.
	scope, err := core.ResolveScope(req.Scope)
	if err != nil {
		s.writeError(c, err)
		return
	}
	vector, err := s.queryVector(c.Request.Context(), req.QueryVector, req.QueryText)
	if err != nil {
		s.writeError(c, err)
		return
	}

	k := req.K
	if k == 0 {
		k = defaultK
	}
	results, err := s.service.RetrieveFused(c.Request.Context(), search.FusedQuery{
		Vector:              vector,
		Text:                req.QueryText,
		Scope:               scope,
		K:                   k,
		SimilarityThreshold: req.SimilarityThreshold,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": toResults(results)})
}

func (s *Server) retrieveGraph(c *gin.Context) {
	var req graphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	scope, err := core.ResolveScope(req.Scope)
	if err != nil {
		s.writeError(c, err)
		return
	}
	edgeTypes := make([]core.EdgeType, 0, len(req.AllowedEdgeTypes))
	for _, raw := range req.AllowedEdgeTypes {
		t, err := core.ParseEdgeType(raw)
		if err != nil {
			s.writeError(c, err)
			return
		}
		edgeTypes = append(edgeTypes, t)
	}
	vector, err := s.queryVector(c.Request.Context(), req.QueryVector, req.QueryText)
	if err != nil {
		s.writeError(c, err)
		return
	}

	k := req.K
	if k == 0 {
		k = defaultK
	}
	results, err := s.service.RetrieveGraphGuided(c.Request.Context(), graph.GraphQuery{
		Vector:              vector,
		Scope:               scope,
		SimilarityThreshold: req.SimilarityThreshold,
		K:                   k,
		MaxHops:             req.MaxHops,
		DecayFactor:         req.DecayFactor,
		AllowedEdgeTypes:    edgeTypes,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": toResults(results)})
}

func (s *Server) upsertSubgraph(c *gin.Context) {
	var req subgraphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	report, err := s.service.UpsertSubgraph(c.Request.Context(), core.TenantID(req.TenantID), req.SourceFragmentID, req.Entities, req.Relations)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSubgraphResponse(report))
}

func (s *Server) addFragments(c *gin.Context) {
	var req fragmentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	fragments := make([]*core.ContentFragment, len(req.Fragments))
	for i, f := range req.Fragments {
		fragments[i] = f.toFragment()
		if err := core.ValidateFragment(fragments[i]); err != nil {
			s.writeError(c, err)
			return
		}
		if len(f.Vector) > 0 {
			continue
		}
		vector, err := s.service.EmbedText(ctx, f.Content)
		switch {
		case errors.Is(err, codex.ErrEmbedderUnavailable):
			// stored without a vector; keyword retrieval still finds it
		case err != nil:
			s.writeError(c, err)
			return
		default:
			fragments[i].Vector = vector
		}
	}

	added, err := s.service.AddFragments(ctx, fragments...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ids := make([]string, len(added))
	for i, f := range added {
		ids[i] = f.Id.String()
	}
	c.JSON(http.StatusCreated, gin.H{"ids": ids})
}
