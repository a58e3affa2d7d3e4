package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/poiesic/codex"
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/storage"
)

// Error codes carried in the "error" field of failure responses.
const (
	codeScopeRejected     = "scope_rejected"
	codeDimensionMismatch = "dimension_mismatch"
	codeInvalidRequest    = "invalid_request"
	codeInvalidEdgeType   = "invalid_edge_type"
	codeEmbedderMissing   = "query_vector_required"
	codeTimeout           = "timeout"
	codeInternal          = "internal_error"
)

var validationErrors = []error{
	storage.ErrInvalidQuery,
	core.ErrInvalidFragment,
	core.ErrInvalidNode,
	core.ErrInvalidEdge,
	core.ErrInvalidEntity,
}

// classify maps an error to its HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrScope):
		return http.StatusBadRequest, codeScopeRejected
	case errors.Is(err, core.ErrDimensionMismatch):
		return http.StatusUnprocessableEntity, codeDimensionMismatch
	case errors.Is(err, core.ErrInvalidEdgeType):
		return http.StatusBadRequest, codeInvalidEdgeType
	case errors.Is(err, codex.ErrEmbedderUnavailable):
		return http.StatusBadRequest, codeEmbedderMissing
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codeTimeout
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest, codeInvalidRequest
		}
	}
	return http.StatusInternalServerError, codeInternal
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), requestIDKey, c.GetString(requestIDKey), "err", err)
		message = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     code,
		Message:   message,
		RequestID: c.GetString(requestIDKey),
	})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorResponse{
			Error:     codeInvalidRequest,
			Message:   err.Error(),
			RequestID: c.GetString(requestIDKey),
		})
		return
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
		Error:     codeInvalidRequest,
		Message:   err.Error(),
		RequestID: c.GetString(requestIDKey),
	})
}
