// Package server exposes retrieval and graph upserts over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poiesic/codex/core"
	"github.com/poiesic/codex/graph"
	"github.com/poiesic/codex/ingestion"
	"github.com/poiesic/codex/search"
)

// ErrServiceRequired is returned when New is called without a service.
var ErrServiceRequired = errors.New("service required")

const (
	DefaultMaxBodyBytes = 8 << 20
	shutdownTimeout     = 10 * time.Second
)

// Service is the retrieval core served over HTTP. *codex.Database implements it.
type Service interface {
	RetrieveFused(ctx context.Context, q search.FusedQuery) ([]*core.RetrievalResult, error)
	RetrieveGraphGuided(ctx context.Context, q graph.GraphQuery) ([]*core.RetrievalResult, error)
	UpsertSubgraph(ctx context.Context, tenant core.TenantID, fragmentID core.ID, entities []ingestion.Entity, relations []ingestion.Relation) (*ingestion.UpsertReport, error)
	AddFragments(ctx context.Context, fragments ...*core.ContentFragment) ([]*core.ContentFragment, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Server routes HTTP requests to a Service.
type Server struct {
	service      Service
	logger       *slog.Logger
	maxBodyBytes int64
	readTimeout  time.Duration
	writeTimeout time.Duration
	engine       *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxBodyBytes caps request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithTimeouts sets the HTTP read and write timeouts used by Run.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// New creates a server and its router.
func New(service Service, opts ...Option) (*Server, error) {
	if service == nil {
		return nil, ErrServiceRequired
	}
	s := &Server{
		service:      service,
		logger:       slog.Default(),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	s.engine = s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(requestID(), accessLog(s.logger), gin.Recovery(), limitBody(s.maxBodyBytes))

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	v1.POST("/retrieve/fused", s.retrieveFused)
	v1.POST("/retrieve/graph", s.retrieveGraph)
	v1.POST("/subgraph", s.upsertSubgraph)
	v1.POST("/fragments", s.addFragments)

	return r
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
