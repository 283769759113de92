// Package server provides the HTTP API for policydesk.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hyperjump/policydesk/internal/config"
	"github.com/hyperjump/policydesk/internal/metrics"
	"github.com/hyperjump/policydesk/internal/models"
	"github.com/hyperjump/policydesk/internal/retrieval"
	"github.com/hyperjump/policydesk/pkg/utils"
	"go.uber.org/zap"
)

// QueryRunner answers one question.
type QueryRunner interface {
	Run(ctx context.Context, req *models.QueryRequest) (*models.QueryResponse, error)
}

// IndexWarmer exposes the in-memory index state.
type IndexWarmer interface {
	Warm(ctx context.Context) (retrieval.Status, error)
	Loaded() bool
}

// StatsSource computes dashboard statistics.
type StatsSource interface {
	Aggregate(ctx context.Context) (*models.AggregateStats, error)
}

// Server is the HTTP server for the policydesk API.
type Server struct {
	queries      QueryRunner
	index        IndexWarmer
	stats        StatsSource
	config       *config.ServerConfig
	documentsDir string
	version      string
	metrics      *metrics.Metrics
	logger       *zap.Logger
	server       *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithDocumentsDir sets the directory served by /document/{name}.
func WithDocumentsDir(dir string) Option {
	return func(s *Server) { s.documentsDir = dir }
}

// WithVersion sets the version reported by /.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a server with the given dependencies.
func NewServer(queries QueryRunner, index IndexWarmer, stats StatsSource, cfg *config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		queries: queries,
		index:   index,
		stats:   stats,
		config:  cfg,
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = utils.NopIfNil(s.logger)
	return s
}

// Handler returns the routed HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(s.recoverJSON)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	if s.config.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.config.RequestTimeout))
	}
	r.Use(middleware.Compress(5))

	s.routes(r)
	r.Route("/api", s.routes)
	return r
}

// routes registers every endpoint on r. They are mounted twice: at the root and
// under /api for the dashboard frontend.
func (s *Server) routes(r chi.Router) {
	r.Get("/", s.handleRoot)
	r.Post("/query", s.handleQuery)
	r.Get("/stats", s.handleStats)
	r.Get("/health", s.handleHealth)
	r.Get("/warmup", s.handleWarmup)
	r.Get("/document/{name}", s.handleDocument)
	r.Get("/metrics", s.handleMetrics)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// accessLog logs one line per request through zap.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}

// recoverJSON turns handler panics into an opaque JSON 500.
func (s *Server) recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("panic in handler",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Stack("stack"))
			s.respondJSON(w, http.StatusInternalServerError, internalError())
		}()
		next.ServeHTTP(w, r)
	})
}
