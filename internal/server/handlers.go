package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/policydesk/internal/fileid"
	"github.com/hyperjump/policydesk/internal/models"
	"github.com/hyperjump/policydesk/internal/pipeline"
	"github.com/hyperjump/policydesk/internal/retrieval"
	"go.uber.org/zap"
)

const (
	maxQueryBody = 64 << 10

	errorTypeInvalidRequest = "invalid_request"
	errorTypeSearchFailure  = "search_failure"
	errorTypeInternal       = "internal_error"

	apiMessage = "Customer Service Support System API"

	indexMissingMessage = `the document index has not been built; run "policydesk index" and try again`
)

// errorResponse is the body of every failed /query call.
type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

func internalError() errorResponse {
	return errorResponse{Error: "internal error", ErrorType: errorTypeInternal}
}

type healthResponse struct {
	Status      string `json:"status"`
	IndexLoaded bool   `json:"index_loaded"`
}

type warmupResponse struct {
	State string `json:"status"`
	retrieval.Status
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"message": apiMessage, "version": s.version})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBody)
	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", ErrorType: errorTypeInvalidRequest})
		return
	}

	resp, err := s.queries.Run(r.Context(), &req)
	if err == nil {
		s.respondJSON(w, http.StatusOK, resp)
		return
	}

	reqID := middleware.GetReqID(r.Context())
	var stageErr *pipeline.StageError
	switch {
	case errors.Is(err, models.ErrEmptyQuestion):
		s.respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), ErrorType: errorTypeInvalidRequest})
	case pipeline.IsIndexNotInitialized(err):
		s.logger.Warn("query rejected: index not built", zap.String("request_id", reqID))
		s.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: indexMissingMessage, ErrorType: errorTypeSearchFailure})
	case errors.As(err, &stageErr) && stageErr.Kind == pipeline.KindSearchFailure:
		s.logger.Error("query search failed", zap.String("request_id", reqID), zap.Error(err))
		s.respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to search policy documents", ErrorType: errorTypeSearchFailure})
	default:
		s.logger.Error("query failed", zap.String("request_id", reqID), zap.Error(err))
		s.respondJSON(w, http.StatusInternalServerError, internalError())
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Aggregate(r.Context())
	if err != nil {
		s.logger.Error("stats: aggregate failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, healthResponse{Status: "ok", IndexLoaded: s.index.Loaded()})
}

func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	st, err := s.index.Warm(r.Context())
	if err != nil {
		if errors.Is(err, retrieval.ErrIndexNotInitialized) {
			s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_initialized", "error": indexMissingMessage})
			return
		}
		s.logger.Error("warmup failed", zap.Error(err))
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": "internal error"})
		return
	}
	s.respondJSON(w, http.StatusOK, warmupResponse{State: "warm", Status: st})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || !fileid.ValidDocumentName(name) {
		s.respondError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	if s.documentsDir == "" {
		s.respondError(w, http.StatusNotFound, "document not found")
		return
	}
	f, err := os.Open(filepath.Join(s.documentsDir, name))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("document: open failed", zap.String("name", name), zap.Error(err))
		}
		s.respondError(w, http.StatusNotFound, "document not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		s.respondError(w, http.StatusNotFound, "document not found")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
