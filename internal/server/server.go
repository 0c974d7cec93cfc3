// Package server provides the HTTP REST API for the conversion service.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xuan1250/transfer2read/internal/progress"
	"github.com/xuan1250/transfer2read/internal/storage"
	"github.com/xuan1250/transfer2read/internal/types"
)

// JobService is the orchestrator surface the handlers call.
type JobService interface {
	Submit(ctx context.Context, ownerID uuid.UUID, tier types.AccountTier, inputRef string) (*types.ConversionJob, error)
	Start(ctx context.Context, jobID uuid.UUID) (*types.ConversionJob, error)
	Cancel(ctx context.Context, jobID uuid.UUID) (*types.ConversionJob, error)
	Get(ctx context.Context, jobID uuid.UUID) (*types.ConversionJob, error)
	List(ctx context.Context, ownerID uuid.UUID, limit int) ([]types.ConversionJob, error)
	Delete(ctx context.Context, jobID uuid.UUID, ownerID uuid.UUID) error
	DownloadURL(ctx context.Context, jobID uuid.UUID) (string, error)
}

// EventSource serves the progress stream for the SSE endpoint.
type EventSource interface {
	Snapshot(ctx context.Context, jobID uuid.UUID) ([]progress.Event, error)
	Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan progress.Event, error)
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	service    JobService
	events     EventSource
	store      storage.ObjectStore
	validate   *validator.Validate
	log        *logrus.Logger
	maxUpload  int64
}

// Config holds server configuration
type Config struct {
	Port           int
	MaxUploadBytes int64
}

// New creates a new server instance
func New(cfg Config, service JobService, events EventSource, store storage.ObjectStore, log *logrus.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	s := &Server{
		service:   service,
		events:    events,
		store:     store,
		validate:  validator.New(),
		log:       log,
		maxUpload: cfg.MaxUploadBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/start", s.handleStartJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /jobs/{id}/events", s.handleJobEvents)
	mux.HandleFunc("GET /jobs/{id}/download", s.handleDownload)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.withLogging(s.withCORS(mux)),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the context is cancelled, then drains in-flight
// requests before returning.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.httpServer.Addr).Info("server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Info("request")
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Error("encoding JSON response")
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// serviceError maps a service error to its HTTP response.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("internal error")
		s.errorResponse(w, status, "internal error")
		return
	}
	s.errorResponse(w, status, err.Error())
}
