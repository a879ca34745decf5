// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eventpulse/harvester/internal/config"
	"github.com/eventpulse/harvester/internal/discovery"
	"github.com/eventpulse/harvester/internal/metrics"
	"github.com/eventpulse/harvester/internal/pipeline"
)

// Server wires HTTP handlers to the queue, the source registry, and the
// discovery coordinator.
type Server struct {
	router      chi.Router
	queue       pipeline.QueueStore
	sources     pipeline.SourceStore
	coordinator *discovery.Coordinator
	clock       pipeline.Clock
	cfg         config.Config
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	queue pipeline.QueueStore,
	sources pipeline.SourceStore,
	coordinator *discovery.Coordinator,
	clock pipeline.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:       queue,
		sources:     sources,
		coordinator: coordinator,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/discovery/run", s.runDiscovery)
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Route("/{source_id}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Post("/quarantine", s.quarantineSource)
				r.Post("/unquarantine", s.unquarantineSource)
			})
		})
		r.Route("/items", func(r chi.Router) {
			r.Post("/", s.enqueueItem)
			r.Get("/{item_id}", s.getItem)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The queue store is the hard dependency; a failing count means the
	// backing database is not reachable.
	if _, err := s.queue.CountPending(r.Context(), uuid.Nil); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) runDiscovery(w http.ResponseWriter, r *http.Request) {
	minTier := s.cfg.Discovery.MinTier
	report, err := s.coordinator.Run(r.Context(), minTier)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"targets": report.Targets,
		"spawned": report.Spawned,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	})
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.sources.ListTargets(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	sourceID, err := uuid.Parse(chi.URLParam(r, "source_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	source, err := s.sources.Get(r.Context(), sourceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source})
}

func (s *Server) quarantineSource(w http.ResponseWriter, r *http.Request) {
	sourceID, err := uuid.Parse(chi.URLParam(r, "source_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	var req quarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "missing quarantine reason")
		return
	}
	if err := s.sources.Quarantine(r.Context(), sourceID, req.Reason); err != nil {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"source_id": sourceID.String(),
		"status":    "quarantined",
	})
}

func (s *Server) unquarantineSource(w http.ResponseWriter, r *http.Request) {
	sourceID, err := uuid.Parse(chi.URLParam(r, "source_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	if err := s.sources.Unquarantine(r.Context(), sourceID); err != nil {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"source_id": sourceID.String(),
		"status":    "active",
	})
}

func (s *Server) enqueueItem(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sourceID, err := uuid.Parse(req.SourceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	source, err := s.sources.Get(r.Context(), sourceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	url := req.URL
	if url == "" {
		url = source.URL
	}
	item := pipeline.QueueItem{
		ID:        uuid.New(),
		SourceID:  sourceID,
		SourceURL: url,
		Stage:     pipeline.StageDiscovered,
		Priority:  source.Tier,
	}
	if err := s.queue.Enqueue(r.Context(), item); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("enqueue item: %v", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"item_id": item.ID.String()})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := uuid.Parse(chi.URLParam(r, "item_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	item, err := s.queue.Get(r.Context(), itemID)
	if err != nil {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

type quarantineRequest struct {
	Reason string `json:"reason"`
}

type enqueueRequest struct {
	SourceID string `json:"source_id"`
	URL      string `json:"url,omitempty"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
