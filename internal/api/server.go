// Package api serves health, metrics and read-only change history over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rewired-gh/circuitwatch/internal/collector"
	"github.com/rewired-gh/circuitwatch/internal/logger"
	"github.com/rewired-gh/circuitwatch/internal/models"
	"github.com/rewired-gh/circuitwatch/internal/storage"
)

const maxLimit = 1000

// ChangeStore is the read side of persistence.
type ChangeStore interface {
	ListChanges(ctx context.Context, f storage.ChangeFilter) ([]models.ChangeEvent, error)
	Ping(ctx context.Context) error
}

// StatusSource exposes the orchestrator state.
type StatusSource interface {
	LastSummary() (collector.CycleSummary, bool)
	Phase() collector.Phase
}

// StateSource looks up in-memory circuit state.
type StateSource interface {
	Get(token uint32) (models.CircuitState, bool)
}

// Server is the HTTP API.
type Server struct {
	router chi.Router
	srv    *http.Server
	store  ChangeStore
	status StatusSource
	state  StateSource
}

// New builds the router. gatherer backs /metrics.
func New(store ChangeStore, status StatusSource, state StateSource, gatherer prometheus.Gatherer) *Server {
	s := &Server{store: store, status: status, state: state}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/api", func(r chi.Router) {
		r.Get("/summary", s.summary)
		r.Get("/changes", s.changes)
		r.Get("/state/{token}", s.circuitState)
	})

	s.router = r
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info("API listening on %s", addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server error: %v", err)
		}
	}()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type summaryResponse struct {
	Phase collector.Phase         `json:"phase"`
	Last  *collector.CycleSummary `json:"last_cycle"`
}

func (s *Server) summary(w http.ResponseWriter, _ *http.Request) {
	resp := summaryResponse{Phase: s.status.Phase()}
	if last, ok := s.status.LastSummary(); ok {
		resp.Last = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) changes(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.store.ListChanges(r.Context(), f)
	if err != nil {
		logger.Error("Failed to list changes: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to query changes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(events), "changes": events})
}

func parseFilter(r *http.Request) (storage.ChangeFilter, error) {
	q := r.URL.Query()
	f := storage.ChangeFilter{Underlying: q.Get("underlying"), Limit: 100}

	if v := q.Get("severity"); v != "" {
		sev, err := models.ParseSeverity(v)
		if err != nil {
			return f, err
		}
		f.MinSeverity = sev
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be an RFC3339 timestamp")
		}
		f.Since = t
	}
	if v := q.Get("token"); v != "" {
		tok, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return f, errors.New("token must be an instrument token")
		}
		f.InstrumentToken = uint32(tok)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			return f, errors.New("limit must be between 1 and 1000")
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) circuitState(w http.ResponseWriter, r *http.Request) {
	tok, err := strconv.ParseUint(chi.URLParam(r, "token"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "token must be an instrument token")
		return
	}
	st, ok := s.state.Get(uint32(tok))
	if !ok {
		writeError(w, http.StatusNotFound, "no state for instrument")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
