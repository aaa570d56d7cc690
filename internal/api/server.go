package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/batcher"
	"github.com/dev-nidhishbhavsar/gca-googlechataction/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Server exposes health and the outcome log over HTTP. The store and
// batcher are nil when the relay runs without DATABASE_URL.
type Server struct {
	store    store.DataStore
	batcher  *batcher.Batcher
	inFlight func() int
	router   chi.Router
	http     *http.Server
}

func NewServer(s store.DataStore, b *batcher.Batcher, inFlight func() int, port int) *Server {
	srv := &Server{
		store:    s,
		batcher:  b,
		inFlight: inFlight,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Get("/outcomes", srv.handleListOutcomes)
		r.Get("/stats/{destinationID}", srv.handleGetDestinationStats)
	})

	srv.router = r
	srv.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Start serves until Shutdown is called. It returns nil on a clean shutdown.
func (s *Server) Start() error {
	slog.Info("starting HTTP API", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":        "ok",
		"service":       "gchat-relay",
		"outcome_store": s.store != nil,
	}
	if s.inFlight != nil {
		body["in_flight"] = s.inFlight()
	}
	if s.batcher != nil {
		body["buffer_size"] = s.batcher.BufferLen()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "outcome store not configured"})
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", "success", "failure":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be success or failure"})
		return
	}

	limit := defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = min(n, maxLimit)
		}
	}

	outs, err := s.store.QueryOutcomes(r.Context(), status, limit)
	if err != nil {
		slog.Error("query outcomes failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if outs == nil {
		outs = []map[string]any{}
	}

	writeJSON(w, http.StatusOK, outs)
}

func (s *Server) handleGetDestinationStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "outcome store not configured"})
		return
	}

	destinationID := chi.URLParam(r, "destinationID")

	m, err := s.store.GetDestinationStats(r.Context(), destinationID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "stats not found"})
		return
	}

	writeJSON(w, http.StatusOK, m)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
