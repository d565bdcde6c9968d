package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/arbiter/internal/store"
)

type Server struct {
	router *chi.Mux
	port   int
	db     *store.Store
}

func NewServer(port int, db *store.Store) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		db:     db,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/arbiter/status", s.status)
	router.Get("/api/v1/arbiter/counterparties/{address}/risk", s.counterpartyRisk)

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"agent":  "arbiter",
		"status": "active",
	})
}

// counterpartyRisk exposes a counterparty's dispute aggregate to operators.
func (s *Server) counterpartyRisk(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	cp, err := s.db.LookupCounterparty(r.Context(), address)
	if err != nil {
		if errors.Is(err, store.ErrCounterpartyNotFound) {
			http.Error(w, `{"error":"counterparty not found"}`, http.StatusNotFound)
			return
		}
		slog.Error("counterparty lookup failed", "address", address, "error", err)
		http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
		return
	}

	profile, err := s.db.GetRiskProfile(r.Context(), cp.ID)
	if err != nil {
		slog.Error("risk profile fetch failed", "counterparty_id", cp.ID, "error", err)
		http.Error(w, `{"error":"lookup failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if profile == nil {
		json.NewEncoder(w).Encode(map[string]any{
			"counterparty_id": cp.ID,
			"total_disputes":  0,
		})
		return
	}
	json.NewEncoder(w).Encode(profile)
}
