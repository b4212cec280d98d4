package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/replenisher/internal/model"
)

type ExperimentResponse struct {
	Start     time.Time     `json:"start"`
	DurationS float64       `json:"duration_s"`
	ElapsedS  float64       `json:"elapsed_s"`
	Outcome   model.Outcome `json:"outcome"`
	Channels  int           `json:"channels"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	board *Board
	http  *http.Server
}

func NewServer(board *Board, port int) *Server {
	return &Server{
		board: board,
		http: &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", port),
			Handler:           NewHandler(board),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("address", s.http.Addr).Msg("Starting status API server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// NewHandler routes the read-only status API and the prometheus scrape endpoint.
func NewHandler(board *Board) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/api/experiment", func(w http.ResponseWriter, _ *http.Request) {
		st := board.Experiment()
		writeJSON(w, http.StatusOK, ExperimentResponse{
			Start:     st.Start,
			DurationS: seconds(st.Duration),
			ElapsedS:  seconds(st.Elapsed),
			Outcome:   st.Outcome,
			Channels:  st.Channels,
		})
	})
	r.Get("/api/channels", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, board.Channels())
	})
	r.Get("/api/channels/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		snap, ok := board.Channel(name)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Channel %q not found", name))
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})
	r.Get("/api/faults", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, board.Faults())
	})
	r.Handle("/metrics", promhttp.HandlerFor(board.Registry(), promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}
