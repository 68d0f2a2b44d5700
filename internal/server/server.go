package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/lazypower/diarist/internal/engine"
)

// Server is the diarist HTTP API server.
type Server struct {
	engine  *engine.Engine
	router  chi.Router
	version string
	started time.Time
	log     zerolog.Logger
}

// New creates a new Server over the engine.
func New(eng *engine.Engine, version string, logger zerolog.Logger) *Server {
	s := &Server{
		engine:  eng,
		version: version,
		started: time.Now(),
		log:     logger,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.requestLog)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Post("/entries", s.handleEnqueue)
		r.Get("/entries/{entryID}", s.handleEntry)
		r.Post("/jobs/run", s.handleRunJobs)
		r.Post("/backfill", s.handleBackfill)

		r.Get("/cards", s.handleCards)
		r.Get("/cards/{key}", s.handleCard)
		r.Get("/cards/{key}/history", s.handleCardHistory)
		r.Get("/cards/{key}/replay", s.handleCardReplay)

		r.Post("/sync", s.handleSync)
		r.Get("/sync/state", s.handleSyncState)
		r.Post("/sync/reset", s.handleSyncReset)
	})

	if s.engine.Metrics != nil {
		r.Handle("/metrics", s.engine.Metrics.Handler())
	}

	s.router = r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http: request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.engine.DB.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.engine.DB.Path,
		"sync":    s.engine.Syncer != nil,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps input errors to 400 and everything else to 500.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var ie *engine.InputError
	if errors.As(err, &ie) {
		writeError(w, http.StatusBadRequest, ie.Error())
		return
	}
	s.log.Error().Err(err).Str("path", r.URL.Path).Msg("http: request failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}
