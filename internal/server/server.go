package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/grove/internal/retrieval"
	"github.com/lazypower/grove/internal/scheduler"
	"github.com/lazypower/grove/internal/store"
)

// Deps are the components the API exposes. Retriever and Scheduler may be
// nil; their routes then answer 503.
type Deps struct {
	DB        *store.DB
	Pages     *store.PageStore
	Retriever *retrieval.Engine
	Scheduler *scheduler.Scheduler
	Log       *zap.Logger
}

// Server is the grove HTTP API server.
type Server struct {
	db        *store.DB
	pages     *store.PageStore
	retriever *retrieval.Engine
	sched     *scheduler.Scheduler
	log       *zap.Logger
	router    chi.Router
	version   string
	started   time.Time
}

// New creates a new Server over d.
func New(d Deps, version string) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	s := &Server{
		db:        d.DB,
		pages:     d.Pages,
		retriever: d.Retriever,
		sched:     d.Scheduler,
		log:       d.Log.Named("http"),
		version:   version,
		started:   time.Now(),
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
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/pages", s.handleListPages)
		r.Get("/pages/{type}/{name}", s.handleGetPage)
		r.Get("/pages/{type}/{name}/history", s.handlePageHistory)

		r.Get("/context", s.handleGetContext)

		r.Get("/queue", s.handleQueue)
		r.Post("/queue/{id}/approve", s.handleApprove)
		r.Post("/queue/{id}/reject", s.handleReject)
		r.Post("/research/harvest", s.handleHarvest)
		r.Post("/research/run", s.handleRun)

		r.Get("/graph/orphans", s.handleOrphans)
		r.Get("/graph/broken", s.handleBroken)
	})

	s.router = r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.PingContext(r.Context()); err != nil {
		dbOK = false
	}
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	}
	if s.sched != nil {
		body["mode"] = s.sched.Mode()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
