package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lazypower/grove/internal/research"
)

func (s *Server) requireScheduler(w http.ResponseWriter) bool {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "research scheduler not configured")
		return false
	}
	return true
}

// handleQueue lists live tasks and proposals. ?history=N adds the N most
// recent archived tasks.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	q := s.sched.Queue()
	body := map[string]any{
		"tasks":     q.List(),
		"stats":     q.Stats(),
		"proposals": q.ListProposals(""),
	}
	if v := r.URL.Query().Get("history"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "history must be a non-negative integer")
			return
		}
		body["history"] = q.History(n)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	t, err := s.sched.Approve(r.Context(), chi.URLParam(r, "id"))
	writeTransition(w, t, err)
}

// handleReject fails a task held for approval. ?reason= is recorded as the
// task error.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	t, err := s.sched.Queue().Reject(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("reason"))
	writeTransition(w, t, err)
}

func writeTransition(w http.ResponseWriter, t *research.Task, err error) {
	switch {
	case errors.Is(err, research.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, research.ErrInvalidTransition), errors.Is(err, research.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) handleHarvest(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	rep, err := s.sched.Harvest(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleRun executes queued tasks synchronously. ?max=N caps the batch;
// omitted or 0 runs every queued task. ?harvest=true scans the graph first.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "max must be a non-negative integer")
			return
		}
		limit = n
	}
	harvest := false
	if v := r.URL.Query().Get("harvest"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "harvest must be a boolean")
			return
		}
		harvest = b
	}
	run := s.sched.RunBatch
	if harvest {
		run = s.sched.HarvestAndRun
	}
	rep, err := run(r.Context(), limit)
	if err != nil {
		s.log.Warn("research run interrupted", zap.Error(err))
		if rep == nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, rep)
}
