package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/lazypower/grove/internal/retrieval"
	"github.com/lazypower/grove/internal/store"
)

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	if s.retriever == nil {
		writeError(w, http.StatusServiceUnavailable, "retrieval not configured")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q required")
		return
	}
	typ, err := store.ParsePageType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := retrieval.RetrieveOptions{Type: typ}
	if v := r.URL.Query().Get("max_tokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "max_tokens must be a positive integer")
			return
		}
		opts.MaxTokens = n
	}

	c, err := s.retriever.Retrieve(r.Context(), q, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}
