package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/grove/internal/maturity"
	"github.com/lazypower/grove/internal/store"
)

// pageView is the API shape of a page.
type pageView struct {
	Type       store.PageType `json:"type"`
	Name       string         `json:"name"`
	Title      string         `json:"title"`
	Body       string         `json:"body,omitempty"`
	Outgoing   []string       `json:"outgoing"`
	CreatedAt  time.Time      `json:"created_at"`
	ModifiedAt time.Time      `json:"modified_at"`
	Maturity   maturity.State `json:"maturity"`
}

func viewOf(p *store.Page, withBody bool) pageView {
	v := pageView{
		Type:       p.Type,
		Name:       p.Name,
		Title:      p.Title(),
		Outgoing:   append([]string{}, p.Outgoing()...),
		CreatedAt:  p.CreatedAt,
		ModifiedAt: p.ModifiedAt,
		Maturity:   p.Maturity,
	}
	if withBody {
		v.Body = p.Body
	}
	return v
}

// pageKey reads the {type} and {name} URL parameters. The type "any"
// searches every partition.
func pageKey(r *http.Request) (store.PageType, string, error) {
	raw := chi.URLParam(r, "type")
	if strings.EqualFold(raw, "any") {
		raw = ""
	}
	typ, err := store.ParsePageType(raw)
	if err != nil {
		return "", "", err
	}
	name := chi.URLParam(r, "name")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return typ, name, nil
}

func (s *Server) handleListPages(w http.ResponseWriter, r *http.Request) {
	typ, err := store.ParsePageType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var pages []*store.Page
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		pages, err = s.pages.Search(r.Context(), q, typ)
	} else {
		pages, err = s.pages.List(r.Context(), typ)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]pageView, 0, len(pages))
	for _, p := range pages {
		out = append(out, viewOf(p, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": out, "count": len(out)})
}

func (s *Server) handleGetPage(w http.ResponseWriter, r *http.Request) {
	typ, name, err := pageKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.pages.Read(r.Context(), name, typ)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "page not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p, true))
}

func (s *Server) handlePageHistory(w http.ResponseWriter, r *http.Request) {
	typ, name, err := pageKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	revs, err := s.pages.History(r.Context(), name, typ)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(revs) == 0 {
		writeError(w, http.StatusNotFound, "no history for page")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revs})
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	pages, err := s.pages.FindOrphans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]pageView, 0, len(pages))
	for _, p := range pages {
		out = append(out, viewOf(p, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orphans": out})
}

func (s *Server) handleBroken(w http.ResponseWriter, r *http.Request) {
	links, err := s.pages.FindBrokenLinks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if links == nil {
		links = []store.BrokenLink{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"broken": links})
}
