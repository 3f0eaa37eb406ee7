package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

const (
	defaultSearchK = 10
	maxSearchK     = 100
)

func (s *Server) listKB(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := parsePage(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := intel.KBFilter{
		Category:     strings.TrimSpace(q.Get("category")),
		VectorStatus: intel.VectorStatus(strings.ToLower(strings.TrimSpace(q.Get("vector_status")))),
		Search:       strings.ToLower(strings.TrimSpace(q.Get("search"))),
		Skip:         skip,
		Limit:        limit,
	}
	items, total, err := s.deps.Store.ListKB(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse[intel.KBItem]{Items: items, Total: total, Skip: skip, Limit: limit})
}

func (s *Server) kbStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.KBStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) searchKB(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.badRequest(w, "q is required")
		return
	}
	k, err := parseOptionalInt(r, "k", defaultSearchK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	matches, err := s.deps.Knowledge.Search(r.Context(), query, min(k, maxSearchK))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"query": query, "matches": matches})
}

// patchKB applies an operator edit. The row is marked stale before the
// response and re-indexed in the background.
func (s *Server) patchKB(w http.ResponseWriter, r *http.Request) {
	var patch intel.KBPatch
	if err := decode(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	item, err := s.deps.Knowledge.Edit(r.Context(), chi.URLParam(r, "fqdn"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) deleteKB(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Knowledge.Delete(r.Context(), chi.URLParam(r, "fqdn")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rebuildKB(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Knowledge.Rebuild(r.Context(), chi.URLParam(r, "fqdn"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) rebuildAllKB(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Knowledge.RebuildAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
}
