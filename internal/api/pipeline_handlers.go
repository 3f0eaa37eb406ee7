package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

const defaultLogLimit = 100

type createItemRequest struct {
	FQDN     string `json:"fqdn"`
	Priority *int   `json:"priority"`
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	skip, limit, err := parsePage(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := intel.ItemFilter{
		Status: intel.Status(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))),
		Search: strings.ToLower(strings.TrimSpace(r.URL.Query().Get("search"))),
		Skip:   skip,
		Limit:  limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.badRequest(w, "unknown status "+string(filter.Status))
		return
	}
	items, total, err := s.deps.Store.ListItems(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse[intel.Item]{Items: items, Total: total, Skip: skip, Limit: limit})
}

// createItem admits one FQDN through the policy gate with source "manual".
func (s *Server) createItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	priority := s.opts.ManualPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	res, err := s.deps.Admitter.Admit(r.Context(), req.FQDN, "manual", priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == intel.AdmitCreated || res.Outcome == intel.AdmitReadmitted {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, res)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Store.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, item)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Monitor.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) bottlenecks(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Monitor.Bottlenecks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Monitor.Health(r.Context()))
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalInt(r, "limit", defaultLogLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := intel.LogFilter{
		ItemID: strings.TrimSpace(r.URL.Query().Get("item_id")),
		Level:  intel.LogLevel(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("level")))),
		Limit:  min(limit, maxPageLimit),
	}
	logs, err := s.deps.Store.ListLogs(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// flushFailed requeues every failed item immediately, ignoring the backoff.
func (s *Server) flushFailed(w http.ResponseWriter, r *http.Request) {
	rqs, err := s.deps.Requeuer.RequeueFailed(r.Context(), 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"requeued": len(rqs), "items": rqs})
}
