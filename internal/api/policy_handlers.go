package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

type policyRequest struct {
	Pattern string           `json:"pattern"`
	Type    intel.PolicyType `json:"type"`
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.deps.Store.ListPolicies(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

// createPolicy stores the rule and recompiles the ruleset so the next
// admission sees it. Existing items are only affected by a recheck.
func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.deps.Store.CreatePolicy(r.Context(), intel.Policy{
		Pattern: req.Pattern,
		Type:    intel.PolicyType(strings.ToUpper(string(req.Type))),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Policies.Reload(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) deletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeletePolicy(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Policies.Reload(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recheckPolicies(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Rechecker.Run(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
