package api

import (
	"net/http"

	"github.com/JakeFAU/fqdn-intel/internal/assistant"
)

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assistant == nil {
		s.writeJSON(w, http.StatusNotImplemented, errorBody{Error: "not_implemented", Detail: "assistant is not configured"})
		return
	}
	var q assistant.Question
	if err := decode(r, &q); err != nil {
		s.writeError(w, r, err)
		return
	}
	answer, err := s.deps.Assistant.Ask(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, answer)
}
