package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

type feedRequest struct {
	Name                 string               `json:"name"`
	URL                  string               `json:"url"`
	SourceType           intel.FeedSourceType `json:"source_type"`
	FetchIntervalMinutes int                  `json:"fetch_interval_minutes"`
	IsActive             *bool                `json:"is_active"`
}

type feedEditRequest struct {
	Name                 *string               `json:"name"`
	URL                  *string               `json:"url"`
	SourceType           *intel.FeedSourceType `json:"source_type"`
	FetchIntervalMinutes *int                  `json:"fetch_interval_minutes"`
	IsActive             *bool                 `json:"is_active"`
}

func (s *Server) listFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.deps.Store.ListFeeds(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"feeds": feeds})
}

func (s *Server) createFeed(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	feed, err := s.deps.Store.CreateFeed(r.Context(), intel.Feed{
		Name:                 strings.TrimSpace(req.Name),
		URL:                  strings.TrimSpace(req.URL),
		SourceType:           intel.FeedSourceType(strings.ToUpper(string(req.SourceType))),
		FetchIntervalMinutes: req.FetchIntervalMinutes,
		IsActive:             active,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, feed)
}

func (s *Server) updateFeed(w http.ResponseWriter, r *http.Request) {
	var req feedEditRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	feed, err := s.deps.Store.UpdateFeed(r.Context(), chi.URLParam(r, "id"), intel.FeedEdit{
		Name:                 req.Name,
		URL:                  req.URL,
		SourceType:           req.SourceType,
		FetchIntervalMinutes: req.FetchIntervalMinutes,
		IsActive:             req.IsActive,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, feed)
}

// deleteFeed cancels an in-flight fetch before removing the feed.
func (s *Server) deleteFeed(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Feeds.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleFeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	feed, err := s.deps.Store.GetFeed(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	active := !feed.IsActive
	feed, err = s.deps.Store.UpdateFeed(r.Context(), id, intel.FeedEdit{IsActive: &active})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, feed)
}

// fetchNow starts a background fetch and answers 202 with the feed in the
// fetching state. A fetch already running answers 409.
func (s *Server) fetchNow(w http.ResponseWriter, r *http.Request) {
	feed, err := s.deps.Feeds.FetchNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, feed)
}
