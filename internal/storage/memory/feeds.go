package memory

import (
	"context"
	"sort"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

func cloneFeed(f *intel.Feed) intel.Feed {
	out := *f
	if f.LastFetchedAt != nil {
		at := *f.LastFetchedAt
		out.LastFetchedAt = &at
	}
	return out
}

// CreateFeed stores a new idle feed.
func (s *Store) CreateFeed(_ context.Context, feed intel.Feed) (intel.Feed, error) {
	if err := intel.ValidateFeed(feed); err != nil {
		return intel.Feed{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.newID("create feed")
	if err != nil {
		return intel.Feed{}, err
	}
	now := s.clock.Now()
	feed.ID = id
	feed.LastStatus = intel.FeedIdle
	feed.LastFetchedAt = nil
	feed.LastError = ""
	feed.TotalItemsFound = 0
	feed.CreatedAt = now
	feed.UpdatedAt = now
	s.feeds[id] = &feed
	return cloneFeed(&feed), nil
}

// GetFeed fetches one feed.
func (s *Store) GetFeed(_ context.Context, id string) (intel.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feeds[id]
	if !ok {
		return intel.Feed{}, intel.NotFoundf("feed %s not found", id)
	}
	return cloneFeed(f), nil
}

// ListFeeds returns all feeds ordered by name.
func (s *Store) ListFeeds(context.Context) ([]intel.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]intel.Feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		out = append(out, cloneFeed(f))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateFeed applies an operator edit.
func (s *Store) UpdateFeed(_ context.Context, id string, edit intel.FeedEdit) (intel.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[id]
	if !ok {
		return intel.Feed{}, intel.NotFoundf("feed %s not found", id)
	}
	next := cloneFeed(f)
	next.Apply(edit)
	if err := intel.ValidateFeed(next); err != nil {
		return intel.Feed{}, err
	}
	next.UpdatedAt = touch(f.UpdatedAt, s.clock.Now())
	*f = next
	return cloneFeed(f), nil
}

// DeleteFeed removes an idle feed.
func (s *Store) DeleteFeed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[id]
	if !ok {
		return intel.NotFoundf("feed %s not found", id)
	}
	if f.LastStatus == intel.FeedFetching {
		return intel.ErrAlreadyFetching
	}
	delete(s.feeds, id)
	return nil
}

// BeginFetch flips a feed to fetching unless it already is.
func (s *Store) BeginFetch(_ context.Context, id string) (intel.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[id]
	if !ok {
		return intel.Feed{}, intel.NotFoundf("feed %s not found", id)
	}
	if f.LastStatus == intel.FeedFetching {
		return intel.Feed{}, intel.ErrAlreadyFetching
	}
	f.LastStatus = intel.FeedFetching
	f.UpdatedAt = touch(f.UpdatedAt, s.clock.Now())
	return cloneFeed(f), nil
}

// FinishFetch records the end of a fetch cycle.
func (s *Store) FinishFetch(_ context.Context, id string, result intel.FetchResult) (intel.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[id]
	if !ok {
		return intel.Feed{}, intel.NotFoundf("feed %s not found", id)
	}
	at := result.At
	f.LastStatus = result.Status
	f.LastError = result.Error
	f.TotalItemsFound += int64(result.Admitted)
	f.LastFetchedAt = &at
	f.UpdatedAt = touch(f.UpdatedAt, s.clock.Now())
	return cloneFeed(f), nil
}

// ResetFetching marks feeds abandoned mid-fetch as errored.
func (s *Store) ResetFetching(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.feeds {
		if f.LastStatus == intel.FeedFetching {
			f.LastStatus = intel.FeedError
			f.LastError = "fetch interrupted by restart"
			f.UpdatedAt = touch(f.UpdatedAt, s.clock.Now())
			n++
		}
	}
	return n, nil
}
