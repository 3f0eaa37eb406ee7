package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

const feedColumns = `id::text, name, url, source_type, is_active, fetch_interval_minutes,
	last_fetched_at, last_status, last_error, total_items_found, created_at, updated_at`

func scanFeed(row pgx.Row) (intel.Feed, error) {
	var (
		f          intel.Feed
		sourceType string
		status     string
	)
	err := row.Scan(&f.ID, &f.Name, &f.URL, &sourceType, &f.IsActive, &f.FetchIntervalMinutes,
		&f.LastFetchedAt, &status, &f.LastError, &f.TotalItemsFound, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return intel.Feed{}, err
	}
	f.SourceType = intel.FeedSourceType(sourceType)
	f.LastStatus = intel.FeedStatus(status)
	return f, nil
}

func feedNotFound(id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return intel.NotFoundf("feed %s not found", id)
	}
	return dbErr("feed", err)
}

// CreateFeed stores a new idle feed.
func (s *Store) CreateFeed(ctx context.Context, feed intel.Feed) (intel.Feed, error) {
	if err := intel.ValidateFeed(feed); err != nil {
		return intel.Feed{}, err
	}
	id, err := s.newID("create feed")
	if err != nil {
		return intel.Feed{}, err
	}
	now := s.clock.Now()
	f, err := scanFeed(s.pool.QueryRow(ctx, `
INSERT INTO feeds (id, name, url, source_type, is_active, fetch_interval_minutes, last_status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'idle', $7, $7)
RETURNING `+feedColumns,
		id, feed.Name, feed.URL, string(feed.SourceType), feed.IsActive, feed.FetchIntervalMinutes, now))
	if err != nil {
		return intel.Feed{}, dbErr("create feed", err)
	}
	return f, nil
}

// GetFeed fetches one feed.
func (s *Store) GetFeed(ctx context.Context, id string) (intel.Feed, error) {
	f, err := scanFeed(s.pool.QueryRow(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = $1`, id))
	if err != nil {
		return intel.Feed{}, feedNotFound(id, err)
	}
	return f, nil
}

// ListFeeds returns all feeds ordered by name.
func (s *Store) ListFeeds(ctx context.Context) ([]intel.Feed, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY name, id`)
	if err != nil {
		return nil, dbErr("list feeds", err)
	}
	defer rows.Close()
	out := make([]intel.Feed, 0)
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, dbErr("scan feed", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list feeds", err)
	}
	return out, nil
}

// UpdateFeed applies an operator edit.
func (s *Store) UpdateFeed(ctx context.Context, id string, edit intel.FeedEdit) (intel.Feed, error) {
	var out intel.Feed
	err := s.inTx(ctx, "update feed", func(tx pgx.Tx) error {
		f, err := scanFeed(tx.QueryRow(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return feedNotFound(id, err)
		}
		f.Apply(edit)
		if err := intel.ValidateFeed(f); err != nil {
			return err
		}
		f.UpdatedAt = touch(f.UpdatedAt, s.clock.Now())
		if _, err := tx.Exec(ctx, `
UPDATE feeds SET name = $2, url = $3, source_type = $4, is_active = $5, fetch_interval_minutes = $6, updated_at = $7
WHERE id = $1`, id, f.Name, f.URL, string(f.SourceType), f.IsActive, f.FetchIntervalMinutes, f.UpdatedAt); err != nil {
			return dbErr("update feed", err)
		}
		out = f
		return nil
	})
	return out, err
}

// DeleteFeed removes an idle feed.
func (s *Store) DeleteFeed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM feeds WHERE id = $1 AND last_status <> 'fetching'`, id)
	if err != nil {
		return dbErr("delete feed", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetFeed(ctx, id); err != nil {
		return err
	}
	return intel.ErrAlreadyFetching
}

// BeginFetch flips a feed to fetching unless it already is.
func (s *Store) BeginFetch(ctx context.Context, id string) (intel.Feed, error) {
	f, err := scanFeed(s.pool.QueryRow(ctx, `
UPDATE feeds SET last_status = 'fetching', updated_at = GREATEST(updated_at, $2)
WHERE id = $1 AND last_status <> 'fetching'
RETURNING `+feedColumns, id, s.clock.Now()))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return intel.Feed{}, dbErr("begin fetch", err)
	}
	if _, err := s.GetFeed(ctx, id); err != nil {
		return intel.Feed{}, err
	}
	return intel.Feed{}, intel.ErrAlreadyFetching
}

// FinishFetch records the end of a fetch cycle.
func (s *Store) FinishFetch(ctx context.Context, id string, result intel.FetchResult) (intel.Feed, error) {
	f, err := scanFeed(s.pool.QueryRow(ctx, `
UPDATE feeds SET last_status = $2, last_error = $3, total_items_found = total_items_found + $4,
	last_fetched_at = $5, updated_at = GREATEST(updated_at, $6)
WHERE id = $1
RETURNING `+feedColumns,
		id, string(result.Status), result.Error, int64(result.Admitted), result.At, s.clock.Now()))
	if err != nil {
		return intel.Feed{}, feedNotFound(id, err)
	}
	return f, nil
}

// ResetFetching marks feeds abandoned mid-fetch as errored.
func (s *Store) ResetFetching(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE feeds SET last_status = 'error', last_error = 'fetch interrupted by restart', updated_at = GREATEST(updated_at, $1)
WHERE last_status = 'fetching'`, s.clock.Now())
	if err != nil {
		return 0, dbErr("reset fetching", err)
	}
	return int(tag.RowsAffected()), nil
}
