package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

const kbColumns = `fqdn, item_id::text, category, is_malicious, confidence, summary,
	vector_status, vector_error, revision, crawled_at, analyzed_at, updated_at`

func scanKB(row pgx.Row) (intel.KBItem, error) {
	var (
		k      intel.KBItem
		status string
	)
	err := row.Scan(&k.FQDN, &k.ItemID, &k.Category, &k.IsMalicious, &k.Confidence, &k.Summary,
		&status, &k.VectorError, &k.Revision, &k.CrawledAt, &k.AnalyzedAt, &k.UpdatedAt)
	if err != nil {
		return intel.KBItem{}, err
	}
	k.VectorStatus = intel.VectorStatus(status)
	return k, nil
}

func kbNotFound(fqdn string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return intel.NotFoundf("kb item %s not found", fqdn)
	}
	return dbErr("kb", err)
}

const upsertKBSQL = `
INSERT INTO kb_items (fqdn, item_id, category, is_malicious, confidence, summary,
	vector_status, vector_error, revision, crawled_at, analyzed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', '', 1, $7, $8, $9)
ON CONFLICT (fqdn) DO UPDATE SET
	item_id = EXCLUDED.item_id,
	category = EXCLUDED.category,
	is_malicious = EXCLUDED.is_malicious,
	confidence = EXCLUDED.confidence,
	summary = EXCLUDED.summary,
	vector_status = 'pending',
	vector_error = '',
	revision = kb_items.revision + 1,
	crawled_at = EXCLUDED.crawled_at,
	analyzed_at = EXCLUDED.analyzed_at,
	updated_at = GREATEST(kb_items.updated_at, EXCLUDED.updated_at)`

// upsertKB writes the KB row for an analyzed item inside the completing transaction.
func (s *Store) upsertKB(ctx context.Context, tx pgx.Tx, it intel.Item, a intel.Analysis, now time.Time) error {
	category, err := s.resolveCategory(ctx, tx, a.Category)
	if err != nil {
		return err
	}
	analyzedAt := a.AnalyzedAt
	if analyzedAt.IsZero() {
		analyzedAt = now
	}
	var crawledAt *time.Time
	if it.CrawlResult != nil {
		at := it.CrawlResult.CrawledAt
		crawledAt = &at
	}
	_, err = tx.Exec(ctx, upsertKBSQL, it.FQDN, it.ID, category, a.IsMalicious,
		intel.ClampConfidence(a.Confidence), a.Summary, crawledAt, analyzedAt, now)
	if err != nil {
		return dbErr("upsert kb", err)
	}
	return nil
}

// GetKB fetches one KB row.
func (s *Store) GetKB(ctx context.Context, fqdn string) (intel.KBItem, error) {
	k, err := scanKB(s.pool.QueryRow(ctx, `SELECT `+kbColumns+` FROM kb_items WHERE fqdn = $1`, fqdn))
	if err != nil {
		return intel.KBItem{}, kbNotFound(fqdn, err)
	}
	return k, nil
}

func kbFilter(b sq.SelectBuilder, filter intel.KBFilter) sq.SelectBuilder {
	if filter.Category != "" {
		b = b.Where(sq.Eq{"category": filter.Category})
	}
	if filter.VectorStatus != "" {
		b = b.Where(sq.Eq{"vector_status": string(filter.VectorStatus)})
	}
	if filter.Search != "" {
		like := "%" + strings.ToLower(filter.Search) + "%"
		b = b.Where(sq.Or{sq.ILike{"fqdn": like}, sq.ILike{"summary": like}})
	}
	return b
}

// ListKB returns a page of KB rows, most recently analyzed first.
func (s *Store) ListKB(ctx context.Context, filter intel.KBFilter) ([]intel.KBItem, int, error) {
	countSQL, countArgs, err := kbFilter(s.sb.Select("COUNT(*)").From("kb_items"), filter).ToSql()
	if err != nil {
		return nil, 0, intel.Internal("list kb", err)
	}
	var total int
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, dbErr("count kb", err)
	}
	q := kbFilter(s.sb.Select(kbColumns).From("kb_items"), filter).
		OrderBy("analyzed_at DESC", "fqdn ASC").
		Offset(uint64(max(filter.Skip, 0)))
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, 0, intel.Internal("list kb", err)
	}
	out, err := s.queryKB(ctx, "list kb", query, args...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) queryKB(ctx context.Context, op, query string, args ...any) ([]intel.KBItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()
	out := make([]intel.KBItem, 0)
	for rows.Next() {
		k, err := scanKB(rows)
		if err != nil {
			return nil, dbErr(op, err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(op, err)
	}
	return out, nil
}

// PatchKB applies an operator edit and marks the row stale.
func (s *Store) PatchKB(ctx context.Context, fqdn string, patch intel.KBPatch) (intel.KBItem, error) {
	if err := intel.ValidatePatch(patch); err != nil {
		return intel.KBItem{}, err
	}
	var out intel.KBItem
	err := s.inTx(ctx, "patch kb", func(tx pgx.Tx) error {
		k, err := scanKB(tx.QueryRow(ctx, `SELECT `+kbColumns+` FROM kb_items WHERE fqdn = $1 FOR UPDATE`, fqdn))
		if err != nil {
			return kbNotFound(fqdn, err)
		}
		if patch.Category != nil {
			name, err := lockCategory(ctx, tx, *patch.Category)
			if errors.Is(err, pgx.ErrNoRows) {
				return intel.Validationf("unknown category %q", *patch.Category)
			}
			if err != nil {
				return dbErr("patch kb", err)
			}
			patch.Category = &name
		}
		patch.Apply(&k)
		k.Revision++
		k.VectorStatus = intel.VectorStale
		k.VectorError = ""
		k.UpdatedAt = touch(k.UpdatedAt, s.clock.Now())
		if _, err := tx.Exec(ctx, `
UPDATE kb_items SET category = $2, is_malicious = $3, confidence = $4, summary = $5,
	revision = $6, vector_status = 'stale', vector_error = '', updated_at = $7
WHERE fqdn = $1`, k.FQDN, k.Category, k.IsMalicious, k.Confidence, k.Summary, k.Revision, k.UpdatedAt); err != nil {
			return dbErr("patch kb", err)
		}
		out = k
		return nil
	})
	return out, err
}

// DeleteKB removes a KB row.
func (s *Store) DeleteKB(ctx context.Context, fqdn string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM kb_items WHERE fqdn = $1`, fqdn)
	if err != nil {
		return dbErr("delete kb", err)
	}
	if tag.RowsAffected() == 0 {
		return intel.NotFoundf("kb item %s not found", fqdn)
	}
	return nil
}

// MarkVectorPending flags a row for re-indexing. Stale rows stay stale.
func (s *Store) MarkVectorPending(ctx context.Context, fqdn string) (intel.KBItem, error) {
	k, err := scanKB(s.pool.QueryRow(ctx, `
UPDATE kb_items
SET vector_status = CASE WHEN vector_status = 'stale' THEN 'stale' ELSE 'pending' END,
	updated_at = GREATEST(updated_at, $2)
WHERE fqdn = $1
RETURNING `+kbColumns, fqdn, s.clock.Now()))
	if err != nil {
		return intel.KBItem{}, kbNotFound(fqdn, err)
	}
	return k, nil
}

// MarkVectorIndexed confirms a vector write for revision. It reports false
// when the row changed since the write started.
func (s *Store) MarkVectorIndexed(ctx context.Context, fqdn string, revision int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE kb_items SET vector_status = 'indexed', vector_error = '', updated_at = GREATEST(updated_at, $3)
WHERE fqdn = $1 AND revision = $2`, fqdn, revision, s.clock.Now())
	if err != nil {
		return false, dbErr("mark indexed", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetKB(ctx, fqdn); err != nil {
		return false, err
	}
	return false, nil
}

// MarkVectorError records a failed vector write for revision.
func (s *Store) MarkVectorError(ctx context.Context, fqdn string, revision int64, reason string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE kb_items SET vector_status = 'error', vector_error = $3, updated_at = GREATEST(updated_at, $4)
WHERE fqdn = $1 AND revision = $2`, fqdn, revision, reason, s.clock.Now())
	if err != nil {
		return dbErr("mark vector error", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	_, err = s.GetKB(ctx, fqdn)
	return err
}

// ListVectorBacklog returns rows awaiting a vector write, oldest first.
func (s *Store) ListVectorBacklog(ctx context.Context, before time.Time, limit int) ([]intel.KBItem, error) {
	q := s.sb.Select(kbColumns).From("kb_items").
		Where(sq.NotEq{"vector_status": string(intel.VectorIndexed)}).
		Where(sq.Lt{"updated_at": before}).
		OrderBy("updated_at ASC", "fqdn ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, intel.Internal("vector backlog", err)
	}
	return s.queryKB(ctx, "vector backlog", query, args...)
}

// KBStats summarizes the knowledge base.
func (s *Store) KBStats(ctx context.Context) (intel.KBStats, error) {
	stats := intel.KBStats{ByVectorStatus: map[intel.VectorStatus]int{}}
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*),
	COUNT(*) FILTER (WHERE vector_status = 'indexed'),
	COUNT(*) FILTER (WHERE is_malicious),
	COUNT(DISTINCT category)
FROM kb_items`).Scan(&stats.Total, &stats.TotalIndexed, &stats.MaliciousCount, &stats.Categories)
	if err != nil {
		return intel.KBStats{}, dbErr("kb stats", err)
	}
	rows, err := s.pool.Query(ctx, `SELECT vector_status, COUNT(*) FROM kb_items GROUP BY vector_status`)
	if err != nil {
		return intel.KBStats{}, dbErr("kb stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return intel.KBStats{}, dbErr("kb stats", err)
		}
		stats.ByVectorStatus[intel.VectorStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return intel.KBStats{}, dbErr("kb stats", err)
	}
	return stats, nil
}
