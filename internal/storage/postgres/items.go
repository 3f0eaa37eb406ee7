package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

const itemColumns = `id::text, fqdn, status, priority, retry_count, source, last_error,
	crawl_result, lease_worker, lease_claimed_at, lease_expected, created_at, updated_at`

func scanItem(row pgx.Row) (intel.Item, error) {
	var (
		it        intel.Item
		status    string
		crawl     []byte
		worker    *string
		claimedAt *time.Time
		expected  *string
	)
	err := row.Scan(&it.ID, &it.FQDN, &status, &it.Priority, &it.RetryCount, &it.Source, &it.LastError,
		&crawl, &worker, &claimedAt, &expected, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return intel.Item{}, err
	}
	it.Status = intel.Status(status)
	if len(crawl) > 0 {
		var cr intel.CrawlResult
		if err := json.Unmarshal(crawl, &cr); err != nil {
			return intel.Item{}, fmt.Errorf("decode crawl_result: %w", err)
		}
		it.CrawlResult = &cr
	}
	if worker != nil && claimedAt != nil {
		lease := intel.Lease{WorkerID: *worker, ClaimedAt: *claimedAt}
		if expected != nil {
			lease.Expected = intel.Status(*expected)
		}
		it.Lease = &lease
	}
	return it, nil
}

// itemArgs flattens the mutable columns of it in updateItemSQL order.
func itemArgs(it intel.Item) ([]any, error) {
	var crawl []byte
	if it.CrawlResult != nil {
		b, err := json.Marshal(it.CrawlResult)
		if err != nil {
			return nil, fmt.Errorf("encode crawl_result: %w", err)
		}
		crawl = b
	}
	var (
		worker    *string
		claimedAt *time.Time
		expected  *string
	)
	if it.Lease != nil {
		w, at, e := it.Lease.WorkerID, it.Lease.ClaimedAt, string(it.Lease.Expected)
		worker, claimedAt, expected = &w, &at, &e
	}
	return []any{
		it.ID, string(it.Status), it.Priority, it.RetryCount, it.LastError,
		crawl, worker, claimedAt, expected, it.UpdatedAt,
	}, nil
}

const updateItemSQL = `
UPDATE items SET status = $2, priority = $3, retry_count = $4, last_error = $5,
	crawl_result = $6, lease_worker = $7, lease_claimed_at = $8, lease_expected = $9, updated_at = $10
WHERE id = $1`

func (s *Store) writeItem(ctx context.Context, q querier, op string, it intel.Item) error {
	args, err := itemArgs(it)
	if err != nil {
		return intel.Internal(op, err)
	}
	if _, err := q.Exec(ctx, updateItemSQL, args...); err != nil {
		return dbErr(op, err)
	}
	return nil
}

const lockItemSQL = `SELECT ` + itemColumns + ` FROM items WHERE id = $1 FOR UPDATE`

func (s *Store) lockItem(ctx context.Context, tx pgx.Tx, op, itemID string) (intel.Item, error) {
	it, err := scanItem(tx.QueryRow(ctx, lockItemSQL, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return intel.Item{}, intel.NotFoundf("item %s not found", itemID)
	}
	if err != nil {
		return intel.Item{}, dbErr(op, err)
	}
	return it, nil
}

func touch(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}

// Admit creates, re-admits, or drops a candidate FQDN.
func (s *Store) Admit(ctx context.Context, a intel.Admission) (intel.Item, intel.AdmitOutcome, error) {
	if a.FQDN == "" {
		return intel.Item{}, "", intel.Validationf("fqdn is required")
	}
	if a.Status == "" {
		a.Status = intel.StatusDiscovered
	}
	if a.Status != intel.StatusDiscovered && a.Status != intel.StatusBlocked {
		return intel.Item{}, "", intel.Validationf("items are admitted as DISCOVERED or BLOCKED, not %s", a.Status)
	}

	var (
		out     intel.Item
		outcome intel.AdmitOutcome
	)
	err := s.inTx(ctx, "admit", func(tx pgx.Tx) error {
		now := s.clock.Now()
		existing, err := scanItem(tx.QueryRow(ctx,
			`SELECT `+itemColumns+` FROM items WHERE fqdn = $1 FOR UPDATE`, a.FQDN))
		switch {
		case err == nil:
			if !existing.CanReadmit(a) {
				out, outcome = existing, intel.AdmitDuplicate
				return nil
			}
			from := existing.Status
			existing.Status = intel.StatusDiscovered
			existing.RetryCount = 0
			existing.LastError = ""
			existing.Lease = nil
			existing.Priority = a.Priority
			existing.UpdatedAt = touch(existing.UpdatedAt, now)
			if err := s.writeItem(ctx, tx, "readmit", existing); err != nil {
				return err
			}
			out, outcome = existing, intel.AdmitReadmitted
			return s.insertLog(ctx, tx, intel.LogEntry{
				ItemID:  existing.ID,
				Stage:   intel.LogStageAdmission,
				Level:   intel.LevelInfo,
				Message: fmt.Sprintf("re-admitted %s from %s via %s", existing.FQDN, from, a.Source),
			})
		case !errors.Is(err, pgx.ErrNoRows):
			return dbErr("admit", err)
		}

		id, err := s.newID("admit")
		if err != nil {
			return err
		}
		it := intel.Item{
			ID: id, FQDN: a.FQDN, Status: a.Status, Priority: a.Priority, Source: a.Source,
			CreatedAt: now, UpdatedAt: now,
		}
		outcome = intel.AdmitCreated
		if a.Status == intel.StatusBlocked {
			it.LastError = a.Reason
			outcome = intel.AdmitBlocked
		}
		tag, err := tx.Exec(ctx, `
INSERT INTO items (id, fqdn, status, priority, retry_count, source, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
ON CONFLICT (fqdn) DO NOTHING`, it.ID, it.FQDN, string(it.Status), it.Priority, it.Source, it.LastError, now)
		if err != nil {
			return dbErr("admit", err)
		}
		if tag.RowsAffected() == 0 {
			// Lost an insert race; the winner's row is authoritative.
			winner, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE fqdn = $1`, a.FQDN))
			if err != nil {
				return dbErr("admit", err)
			}
			out, outcome = winner, intel.AdmitDuplicate
			return nil
		}
		out = it
		if outcome == intel.AdmitBlocked {
			return s.insertLog(ctx, tx, intel.LogEntry{
				ItemID:  id,
				Stage:   intel.LogStageAdmission,
				Level:   intel.LevelWarning,
				Message: fmt.Sprintf("blocked %s at admission: %s", a.FQDN, a.Reason),
			})
		}
		return nil
	})
	if err != nil {
		return intel.Item{}, "", err
	}
	return out, outcome, nil
}

const claimSQL = `
UPDATE items
SET status = $1, lease_worker = $2, lease_claimed_at = $3, lease_expected = $1,
	updated_at = GREATEST(updated_at, $3)
WHERE id = (
	SELECT id FROM items
	WHERE status = $4
	ORDER BY priority DESC, updated_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + itemColumns

// Claim leases the best candidate for stage to workerID in one statement.
func (s *Store) Claim(ctx context.Context, stage intel.Stage, workerID string) (intel.Item, error) {
	if workerID == "" {
		return intel.Item{}, intel.Validationf("worker id is required")
	}
	now := s.clock.Now()
	it, err := scanItem(s.pool.QueryRow(ctx, claimSQL,
		string(stage.InProgress()), workerID, now, string(stage.Source())))
	if errors.Is(err, pgx.ErrNoRows) {
		return intel.Item{}, intel.ErrNoWorkAvailable
	}
	if err != nil {
		return intel.Item{}, dbErr("claim", err)
	}
	return it, nil
}

// Complete records a successful stage outcome.
func (s *Store) Complete(ctx context.Context, itemID, workerID string, out intel.Outcome) (intel.Item, error) {
	var done intel.Item
	err := s.inTx(ctx, "complete", func(tx pgx.Tx) error {
		it, err := s.lockItem(ctx, tx, "complete", itemID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		stage, err := s.limits.CheckLease(it, workerID, now)
		if err != nil {
			return err
		}
		switch stage {
		case intel.StageCrawl:
			if out.Crawl == nil {
				return intel.Validationf("crawl outcome is required")
			}
			cr := *out.Crawl
			it.CrawlResult = &cr
		case intel.StageAnalyze:
			if out.Analysis == nil {
				return intel.Validationf("analysis outcome is required")
			}
			if err := s.upsertKB(ctx, tx, it, *out.Analysis, now); err != nil {
				return err
			}
		}
		it.Status = stage.Success()
		it.Lease = nil
		it.RetryCount = 0
		it.LastError = ""
		it.UpdatedAt = touch(it.UpdatedAt, now)
		if err := s.writeItem(ctx, tx, "complete", it); err != nil {
			return err
		}
		done = it
		return nil
	})
	if err != nil {
		return intel.Item{}, err
	}
	return done, nil
}

// Fail records a failed attempt and applies the retry ceiling.
func (s *Store) Fail(ctx context.Context, itemID, workerID, reason string) (intel.Item, error) {
	var failed intel.Item
	err := s.inTx(ctx, "fail", func(tx pgx.Tx) error {
		it, err := s.lockItem(ctx, tx, "fail", itemID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		stage, err := s.limits.CheckLease(it, workerID, now)
		if err != nil {
			return err
		}
		it.RetryCount++
		it.Lease = nil
		it.LastError = reason
		it.UpdatedAt = touch(it.UpdatedAt, now)
		blocked := it.RetryCount > s.limits.MaxRetries
		if blocked {
			it.Status = intel.StatusBlocked
		} else {
			it.Status = stage.Failure()
		}
		if err := s.writeItem(ctx, tx, "fail", it); err != nil {
			return err
		}
		failed = it
		if !blocked {
			return nil
		}
		return s.insertLog(ctx, tx, intel.LogEntry{
			ItemID:  it.ID,
			Stage:   string(stage),
			Level:   intel.LevelError,
			Message: fmt.Sprintf("%s blocked after %d failed attempts: %s", it.FQDN, it.RetryCount, reason),
		})
	})
	if err != nil {
		return intel.Item{}, err
	}
	return failed, nil
}

const stuckSQL = `SELECT ` + itemColumns + ` FROM items
WHERE status = $1 AND (lease_claimed_at IS NULL OR lease_claimed_at < $2)
ORDER BY id
FOR UPDATE SKIP LOCKED`

// RevertStuck clears expired leases for stage and reverts the items. Rows
// locked by a worker that is completing right now are skipped.
func (s *Store) RevertStuck(ctx context.Context, stage intel.Stage) ([]intel.Reversion, error) {
	var out []intel.Reversion
	err := s.inTx(ctx, "revert stuck", func(tx pgx.Tx) error {
		now := s.clock.Now()
		rows, err := tx.Query(ctx, stuckSQL, string(stage.InProgress()), s.limits.CutoffFor(stage, now))
		if err != nil {
			return dbErr("revert stuck", err)
		}
		var stuck []intel.Item
		for rows.Next() {
			it, err := scanItem(rows)
			if err != nil {
				rows.Close()
				return dbErr("revert stuck", err)
			}
			stuck = append(stuck, it)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return dbErr("revert stuck", err)
		}

		for _, it := range stuck {
			rev := intel.Reversion{ItemID: it.ID, FQDN: it.FQDN, From: it.Status}
			if it.Lease != nil {
				rev.WorkerID = it.Lease.WorkerID
			}
			it.RetryCount++
			it.Lease = nil
			it.UpdatedAt = touch(it.UpdatedAt, now)
			level := intel.LevelWarning
			if it.RetryCount > s.limits.MaxRetries {
				it.Status = intel.StatusBlocked
				level = intel.LevelError
			} else {
				it.Status = stage.Source()
			}
			rev.To = it.Status
			rev.RetryCount = it.RetryCount
			if err := s.writeItem(ctx, tx, "revert stuck", it); err != nil {
				return err
			}
			if err := s.insertLog(ctx, tx, intel.LogEntry{
				ItemID: it.ID,
				Stage:  intel.LogStageWatchdog,
				Level:  level,
				Message: fmt.Sprintf("reverted stuck %s from %s to %s (worker %s, retry %d)",
					it.FQDN, rev.From, rev.To, rev.WorkerID, rev.RetryCount),
			}); err != nil {
				return err
			}
			out = append(out, rev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const requeueSQL = `
UPDATE items
SET status = CASE status WHEN 'CRAWLED_FAIL' THEN 'DISCOVERED' ELSE 'CRAWLED_SUCCESS' END,
	updated_at = GREATEST(updated_at, $2)
WHERE status IN ('CRAWLED_FAIL', 'ANALYSIS_FAIL') AND updated_at < $1
RETURNING id::text, fqdn, status`

// RequeueFailed moves failed items last touched before the cut-off back to
// their stage source, keeping retry_count.
func (s *Store) RequeueFailed(ctx context.Context, before time.Time) ([]intel.Requeue, error) {
	rows, err := s.pool.Query(ctx, requeueSQL, before, s.clock.Now())
	if err != nil {
		return nil, dbErr("requeue failed", err)
	}
	defer rows.Close()
	var out []intel.Requeue
	for rows.Next() {
		var (
			rq intel.Requeue
			to string
		)
		if err := rows.Scan(&rq.ItemID, &rq.FQDN, &to); err != nil {
			return nil, dbErr("requeue failed", err)
		}
		rq.To = intel.Status(to)
		rq.From = intel.StatusCrawledFail
		if rq.To == intel.StatusCrawledSuccess {
			rq.From = intel.StatusAnalysisFail
		}
		out = append(out, rq)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("requeue failed", err)
	}
	return out, nil
}

// Block moves an unleased item to BLOCKED.
func (s *Store) Block(ctx context.Context, itemID, reason string) (intel.Item, error) {
	var out intel.Item
	err := s.inTx(ctx, "block", func(tx pgx.Tx) error {
		it, err := s.lockItem(ctx, tx, "block", itemID)
		if err != nil {
			return err
		}
		switch it.Status {
		case intel.StatusDiscovered, intel.StatusCrawledFail, intel.StatusAnalysisFail:
		default:
			return &intel.Error{Kind: intel.KindConflict, Detail: fmt.Sprintf("cannot block item in %s", it.Status)}
		}
		it.Status = intel.StatusBlocked
		it.LastError = reason
		it.UpdatedAt = touch(it.UpdatedAt, s.clock.Now())
		if err := s.writeItem(ctx, tx, "block", it); err != nil {
			return err
		}
		out = it
		return s.insertLog(ctx, tx, intel.LogEntry{
			ItemID:  it.ID,
			Stage:   intel.LogStagePolicy,
			Level:   intel.LevelWarning,
			Message: fmt.Sprintf("blocked %s: %s", it.FQDN, reason),
		})
	})
	return out, err
}

// Unblock returns a BLOCKED item to DISCOVERED with a fresh retry budget.
func (s *Store) Unblock(ctx context.Context, itemID string) (intel.Item, error) {
	var out intel.Item
	err := s.inTx(ctx, "unblock", func(tx pgx.Tx) error {
		it, err := s.lockItem(ctx, tx, "unblock", itemID)
		if err != nil {
			return err
		}
		if it.Status != intel.StatusBlocked {
			return &intel.Error{Kind: intel.KindConflict, Detail: fmt.Sprintf("item is %s, not BLOCKED", it.Status)}
		}
		it.Status = intel.StatusDiscovered
		it.RetryCount = 0
		it.LastError = ""
		it.UpdatedAt = touch(it.UpdatedAt, s.clock.Now())
		if err := s.writeItem(ctx, tx, "unblock", it); err != nil {
			return err
		}
		out = it
		return s.insertLog(ctx, tx, intel.LogEntry{
			ItemID:  it.ID,
			Stage:   intel.LogStagePolicy,
			Level:   intel.LevelInfo,
			Message: fmt.Sprintf("unblocked %s", it.FQDN),
		})
	})
	return out, err
}

// GetItem fetches one item by id.
func (s *Store) GetItem(ctx context.Context, itemID string) (intel.Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return intel.Item{}, intel.NotFoundf("item %s not found", itemID)
	}
	if err != nil {
		return intel.Item{}, dbErr("get item", err)
	}
	return it, nil
}

// GetItemByFQDN fetches one item by fqdn.
func (s *Store) GetItemByFQDN(ctx context.Context, fqdn string) (intel.Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE fqdn = $1`, fqdn))
	if errors.Is(err, pgx.ErrNoRows) {
		return intel.Item{}, intel.NotFoundf("item %s not found", fqdn)
	}
	if err != nil {
		return intel.Item{}, dbErr("get item", err)
	}
	return it, nil
}

func itemFilter(b sq.SelectBuilder, filter intel.ItemFilter) sq.SelectBuilder {
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Search != "" {
		b = b.Where(sq.ILike{"fqdn": "%" + filter.Search + "%"})
	}
	return b
}

// ListItems returns a page of items, most recently updated first, plus the total match count.
func (s *Store) ListItems(ctx context.Context, filter intel.ItemFilter) ([]intel.Item, int, error) {
	countSQL, countArgs, err := itemFilter(s.sb.Select("COUNT(*)").From("items"), filter).ToSql()
	if err != nil {
		return nil, 0, intel.Internal("list items", err)
	}
	var total int
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, dbErr("count items", err)
	}

	q := itemFilter(s.sb.Select(itemColumns).From("items"), filter).
		OrderBy("updated_at DESC", "id DESC").
		Offset(uint64(max(filter.Skip, 0)))
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, 0, intel.Internal("list items", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, dbErr("list items", err)
	}
	defer rows.Close()
	out := make([]intel.Item, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, dbErr("scan item", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, dbErr("list items", err)
	}
	return out, total, nil
}

// CountByStatus returns a count for every known status.
func (s *Store) CountByStatus(ctx context.Context) (map[intel.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM items GROUP BY status`)
	if err != nil {
		return nil, dbErr("count by status", err)
	}
	defer rows.Close()
	counts := make(map[intel.Status]int, len(intel.AllStatuses))
	for _, status := range intel.AllStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, dbErr("count by status", err)
		}
		counts[intel.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("count by status", err)
	}
	return counts, nil
}

// CountStuck counts in-progress items whose lease exceeded the stage timeout.
func (s *Store) CountStuck(ctx context.Context, stage intel.Stage) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM items
WHERE status = $1 AND (lease_claimed_at IS NULL OR lease_claimed_at < $2)`,
		string(stage.InProgress()), s.limits.CutoffFor(stage, s.clock.Now())).Scan(&n)
	if err != nil {
		return 0, dbErr("count stuck", err)
	}
	return n, nil
}
