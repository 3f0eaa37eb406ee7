package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

func cloneItem(item *intel.Item) intel.Item {
	out := *item
	if item.CrawlResult != nil {
		cr := *item.CrawlResult
		out.CrawlResult = &cr
	}
	if item.Lease != nil {
		lease := *item.Lease
		out.Lease = &lease
	}
	return out
}

func (s *Store) leaseExpired(item *intel.Item, stage intel.Stage, now time.Time) bool {
	return s.limits.LeaseExpired(*item, stage, now)
}

// Admit creates, re-admits, or drops a candidate FQDN.
func (s *Store) Admit(_ context.Context, a intel.Admission) (intel.Item, intel.AdmitOutcome, error) {
	if a.FQDN == "" {
		return intel.Item{}, "", intel.Validationf("fqdn is required")
	}
	status := a.Status
	if status == "" {
		status = intel.StatusDiscovered
	}
	if status != intel.StatusDiscovered && status != intel.StatusBlocked {
		return intel.Item{}, "", intel.Validationf("items are admitted as DISCOVERED or BLOCKED, not %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	if id, ok := s.byFQDN[a.FQDN]; ok {
		item := s.items[id]
		if status == intel.StatusDiscovered && item.CanReadmit(a) {
			from := item.Status
			item.Status = intel.StatusDiscovered
			item.RetryCount = 0
			item.LastError = ""
			item.Lease = nil
			item.Priority = a.Priority
			item.UpdatedAt = touch(item.UpdatedAt, now)
			s.appendLogLocked(intel.LogEntry{
				ItemID:  item.ID,
				Stage:   intel.LogStageAdmission,
				Level:   intel.LevelInfo,
				Message: fmt.Sprintf("re-admitted %s from %s via %s", item.FQDN, from, a.Source),
			})
			return cloneItem(item), intel.AdmitReadmitted, nil
		}
		return cloneItem(item), intel.AdmitDuplicate, nil
	}

	id, err := s.newID("admit")
	if err != nil {
		return intel.Item{}, "", err
	}
	item := &intel.Item{
		ID:        id,
		FQDN:      a.FQDN,
		Status:    status,
		Priority:  a.Priority,
		Source:    a.Source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	outcome := intel.AdmitCreated
	if status == intel.StatusBlocked {
		item.LastError = a.Reason
		outcome = intel.AdmitBlocked
		s.appendLogLocked(intel.LogEntry{
			ItemID:  id,
			Stage:   intel.LogStageAdmission,
			Level:   intel.LevelWarning,
			Message: fmt.Sprintf("blocked %s at admission: %s", a.FQDN, a.Reason),
		})
	}
	s.items[id] = item
	s.byFQDN[a.FQDN] = id
	return cloneItem(item), outcome, nil
}

// Claim leases the best candidate for stage to workerID.
func (s *Store) Claim(_ context.Context, stage intel.Stage, workerID string) (intel.Item, error) {
	if workerID == "" {
		return intel.Item{}, intel.Validationf("worker id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	var best *intel.Item
	for _, item := range s.items {
		if item.Status != stage.Source() || !s.leaseExpired(item, stage, now) {
			continue
		}
		if best == nil || claimsBefore(item, best) {
			best = item
		}
	}
	if best == nil {
		return intel.Item{}, intel.ErrNoWorkAvailable
	}
	best.Status = stage.InProgress()
	best.Lease = &intel.Lease{WorkerID: workerID, ClaimedAt: now, Expected: stage.InProgress()}
	best.UpdatedAt = touch(best.UpdatedAt, now)
	return cloneItem(best), nil
}

// claimsBefore orders by priority desc, updated_at asc, id asc.
func claimsBefore(a, b *intel.Item) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}
	return a.ID < b.ID
}

// validLeaseLocked returns the stage of a valid lease held by workerID.
func (s *Store) validLeaseLocked(itemID, workerID string, now time.Time) (*intel.Item, intel.Stage, error) {
	item, ok := s.items[itemID]
	if !ok {
		return nil, "", intel.NotFoundf("item %s not found", itemID)
	}
	stage, err := s.limits.CheckLease(*item, workerID, now)
	if err != nil {
		return nil, "", err
	}
	return item, stage, nil
}

// Complete records a successful stage outcome.
func (s *Store) Complete(_ context.Context, itemID, workerID string, out intel.Outcome) (intel.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	item, stage, err := s.validLeaseLocked(itemID, workerID, now)
	if err != nil {
		return intel.Item{}, err
	}
	switch stage {
	case intel.StageCrawl:
		if out.Crawl == nil {
			return intel.Item{}, intel.Validationf("crawl outcome is required")
		}
		cr := *out.Crawl
		item.CrawlResult = &cr
	case intel.StageAnalyze:
		if out.Analysis == nil {
			return intel.Item{}, intel.Validationf("analysis outcome is required")
		}
		if err := s.upsertKBLocked(item, *out.Analysis, now); err != nil {
			return intel.Item{}, err
		}
	}
	item.Status = stage.Success()
	item.Lease = nil
	item.RetryCount = 0
	item.LastError = ""
	item.UpdatedAt = touch(item.UpdatedAt, now)
	return cloneItem(item), nil
}

// Fail records a failed attempt and applies the retry ceiling.
func (s *Store) Fail(_ context.Context, itemID, workerID, reason string) (intel.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	item, stage, err := s.validLeaseLocked(itemID, workerID, now)
	if err != nil {
		return intel.Item{}, err
	}
	item.RetryCount++
	item.Lease = nil
	item.LastError = reason
	item.UpdatedAt = touch(item.UpdatedAt, now)
	if item.RetryCount > s.limits.MaxRetries {
		item.Status = intel.StatusBlocked
		s.appendLogLocked(intel.LogEntry{
			ItemID: item.ID,
			Stage:  string(stage),
			Level:  intel.LevelError,
			Message: fmt.Sprintf("%s blocked after %d failed attempts: %s",
				item.FQDN, item.RetryCount, reason),
		})
	} else {
		item.Status = stage.Failure()
	}
	return cloneItem(item), nil
}

// RevertStuck clears expired leases for stage and reverts the items.
func (s *Store) RevertStuck(_ context.Context, stage intel.Stage) ([]intel.Reversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	var out []intel.Reversion
	for _, id := range sortedKeys(s.items) {
		item := s.items[id]
		if item.Status != stage.InProgress() || !s.leaseExpired(item, stage, now) {
			continue
		}
		rev := intel.Reversion{ItemID: item.ID, FQDN: item.FQDN, From: item.Status}
		if item.Lease != nil {
			rev.WorkerID = item.Lease.WorkerID
		}
		item.RetryCount++
		item.Lease = nil
		item.UpdatedAt = touch(item.UpdatedAt, now)
		level := intel.LevelWarning
		if item.RetryCount > s.limits.MaxRetries {
			item.Status = intel.StatusBlocked
			level = intel.LevelError
		} else {
			item.Status = stage.Source()
		}
		rev.To = item.Status
		rev.RetryCount = item.RetryCount
		s.appendLogLocked(intel.LogEntry{
			ItemID: item.ID,
			Stage:  intel.LogStageWatchdog,
			Level:  level,
			Message: fmt.Sprintf("reverted stuck %s from %s to %s (worker %s, retry %d)",
				item.FQDN, rev.From, rev.To, rev.WorkerID, rev.RetryCount),
		})
		out = append(out, rev)
	}
	return out, nil
}

// RequeueFailed moves failed items last touched before the cut-off back to their stage source.
func (s *Store) RequeueFailed(_ context.Context, before time.Time) ([]intel.Requeue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	var out []intel.Requeue
	for _, id := range sortedKeys(s.items) {
		item := s.items[id]
		if item.Status != intel.StatusCrawledFail && item.Status != intel.StatusAnalysisFail {
			continue
		}
		if !item.UpdatedAt.Before(before) {
			continue
		}
		stage, _ := intel.StageOf(item.Status)
		rq := intel.Requeue{ItemID: item.ID, FQDN: item.FQDN, From: item.Status, To: stage.Source()}
		item.Status = stage.Source()
		item.UpdatedAt = touch(item.UpdatedAt, now)
		out = append(out, rq)
	}
	return out, nil
}

// Block moves an unleased item to BLOCKED.
func (s *Store) Block(_ context.Context, itemID, reason string) (intel.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return intel.Item{}, intel.NotFoundf("item %s not found", itemID)
	}
	switch item.Status {
	case intel.StatusDiscovered, intel.StatusCrawledFail, intel.StatusAnalysisFail:
	default:
		return intel.Item{}, &intel.Error{Kind: intel.KindConflict, Detail: fmt.Sprintf("cannot block item in %s", item.Status)}
	}
	item.Status = intel.StatusBlocked
	item.LastError = reason
	item.UpdatedAt = touch(item.UpdatedAt, s.clock.Now())
	s.appendLogLocked(intel.LogEntry{
		ItemID:  item.ID,
		Stage:   intel.LogStagePolicy,
		Level:   intel.LevelWarning,
		Message: fmt.Sprintf("blocked %s: %s", item.FQDN, reason),
	})
	return cloneItem(item), nil
}

// Unblock returns a BLOCKED item to DISCOVERED with a fresh retry budget.
func (s *Store) Unblock(_ context.Context, itemID string) (intel.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return intel.Item{}, intel.NotFoundf("item %s not found", itemID)
	}
	if item.Status != intel.StatusBlocked {
		return intel.Item{}, &intel.Error{Kind: intel.KindConflict, Detail: fmt.Sprintf("item is %s, not BLOCKED", item.Status)}
	}
	item.Status = intel.StatusDiscovered
	item.RetryCount = 0
	item.LastError = ""
	item.UpdatedAt = touch(item.UpdatedAt, s.clock.Now())
	s.appendLogLocked(intel.LogEntry{
		ItemID:  item.ID,
		Stage:   intel.LogStagePolicy,
		Level:   intel.LevelInfo,
		Message: fmt.Sprintf("unblocked %s", item.FQDN),
	})
	return cloneItem(item), nil
}

// GetItem fetches one item by id.
func (s *Store) GetItem(_ context.Context, itemID string) (intel.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	if !ok {
		return intel.Item{}, intel.NotFoundf("item %s not found", itemID)
	}
	return cloneItem(item), nil
}

// GetItemByFQDN fetches one item by fqdn.
func (s *Store) GetItemByFQDN(_ context.Context, fqdn string) (intel.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byFQDN[fqdn]
	if !ok {
		return intel.Item{}, intel.NotFoundf("item %s not found", fqdn)
	}
	return cloneItem(s.items[id]), nil
}

// ListItems returns a page of items, most recently updated first, plus the total match count.
func (s *Store) ListItems(_ context.Context, filter intel.ItemFilter) ([]intel.Item, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search := strings.ToLower(filter.Search)
	matched := make([]intel.Item, 0)
	for _, item := range s.items {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if search != "" && !strings.Contains(item.FQDN, search) {
			continue
		}
		matched = append(matched, cloneItem(item))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	return page(matched, filter.Skip, filter.Limit), len(matched), nil
}

// CountByStatus returns a count for every known status.
func (s *Store) CountByStatus(context.Context) (map[intel.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[intel.Status]int, len(intel.AllStatuses))
	for _, status := range intel.AllStatuses {
		counts[status] = 0
	}
	for _, item := range s.items {
		counts[item.Status]++
	}
	return counts, nil
}

// CountStuck counts in-progress items whose lease exceeded the stage timeout.
func (s *Store) CountStuck(_ context.Context, stage intel.Stage) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	n := 0
	for _, item := range s.items {
		if item.Status == stage.InProgress() && s.leaseExpired(item, stage, now) {
			n++
		}
	}
	return n, nil
}
