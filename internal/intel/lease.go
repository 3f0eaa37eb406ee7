package intel

import "time"

// LeaseExpired reports whether the item's lease for stage is older than the
// stage timeout at now. A missing lease counts as expired.
func (l Limits) LeaseExpired(item Item, stage Stage, now time.Time) bool {
	if item.Lease == nil {
		return true
	}
	return now.Sub(item.Lease.ClaimedAt) > l.Timeout(stage)
}

// CheckLease returns the stage of a valid lease held by workerID, or
// ErrLeaseLost when the lease was reassigned, reverted or has expired.
func (l Limits) CheckLease(item Item, workerID string, now time.Time) (Stage, error) {
	stage, ok := StageOf(item.Status)
	if !ok || item.Status != stage.InProgress() || item.Lease == nil {
		return "", ErrLeaseLost
	}
	if item.Lease.WorkerID != workerID || item.Lease.Expected != item.Status {
		return "", ErrLeaseLost
	}
	if l.LeaseExpired(item, stage, now) {
		return "", ErrLeaseLost
	}
	return stage, nil
}

// CanReadmit reports whether admission a may return the existing item to
// DISCOVERED. Only unleased items in a readmittable status qualify, and a
// BLOCKED admission never re-admits.
func (it Item) CanReadmit(a Admission) bool {
	if a.Status == StatusBlocked {
		return false
	}
	if !it.Status.Readmittable() || it.Lease != nil {
		return false
	}
	if a.ForceReadmit && it.Status == StatusBlocked {
		return true
	}
	return !a.ReadmitBefore.IsZero() && it.UpdatedAt.Before(a.ReadmitBefore)
}

// CutoffFor returns the claimed_at instant before which a lease for stage
// is expired at now.
func (l Limits) CutoffFor(stage Stage, now time.Time) time.Time {
	return now.Add(-l.Timeout(stage))
}
