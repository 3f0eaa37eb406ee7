package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

const recheckPage = 500

// RecheckResult counts the items a recheck moved.
type RecheckResult struct {
	Blocked  int `json:"blocked"`
	Released int `json:"released"`
}

// Rechecker re-applies the current rules to items already admitted.
type Rechecker struct {
	items  intel.ItemStore
	eval   intel.PolicyEvaluator
	logger *zap.Logger
}

// NewRechecker creates a Rechecker.
func NewRechecker(items intel.ItemStore, eval intel.PolicyEvaluator, logger *zap.Logger) *Rechecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rechecker{items: items, eval: eval, logger: logger}
}

// Run blocks DISCOVERED items that are now denied and releases BLOCKED items
// that are now forced. Items that moved since the scan are skipped.
func (r *Rechecker) Run(ctx context.Context) (RecheckResult, error) {
	var res RecheckResult

	discovered, err := r.collect(ctx, intel.StatusDiscovered)
	if err != nil {
		return res, err
	}
	for _, it := range discovered {
		v := r.eval.Evaluate(it.FQDN)
		if v.Decision != intel.Deny {
			continue
		}
		_, err := r.items.Block(ctx, it.ID, fmt.Sprintf("policy %s %s", v.Type, v.Pattern))
		if errors.Is(err, intel.ErrConflict) || errors.Is(err, intel.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, err
		}
		res.Blocked++
	}

	blocked, err := r.collect(ctx, intel.StatusBlocked)
	if err != nil {
		return res, err
	}
	for _, it := range blocked {
		if r.eval.Evaluate(it.FQDN).Decision != intel.Force {
			continue
		}
		_, err := r.items.Unblock(ctx, it.ID)
		if errors.Is(err, intel.ErrConflict) || errors.Is(err, intel.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, err
		}
		res.Released++
	}
	r.logger.Info("policy recheck finished",
		zap.Int("scanned", len(discovered)+len(blocked)),
		zap.Int("blocked", res.Blocked),
		zap.Int("released", res.Released),
	)
	return res, nil
}

func (r *Rechecker) collect(ctx context.Context, status intel.Status) ([]intel.Item, error) {
	var out []intel.Item
	for skip := 0; ; skip += recheckPage {
		page, total, err := r.items.ListItems(ctx, intel.ItemFilter{Status: status, Skip: skip, Limit: recheckPage})
		if err != nil {
			return nil, fmt.Errorf("list %s items: %w", status, err)
		}
		out = append(out, page...)
		if len(page) < recheckPage || skip+len(page) >= total {
			return out, nil
		}
	}
}

// RunEvery rechecks on every tick until ctx is done. A non-positive interval
// disables the loop.
func (r *Rechecker) RunEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("policy recheck failed", zap.Error(err))
			}
		}
	}
}
