// Package intake applies the policy gate to candidate FQDNs and admits them
// into the item store.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/events"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// Config tunes admission.
type Config struct {
	// ReadmitCooldown is how long a failed or blocked item rests before a
	// rediscovery may return it to DISCOVERED.
	ReadmitCooldown time.Duration
}

// Result describes one admission.
type Result struct {
	Item    intel.Item         `json:"item"`
	Outcome intel.AdmitOutcome `json:"outcome"`
	Verdict intel.Verdict      `json:"verdict"`
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Created    int `json:"created"`
	Readmitted int `json:"readmitted"`
	Duplicate  int `json:"duplicate"`
	Blocked    int `json:"blocked"`
	Invalid    int `json:"invalid"`
}

// Admitted is the number of candidates that now wait in DISCOVERED because
// of this batch.
func (s Summary) Admitted() int {
	return s.Created + s.Readmitted
}

func (s *Summary) add(o intel.AdmitOutcome) {
	switch o {
	case intel.AdmitCreated:
		s.Created++
	case intel.AdmitReadmitted:
		s.Readmitted++
	case intel.AdmitDuplicate:
		s.Duplicate++
	case intel.AdmitBlocked:
		s.Blocked++
	}
}

// Admitter evaluates policy and admits candidates.
type Admitter struct {
	store   intel.ItemStore
	policy  intel.PolicyEvaluator
	clock   intel.Clock
	emitter events.Emitter
	logger  *zap.Logger
	cfg     Config
}

// Option customizes an Admitter.
type Option func(*Admitter)

// WithClock overrides the wall clock.
func WithClock(c intel.Clock) Option {
	return func(a *Admitter) { a.clock = c }
}

// WithEmitter sets the event sink for admissions.
func WithEmitter(e events.Emitter) Option {
	return func(a *Admitter) { a.emitter = events.OrNop(e) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Admitter) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an Admitter.
func New(store intel.ItemStore, policy intel.PolicyEvaluator, cfg Config, opts ...Option) *Admitter {
	a := &Admitter{
		store:   store,
		policy:  policy,
		clock:   clock.System{},
		emitter: events.Nop{},
		logger:  zap.NewNop(),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Admit normalizes raw and admits it under the current policy. DENY records
// a BLOCKED item; FORCE re-admits a BLOCKED item immediately.
func (a *Admitter) Admit(ctx context.Context, raw, source string, priority int) (Result, error) {
	fqdn, err := intel.NormalizeFQDN(raw)
	if err != nil {
		return Result{}, err
	}
	return a.admitNormalized(ctx, fqdn, source, priority)
}

func (a *Admitter) admitNormalized(ctx context.Context, fqdn, source string, priority int) (Result, error) {
	verdict := a.policy.Evaluate(fqdn)
	now := a.clock.Now()
	adm := intel.Admission{
		FQDN:          fqdn,
		Source:        source,
		Priority:      priority,
		Status:        intel.StatusDiscovered,
		ReadmitBefore: now.Add(-a.cfg.ReadmitCooldown),
	}
	switch verdict.Decision {
	case intel.Deny:
		adm.Status = intel.StatusBlocked
		adm.Reason = fmt.Sprintf("policy %s %s", verdict.Type, verdict.Pattern)
		adm.ReadmitBefore = time.Time{}
	case intel.Force:
		adm.ForceReadmit = true
	}

	item, outcome, err := a.store.Admit(ctx, adm)
	if err != nil {
		return Result{}, fmt.Errorf("admit %s: %w", fqdn, err)
	}
	switch outcome {
	case intel.AdmitCreated:
		a.emitter.Emit(events.ItemEvent(events.KindAdmitted, item, "", now))
	case intel.AdmitReadmitted:
		evt := events.ItemEvent(events.KindAdmitted, item, "", now)
		evt.Note = "readmitted"
		a.emitter.Emit(evt)
	case intel.AdmitBlocked:
		evt := events.ItemEvent(events.KindBlocked, item, "", now)
		evt.Note = adm.Reason
		a.emitter.Emit(evt)
	}
	return Result{Item: item, Outcome: outcome, Verdict: verdict}, nil
}

// AdmitBatch normalizes, dedupes and admits candidates. Invalid names are
// counted and skipped; a store failure aborts the batch.
func (a *Admitter) AdmitBatch(ctx context.Context, raws []string, source string, priority int) (Summary, error) {
	var sum Summary
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("admit batch: %w", err)
		}
		fqdn, err := intel.NormalizeFQDN(raw)
		if err != nil {
			sum.Invalid++
			continue
		}
		if _, dup := seen[fqdn]; dup {
			continue
		}
		seen[fqdn] = struct{}{}
		res, err := a.admitNormalized(ctx, fqdn, source, priority)
		if errors.Is(err, intel.ErrValidation) {
			sum.Invalid++
			continue
		}
		if err != nil {
			return sum, err
		}
		sum.add(res.Outcome)
	}
	a.logger.Debug("batch admitted",
		zap.String("source", source),
		zap.Int("candidates", len(raws)),
		zap.Int("created", sum.Created),
		zap.Int("readmitted", sum.Readmitted),
		zap.Int("blocked", sum.Blocked),
	)
	return sum, nil
}
