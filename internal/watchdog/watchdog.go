// Package watchdog recovers items whose worker lease has expired and returns
// failed items to their stage after a backoff.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/events"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/metrics"
)

// Component is the health component name of the watchdog.
const Component = "watchdog"

const defaultInterval = time.Minute

// Config controls sweep cadence.
type Config struct {
	Interval time.Duration
	// RetryBackoff is how long a failed item rests before it is requeued.
	// A negative value disables automatic requeue.
	RetryBackoff time.Duration
}

// Reporter receives health observations.
type Reporter interface {
	Observe(component string, err error)
}

type nopReporter struct{}

func (nopReporter) Observe(string, error) {}

// Result summarizes one sweep.
type Result struct {
	Reverted []intel.Reversion `json:"reverted"`
	Requeued []intel.Requeue   `json:"requeued"`
}

// Watchdog sweeps the item store on a fixed interval.
type Watchdog struct {
	items    intel.ItemStore
	cfg      Config
	clock    intel.Clock
	emitter  events.Emitter
	reporter Reporter
	logger   *zap.Logger
}

// Option customizes a Watchdog.
type Option func(*Watchdog)

// WithClock overrides the wall clock.
func WithClock(c intel.Clock) Option {
	return func(w *Watchdog) { w.clock = c }
}

// WithEmitter sets the event sink.
func WithEmitter(e events.Emitter) Option {
	return func(w *Watchdog) { w.emitter = events.OrNop(e) }
}

// WithReporter sets the health reporter.
func WithReporter(r Reporter) Option {
	return func(w *Watchdog) {
		if r != nil {
			w.reporter = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watchdog) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a Watchdog.
func New(items intel.ItemStore, cfg Config, opts ...Option) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	w := &Watchdog{
		items:    items,
		cfg:      cfg,
		clock:    clock.System{},
		emitter:  events.Nop{},
		reporter: nopReporter{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps once immediately, then on every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info("watchdog started", zap.Duration("interval", w.cfg.Interval))
	w.sweepAndLog(ctx)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweepAndLog(ctx)
		}
	}
}

func (w *Watchdog) sweepAndLog(ctx context.Context) {
	res, err := w.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("watchdog sweep failed", zap.Error(err))
		}
		return
	}
	if len(res.Reverted) > 0 || len(res.Requeued) > 0 {
		w.logger.Info("watchdog sweep",
			zap.Int("reverted", len(res.Reverted)),
			zap.Int("requeued", len(res.Requeued)),
		)
	}
}

// Sweep reverts expired leases on both stages and then requeues failures
// older than the retry backoff.
func (w *Watchdog) Sweep(ctx context.Context) (Result, error) {
	var res Result
	for _, stage := range intel.Stages {
		revs, err := w.items.RevertStuck(ctx, stage)
		if err != nil {
			w.reporter.Observe(Component, err)
			return res, fmt.Errorf("revert stuck %s: %w", stage, err)
		}
		for _, r := range revs {
			w.reverted(stage, r)
		}
		res.Reverted = append(res.Reverted, revs...)
	}

	if w.cfg.RetryBackoff >= 0 {
		rqs, err := w.RequeueFailed(ctx, w.cfg.RetryBackoff)
		if err != nil {
			w.reporter.Observe(Component, err)
			return res, err
		}
		res.Requeued = rqs
	}
	w.reporter.Observe(Component, nil)
	return res, nil
}

// RequeueFailed moves failed items untouched for at least age back to their
// stage source.
func (w *Watchdog) RequeueFailed(ctx context.Context, age time.Duration) ([]intel.Requeue, error) {
	now := w.clock.Now()
	rqs, err := w.items.RequeueFailed(ctx, now.Add(-age))
	if err != nil {
		return nil, fmt.Errorf("requeue failed: %w", err)
	}
	for _, rq := range rqs {
		stage, _ := intel.StageOf(rq.From)
		w.emitter.Emit(events.Event{
			Kind:   events.KindRequeued,
			TS:     now,
			ItemID: rq.ItemID,
			FQDN:   rq.FQDN,
			Stage:  stage,
			From:   rq.From,
			To:     rq.To,
		})
	}
	return rqs, nil
}

func (w *Watchdog) reverted(stage intel.Stage, r intel.Reversion) {
	metrics.ObserveWatchdogRevert(string(stage))
	w.logger.Warn("reverted stuck item",
		zap.String("item_id", r.ItemID),
		zap.String("fqdn", r.FQDN),
		zap.String("stage", string(stage)),
		zap.String("worker_id", r.WorkerID),
		zap.String("to", string(r.To)),
		zap.Int("retry_count", r.RetryCount),
	)
	kind := events.KindReverted
	if r.To == intel.StatusBlocked {
		kind = events.KindBlocked
	}
	w.emitter.Emit(events.Event{
		Kind:     kind,
		TS:       w.clock.Now(),
		ItemID:   r.ItemID,
		FQDN:     r.FQDN,
		Stage:    stage,
		From:     r.From,
		To:       r.To,
		WorkerID: r.WorkerID,
		Note:     "lease expired",
	})
}
