// Package worker implements the claim/work/complete loop shared by the crawl
// and analyze pools.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/events"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/metrics"
	"github.com/JakeFAU/fqdn-intel/internal/telemetry"
)

const (
	defaultPollInterval = 2 * time.Second
	failTimeout         = 5 * time.Second
	// minBudget is the smallest work budget handed to a processor.
	minBudget = time.Millisecond
)

// Processor performs one stage of work on a claimed item.
type Processor interface {
	// Component names the collaborator in health reports.
	Component() string
	Process(ctx context.Context, item intel.Item) (intel.Outcome, error)
}

// Reporter receives collaborator health observations.
type Reporter interface {
	Observe(component string, err error)
}

type nopReporter struct{}

func (nopReporter) Observe(string, error) {}

// Config controls Worker behavior.
type Config struct {
	ID           string
	Stage        intel.Stage
	PollInterval time.Duration
	// Timeout is the stage lease. Work is bounded to the lease minus the
	// headroom needed to record a failure while the lease is still valid.
	Timeout time.Duration
}

// Worker claims items for one stage and drives them to Complete or Fail.
type Worker struct {
	items    intel.ItemStore
	proc     Processor
	cfg      Config
	clock    intel.Clock
	emitter  events.Emitter
	reporter Reporter
	tracer   trace.Tracer
	logger   *zap.Logger
}

// Option customizes a Worker.
type Option func(*Worker)

// WithClock overrides the wall clock.
func WithClock(c intel.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithEmitter sets the transition event sink.
func WithEmitter(e events.Emitter) Option {
	return func(w *Worker) { w.emitter = events.OrNop(e) }
}

// WithReporter sets the health reporter.
func WithReporter(r Reporter) Option {
	return func(w *Worker) {
		if r != nil {
			w.reporter = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// New constructs a Worker.
func New(items intel.ItemStore, proc Processor, cfg Config, opts ...Option) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	w := &Worker{
		items:    items,
		proc:     proc,
		cfg:      cfg,
		clock:    clock.System{},
		emitter:  events.Nop{},
		reporter: nopReporter{},
		tracer:   telemetry.Tracer(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("worker_id", cfg.ID), zap.String("stage", string(cfg.Stage)))
	return w
}

// ID returns the worker id used for leases.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run blocks, claiming items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		worked, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("claim failed", zap.Error(err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes at most one item. It reports whether an item
// was claimed; an empty queue is not an error.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	item, err := w.items.Claim(ctx, w.cfg.Stage, w.cfg.ID)
	if errors.Is(err, intel.ErrNoWorkAvailable) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", w.cfg.Stage, err)
	}
	w.process(ctx, item)
	return true, nil
}

func (w *Worker) process(ctx context.Context, item intel.Item) {
	stage := string(w.cfg.Stage)
	metrics.IncActiveWorkers(stage)
	defer metrics.DecActiveWorkers(stage)

	start := w.clock.Now()
	w.emitter.Emit(events.ItemEvent(events.KindClaimed, item, w.cfg.Stage.Source(), start))
	logger := w.logger.With(zap.String("item_id", item.ID), zap.String("fqdn", item.FQDN))
	logger.Debug("claimed item")

	ctx, span := w.tracer.Start(ctx, "worker."+stage, trace.WithAttributes(
		attribute.String("item.id", item.ID),
		attribute.String("item.fqdn", item.FQDN),
		attribute.Int("item.retry_count", item.RetryCount),
	))
	defer span.End()

	workCtx := ctx
	if budget := WorkBudget(w.cfg.Timeout); budget > 0 {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	out, err := w.proc.Process(workCtx, item)
	w.reporter.Observe(w.proc.Component(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.fail(ctx, logger, item, err, start)
		return
	}

	done, err := w.items.Complete(ctx, item.ID, w.cfg.ID, out)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, intel.ErrLeaseLost) {
			logger.Warn("lease lost before completion", zap.Error(err))
			return
		}
		logger.Error("complete failed", zap.Error(err))
		return
	}
	evt := events.ItemEvent(events.KindCompleted, done, item.Status, w.clock.Now())
	evt.WorkerID = w.cfg.ID
	evt.Dur = w.clock.Now().Sub(start)
	w.emitter.Emit(evt)
	logger.Info("item completed", zap.String("status", string(done.Status)), zap.Duration("elapsed", evt.Dur))
}

// WorkBudget returns how long a processor may run under a lease of the given
// length. The remainder, a fifth of the lease capped at failTimeout, is kept
// for Fail so a timed out item lands in the stage failure state instead of
// waiting for the watchdog. Zero means unbounded.
func WorkBudget(lease time.Duration) time.Duration {
	if lease <= 0 {
		return 0
	}
	headroom := min(lease/5, failTimeout)
	return max(lease-headroom, minBudget)
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, item intel.Item, cause error, start time.Time) {
	failCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		failCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
		defer cancel()
	}
	failed, err := w.items.Fail(failCtx, item.ID, w.cfg.ID, cause.Error())
	if err != nil {
		if errors.Is(err, intel.ErrLeaseLost) {
			logger.Warn("lease lost before failure was recorded", zap.NamedError("cause", cause), zap.Error(err))
			return
		}
		logger.Error("fail failed", zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	kind := events.KindFailed
	if failed.Status == intel.StatusBlocked {
		kind = events.KindBlocked
	}
	evt := events.ItemEvent(kind, failed, item.Status, w.clock.Now())
	evt.WorkerID = w.cfg.ID
	evt.Dur = w.clock.Now().Sub(start)
	evt.Note = cause.Error()
	w.emitter.Emit(evt)
	logger.Warn("item failed",
		zap.String("status", string(failed.Status)),
		zap.Int("retry_count", failed.RetryCount),
		zap.Error(cause),
	)
}
