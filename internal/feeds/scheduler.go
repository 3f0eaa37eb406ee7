// Package feeds runs the periodic fetch of threat feeds and admits what they
// list.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/events"
	"github.com/JakeFAU/fqdn-intel/internal/intake"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/metrics"
)

// Health component names: Component covers feed downloads, TickComponent the
// scheduling loop itself.
const (
	Component     = "feed_fetcher"
	TickComponent = "scheduler"
)

// Config tunes the scheduler.
type Config struct {
	Tick            time.Duration
	MaxConcurrent   int
	FetchTimeout    time.Duration
	DefaultPriority int
}

// Admitter admits a batch of candidates.
type Admitter interface {
	AdmitBatch(ctx context.Context, raws []string, source string, priority int) (intake.Summary, error)
}

// Reporter receives liveness observations.
type Reporter interface {
	Observe(component string, err error)
}

// Store is the persistence the scheduler needs.
type Store interface {
	intel.FeedStore
	intel.LogStore
}

type nopReporter struct{}

func (nopReporter) Observe(string, error) {}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler fetches due feeds on every tick and on demand.
type Scheduler struct {
	store      Store
	downloader intel.Downloader
	parser     intel.Parser
	admitter   Admitter
	cfg        Config
	clock      intel.Clock
	emitter    events.Emitter
	reporter   Reporter
	logger     *zap.Logger

	mu       sync.Mutex
	base     context.Context
	inflight map[string]*run
	wg       sync.WaitGroup
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock.
func WithClock(c intel.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithEmitter sets the event sink for fetch results.
func WithEmitter(e events.Emitter) Option {
	return func(s *Scheduler) { s.emitter = events.OrNop(e) }
}

// WithReporter sets the liveness reporter.
func WithReporter(r Reporter) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.reporter = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler wires a Scheduler.
func NewScheduler(store Store, downloader intel.Downloader, parser intel.Parser, admitter Admitter, cfg Config, opts ...Option) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}
	s := &Scheduler{
		store:      store,
		downloader: downloader,
		parser:     parser,
		admitter:   admitter,
		cfg:        cfg,
		clock:      clock.System{},
		emitter:    events.Nop{},
		reporter:   nopReporter{},
		logger:     zap.NewNop(),
		base:       context.Background(),
		inflight:   make(map[string]*run),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", Component))
	return s
}

// Run resets feeds a dead process left fetching, then fetches due feeds on
// every tick until ctx is done. In-flight fetches are waited for on exit.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	defer s.wg.Wait()

	n, err := s.store.ResetFetching(ctx)
	if err != nil {
		return fmt.Errorf("reset fetching feeds: %w", err)
	}
	if n > 0 {
		s.logger.Warn("reset feeds left fetching by a previous process", zap.Int("count", n))
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("feed tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick fetches every active feed that is due, at most MaxConcurrent at a
// time, and returns once they have all finished.
func (s *Scheduler) Tick(ctx context.Context) error {
	feeds, err := s.store.ListFeeds(ctx)
	s.reporter.Observe(TickComponent, err)
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}
	now := s.clock.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, feed := range feeds {
		if !feed.IsActive || !feed.Due(now) {
			continue
		}
		g.Go(func() error {
			started, err := s.store.BeginFetch(gctx, feed.ID)
			if errors.Is(err, intel.ErrAlreadyFetching) || errors.Is(err, intel.ErrNotFound) {
				return nil
			}
			if err != nil {
				s.logger.Warn("begin fetch failed", zap.String("feed_id", feed.ID), zap.Error(err))
				return nil
			}
			s.fetch(gctx, started)
			return nil
		})
	}
	return g.Wait()
}

// FetchNow starts a fetch of one feed regardless of its interval. It returns
// ErrAlreadyFetching when a fetch of that feed is in progress; otherwise the
// fetch continues in the background.
func (s *Scheduler) FetchNow(ctx context.Context, id string) (intel.Feed, error) {
	started, err := s.store.BeginFetch(ctx, id)
	if err != nil {
		return intel.Feed{}, err
	}
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fetch(base, started)
	}()
	return started, nil
}

// Delete cancels an in-flight fetch of the feed, waits for it to record its
// result, and removes the feed.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	r := s.inflight[id]
	s.mu.Unlock()
	if r != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("wait for feed fetch: %w", ctx.Err())
		}
	}
	return s.store.DeleteFeed(ctx, id)
}

// Wait blocks until background fetches started by FetchNow finish.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// fetch runs one cycle for a feed already marked fetching.
func (s *Scheduler) fetch(parent context.Context, feed intel.Feed) intel.FetchResult {
	ctx, cancel := context.WithTimeout(parent, s.cfg.FetchTimeout)
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.inflight[feed.ID] = r
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.inflight, feed.ID)
		s.mu.Unlock()
		close(r.done)
	}()

	logger := s.logger.With(zap.String("feed_id", feed.ID), zap.String("feed", feed.Name))
	start := time.Now()
	sum, err := s.collect(ctx, feed)
	result := intel.FetchResult{
		Status:   intel.FeedOK,
		Admitted: sum.Admitted(),
		At:       s.clock.Now(),
	}
	if err != nil {
		result.Status = intel.FeedError
		result.Error = err.Error()
	}

	// The record must land even when the fetch itself was cancelled.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer finishCancel()
	if _, ferr := s.store.FinishFetch(finishCtx, feed.ID, result); ferr != nil {
		logger.Error("record fetch result failed", zap.Error(ferr))
	}

	metrics.ObserveFeedFetch(string(result.Status))
	s.reporter.Observe(Component, err)
	if err != nil {
		logger.Warn("feed fetch failed", zap.Error(err))
		if lerr := s.store.AppendLog(finishCtx, intel.LogEntry{
			Stage:     intel.LogStageFeed,
			Level:     intel.LevelWarning,
			Message:   fmt.Sprintf("feed %q fetch failed: %s", feed.Name, result.Error),
			Timestamp: result.At,
		}); lerr != nil {
			logger.Warn("append feed log failed", zap.Error(lerr))
		}
	} else {
		logger.Info("feed fetched",
			zap.Int("created", sum.Created),
			zap.Int("readmitted", sum.Readmitted),
			zap.Int("duplicate", sum.Duplicate),
			zap.Int("blocked", sum.Blocked),
			zap.Int("invalid", sum.Invalid),
		)
	}
	s.emitter.Emit(events.Event{
		Kind:   events.KindFeedFetched,
		TS:     result.At,
		FeedID: feed.ID,
		Count:  result.Admitted,
		Dur:    time.Since(start),
		Note:   string(result.Status),
	})
	return result
}

func (s *Scheduler) collect(ctx context.Context, feed intel.Feed) (intake.Summary, error) {
	raw, err := s.downloader.Download(ctx, feed.URL)
	if err != nil {
		return intake.Summary{}, fmt.Errorf("download: %w", err)
	}
	hosts, err := s.parser.Parse(raw, feed.SourceType)
	if err != nil {
		return intake.Summary{}, err
	}
	sum, err := s.admitter.AdmitBatch(ctx, hosts, "feed:"+feed.Name, s.cfg.DefaultPriority)
	if err != nil {
		return sum, err
	}
	return sum, nil
}
