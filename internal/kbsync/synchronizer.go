// Package kbsync keeps the vector index in step with the knowledge base.
//
// Work is keyed by FQDN with at most one job in flight per key: a request
// for a queued key is dropped, a request for a running key schedules exactly
// one rerun. A row is marked indexed only when the revision that was
// embedded is still current.
package kbsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/events"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/vector"
)

// maxPasses bounds reruns caused by concurrent edits within one job; the
// sweep picks up anything left pending.
const maxPasses = 5

// Config tunes the synchronizer.
type Config struct {
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
	RetryAfter    time.Duration
	SweepBatch    int
}

// Store is the persistence the synchronizer needs.
type Store interface {
	intel.KBStore
	intel.LogStore
}

// Reporter receives liveness observations.
type Reporter interface {
	Observe(component string, err error)
}

type nopReporter struct{}

func (nopReporter) Observe(string, error) {}

type phase int

const (
	phaseQueued phase = iota
	phaseRunning
	phaseHeld
)

type keyState struct {
	phase   phase
	rerun   bool
	waiters []chan struct{}
}

// Synchronizer embeds KB rows and writes them to the vector store.
type Synchronizer struct {
	store    Store
	embedder intel.Embedder
	vectors  intel.VectorStore
	cfg      Config
	clock    intel.Clock
	emitter  events.Emitter
	reporter Reporter
	logger   *zap.Logger

	queue chan string
	mu    sync.Mutex
	keys  map[string]*keyState
	wg    sync.WaitGroup
}

// Option customizes a Synchronizer.
type Option func(*Synchronizer)

// WithClock overrides the wall clock.
func WithClock(c intel.Clock) Option { return func(s *Synchronizer) { s.clock = c } }

// WithEmitter sets the event sink.
func WithEmitter(e events.Emitter) Option {
	return func(s *Synchronizer) { s.emitter = events.OrNop(e) }
}

// WithReporter sets the liveness reporter.
func WithReporter(r Reporter) Option {
	return func(s *Synchronizer) {
		if r != nil {
			s.reporter = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Synchronizer. Call Run to start its workers.
func New(store Store, embedder intel.Embedder, vectors intel.VectorStore, cfg Config, opts ...Option) *Synchronizer {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 200
	}
	s := &Synchronizer{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		cfg:      cfg,
		clock:    clock.System{},
		emitter:  events.Nop{},
		reporter: nopReporter{},
		logger:   zap.NewNop(),
		queue:    make(chan string, cfg.QueueSize),
		keys:     make(map[string]*keyState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "kbsync"))
	return s
}

// Run starts the workers and the backlog sweep and blocks until ctx is
// done and the workers have exited.
func (s *Synchronizer) Run(ctx context.Context) error {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	if s.cfg.SweepInterval > 0 {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("vector backlog sweep failed", zap.Error(err))
				}
			}
		}
	}
	<-ctx.Done()
	s.wg.Wait()
	return nil
}

// Enqueue marks the row pending (stale rows stay stale) and schedules it.
func (s *Synchronizer) Enqueue(ctx context.Context, fqdn string) {
	if _, err := s.store.MarkVectorPending(ctx, fqdn); err != nil {
		if !errors.Is(err, intel.ErrNotFound) {
			s.logger.Warn("mark vector pending failed", zap.String("fqdn", fqdn), zap.Error(err))
		}
		return
	}
	s.schedule(fqdn)
}

// Rebuild schedules one row, reporting NotFound for unknown FQDNs.
func (s *Synchronizer) Rebuild(ctx context.Context, fqdn string) (intel.KBItem, error) {
	item, err := s.store.MarkVectorPending(ctx, fqdn)
	if err != nil {
		return intel.KBItem{}, err
	}
	s.schedule(fqdn)
	return item, nil
}

// RebuildAll schedules every row that is not indexed.
func (s *Synchronizer) RebuildAll(ctx context.Context) (int, error) {
	backlog, err := s.store.ListVectorBacklog(ctx, s.clock.Now().Add(time.Hour), 0)
	if err != nil {
		return 0, fmt.Errorf("list vector backlog: %w", err)
	}
	for _, item := range backlog {
		s.Enqueue(ctx, item.FQDN)
	}
	return len(backlog), nil
}

// Sweep re-enqueues rows left pending, stale or errored for longer than
// RetryAfter.
func (s *Synchronizer) Sweep(ctx context.Context) (int, error) {
	backlog, err := s.store.ListVectorBacklog(ctx, s.clock.Now().Add(-s.cfg.RetryAfter), s.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list vector backlog: %w", err)
	}
	for _, item := range backlog {
		s.Enqueue(ctx, item.FQDN)
	}
	if len(backlog) > 0 {
		s.logger.Info("vector backlog re-enqueued", zap.Int("count", len(backlog)))
	}
	return len(backlog), nil
}

// Edit applies an operator patch, which marks the row stale, then schedules
// re-indexing.
func (s *Synchronizer) Edit(ctx context.Context, fqdn string, patch intel.KBPatch) (intel.KBItem, error) {
	item, err := s.store.PatchKB(ctx, fqdn, patch)
	if err != nil {
		return intel.KBItem{}, err
	}
	s.emitter.Emit(events.Event{Kind: events.KindKBEdited, TS: s.clock.Now(), FQDN: fqdn})
	s.schedule(fqdn)
	return item, nil
}

// Delete waits for any job on fqdn, removes the vector and then the row. A
// vector store failure keeps the row.
func (s *Synchronizer) Delete(ctx context.Context, fqdn string) error {
	item, err := s.store.GetKB(ctx, fqdn)
	if err != nil {
		return err
	}
	if err := s.hold(ctx, fqdn); err != nil {
		return err
	}
	defer s.release(fqdn)

	if err := s.vectors.Delete(ctx, fqdn); err != nil {
		s.reporter.Observe(vector.Component, err)
		s.logger.Error("vector delete failed", zap.String("fqdn", fqdn), zap.Error(err))
		s.logError(ctx, item.ItemID, fmt.Sprintf("vector delete for %s failed: %s", fqdn, err))
		return intel.Transient("delete vector "+fqdn, err)
	}
	return s.store.DeleteKB(ctx, fqdn)
}

// Search embeds query and returns the k closest KB rows.
func (s *Synchronizer) Search(ctx context.Context, query string, k int) ([]intel.Match, error) {
	if k <= 0 {
		k = 10
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.vectors.Search(ctx, vec, k)
	if err != nil {
		s.reporter.Observe(vector.Component, err)
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return matches, nil
}

// Idle reports whether no key is queued or running.
func (s *Synchronizer) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys) == 0
}

func (s *Synchronizer) schedule(fqdn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.keys[fqdn]; ok {
		if st.phase != phaseQueued {
			st.rerun = true
		}
		return
	}
	select {
	case s.queue <- fqdn:
		s.keys[fqdn] = &keyState{phase: phaseQueued}
	default:
		// The row stays pending; the sweep retries it.
		s.logger.Debug("vector queue full", zap.String("fqdn", fqdn))
	}
}

// hold takes exclusive ownership of a key, waiting for queued or running
// jobs to finish.
func (s *Synchronizer) hold(ctx context.Context, fqdn string) error {
	for {
		s.mu.Lock()
		st, ok := s.keys[fqdn]
		if !ok {
			s.keys[fqdn] = &keyState{phase: phaseHeld}
			s.mu.Unlock()
			return nil
		}
		wait := make(chan struct{})
		st.waiters = append(st.waiters, wait)
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("wait for vector job: %w", ctx.Err())
		}
	}
}

// release frees a held key and wakes its waiters. Reruns requested while
// the key was held are dropped; the row they refer to is gone.
func (s *Synchronizer) release(fqdn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.keys[fqdn]
	if !ok {
		return
	}
	delete(s.keys, fqdn)
	for _, w := range st.waiters {
		close(w)
	}
}

func (s *Synchronizer) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fqdn := <-s.queue:
			s.runKey(ctx, fqdn)
		}
	}
}

func (s *Synchronizer) runKey(ctx context.Context, fqdn string) {
	for {
		s.mu.Lock()
		st := s.keys[fqdn]
		if st == nil {
			s.mu.Unlock()
			return
		}
		st.phase = phaseRunning
		st.rerun = false
		s.mu.Unlock()

		s.sync(ctx, fqdn)

		s.mu.Lock()
		if st.rerun && ctx.Err() == nil {
			s.mu.Unlock()
			continue
		}
		delete(s.keys, fqdn)
		for _, w := range st.waiters {
			close(w)
		}
		s.mu.Unlock()
		return
	}
}

// sync embeds and writes the current revision, repeating while the row
// changes underneath it.
func (s *Synchronizer) sync(ctx context.Context, fqdn string) {
	logger := s.logger.With(zap.String("fqdn", fqdn))
	for pass := 0; pass < maxPasses; pass++ {
		item, err := s.store.GetKB(ctx, fqdn)
		if errors.Is(err, intel.ErrNotFound) {
			return
		}
		if err != nil {
			logger.Warn("load kb item failed", zap.Error(err))
			return
		}
		start := time.Now()
		vec, err := s.embedder.Embed(ctx, item.Document())
		if err != nil {
			s.fail(ctx, item, fmt.Errorf("embed: %w", err))
			return
		}
		meta := map[string]any{
			"category":     item.Category,
			"is_malicious": item.IsMalicious,
			"confidence":   item.Confidence,
			"revision":     item.Revision,
		}
		if err := s.vectors.Upsert(ctx, fqdn, vec, meta); err != nil {
			s.fail(ctx, item, fmt.Errorf("upsert: %w", err))
			return
		}
		ok, err := s.store.MarkVectorIndexed(ctx, fqdn, item.Revision)
		if errors.Is(err, intel.ErrNotFound) {
			// Deleted while we wrote; drop the orphan vector.
			_ = s.vectors.Delete(ctx, fqdn)
			return
		}
		if err != nil {
			logger.Warn("mark vector indexed failed", zap.Error(err))
			return
		}
		if !ok {
			logger.Debug("kb item changed during sync; rerunning", zap.Int64("revision", item.Revision))
			continue
		}
		s.reporter.Observe(vector.Component, nil)
		s.emitter.Emit(events.Event{
			Kind: events.KindVectorIndexed,
			TS:   s.clock.Now(),
			FQDN: fqdn,
			Dur:  time.Since(start),
		})
		return
	}
	logger.Warn("kb item kept changing; leaving it for the sweep")
}

func (s *Synchronizer) fail(ctx context.Context, item intel.KBItem, cause error) {
	if ctx.Err() != nil {
		return
	}
	s.reporter.Observe(vector.Component, cause)
	reason := cause.Error()
	s.logger.Error("vector sync failed", zap.String("fqdn", item.FQDN), zap.Error(cause))
	if err := s.store.MarkVectorError(ctx, item.FQDN, item.Revision, reason); err != nil && !errors.Is(err, intel.ErrNotFound) {
		s.logger.Warn("mark vector error failed", zap.String("fqdn", item.FQDN), zap.Error(err))
	}
	s.logError(ctx, item.ItemID, fmt.Sprintf("vector sync for %s failed: %s", item.FQDN, reason))
	s.emitter.Emit(events.Event{
		Kind: events.KindVectorFailed,
		TS:   s.clock.Now(),
		FQDN: item.FQDN,
		Note: reason,
	})
}

func (s *Synchronizer) logError(ctx context.Context, itemID, message string) {
	if err := s.store.AppendLog(ctx, intel.LogEntry{
		ItemID:    itemID,
		Stage:     intel.LogStageVector,
		Level:     intel.LevelError,
		Message:   message,
		Timestamp: s.clock.Now(),
	}); err != nil {
		s.logger.Warn("append vector log failed", zap.Error(err))
	}
}
