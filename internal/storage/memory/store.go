// Package memory provides in-memory implementations for development/testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/id/uuid"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// Store keeps every pipeline record in process memory behind one lock.
// Reads hand out copies so callers can never mutate stored state.
type Store struct {
	mu sync.RWMutex

	limits intel.Limits
	clock  intel.Clock
	ids    intel.IDGenerator

	items      map[string]*intel.Item
	byFQDN     map[string]string
	feeds      map[string]*intel.Feed
	policies   map[string]intel.Policy
	categories map[string]*intel.Category
	kb         map[string]*intel.KBItem
	logs       []intel.LogEntry
}

var _ intel.Store = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(c intel.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator overrides the UUID generator.
func WithIDGenerator(g intel.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// NewStore constructs an empty Store.
func NewStore(limits intel.Limits, opts ...Option) *Store {
	s := &Store{
		limits:     limits,
		clock:      clock.System{},
		ids:        uuid.New(),
		items:      make(map[string]*intel.Item),
		byFQDN:     make(map[string]string),
		feeds:      make(map[string]*intel.Feed),
		policies:   make(map[string]intel.Policy),
		categories: make(map[string]*intel.Category),
		kb:         make(map[string]*intel.KBItem),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) newID(op string) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", intel.Internal(op, err)
	}
	return id, nil
}

// appendLogLocked records an audit entry. Callers hold s.mu.
func (s *Store) appendLogLocked(entry intel.LogEntry) {
	if entry.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			id = entry.Timestamp.Format(time.RFC3339Nano)
		}
		entry.ID = id
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}
	s.logs = append(s.logs, entry)
}

// AppendLog records an audit entry.
func (s *Store) AppendLog(_ context.Context, entry intel.LogEntry) error {
	if entry.Message == "" {
		return intel.Validationf("log message is required")
	}
	if entry.Level == "" {
		entry.Level = intel.LevelInfo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLogLocked(entry)
	return nil
}

// ListLogs returns matching entries, newest first.
func (s *Store) ListLogs(_ context.Context, filter intel.LogFilter) ([]intel.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]intel.LogEntry, 0)
	for i := len(s.logs) - 1; i >= 0; i-- {
		entry := s.logs[i]
		if filter.ItemID != "" && entry.ItemID != filter.ItemID {
			continue
		}
		if filter.Level != "" && entry.Level != filter.Level {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// touch keeps updated_at monotonically non-decreasing.
func touch(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}

func page[T any](all []T, skip, limit int) []T {
	if skip >= len(all) {
		return []T{}
	}
	all = all[skip:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
