// Package category manages classification labels and keeps KB rows and the
// vector index consistent when a label is renamed.
package category

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// Reindexer schedules a KB row for vector re-indexing.
type Reindexer interface {
	Enqueue(ctx context.Context, fqdn string)
}

// Store is the persistence the manager needs.
type Store interface {
	intel.CategoryStore
	intel.LogStore
}

// Manager wraps the category store with cascade follow-up.
type Manager struct {
	store   Store
	reindex Reindexer
	logger  *zap.Logger
}

// NewManager creates a Manager. reindex may be nil when no vector index is
// wired; renamed rows then stay stale until a sweep picks them up.
func NewManager(store Store, reindex Reindexer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, reindex: reindex, logger: logger}
}

// Create adds a category. Names are unique case-insensitively.
func (m *Manager) Create(ctx context.Context, name, description string) (intel.Category, error) {
	c, err := m.store.CreateCategory(ctx, intel.Category{Name: name, Description: description})
	if err != nil {
		return intel.Category{}, fmt.Errorf("create category: %w", err)
	}
	return c, nil
}

// List returns every category with its KB count.
func (m *Manager) List(ctx context.Context) ([]intel.Category, error) {
	cats, err := m.store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return cats, nil
}

// Update edits name and description. A rename moves every KB row with the
// old name in the same transaction, marks them stale, and queues them for
// re-indexing.
func (m *Manager) Update(ctx context.Context, id, name, description string) (intel.Category, error) {
	before, err := m.store.GetCategory(ctx, id)
	if err != nil {
		return intel.Category{}, fmt.Errorf("update category: %w", err)
	}
	c, touched, err := m.store.UpdateCategory(ctx, id, name, description)
	if err != nil {
		return intel.Category{}, fmt.Errorf("update category: %w", err)
	}
	if before.Name == c.Name {
		return c, nil
	}

	m.logger.Info("category renamed",
		zap.String("category_id", id),
		zap.String("from", before.Name),
		zap.String("to", c.Name),
		zap.Int("kb_items", len(touched)),
	)
	if err := m.store.AppendLog(ctx, intel.LogEntry{
		Stage:   intel.LogStageCategory,
		Level:   intel.LevelInfo,
		Message: fmt.Sprintf("category %q renamed to %q; %d KB items marked stale", before.Name, c.Name, len(touched)),
	}); err != nil {
		m.logger.Warn("append rename log failed", zap.Error(err))
	}
	if m.reindex != nil {
		for _, fqdn := range touched {
			m.reindex.Enqueue(ctx, fqdn)
		}
	}
	return c, nil
}

// Delete removes a category. System categories are Protected and
// categories still referenced by KB rows are InUse.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteCategory(ctx, id); err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	return nil
}

// Stats returns the distribution of KB rows across categories.
func (m *Manager) Stats(ctx context.Context) ([]intel.CategoryStat, error) {
	stats, err := m.store.CategoryStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("category stats: %w", err)
	}
	return stats, nil
}
