package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// CreatePolicy stores a new admission rule.
func (s *Store) CreatePolicy(_ context.Context, p intel.Policy) (intel.Policy, error) {
	pattern, err := intel.NormalizePattern(p.Pattern)
	if err != nil {
		return intel.Policy{}, err
	}
	if !p.Type.Valid() {
		return intel.Policy{}, intel.Validationf("policy type must be BLACKLIST or WHITELIST")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.policies {
		if existing.Pattern == pattern && existing.Type == p.Type {
			return intel.Policy{}, &intel.Error{Kind: intel.KindConflict, Detail: "policy already exists"}
		}
	}
	id, err := s.newID("create policy")
	if err != nil {
		return intel.Policy{}, err
	}
	p.ID = id
	p.Pattern = pattern
	p.CreatedAt = s.clock.Now()
	s.policies[id] = p
	return p, nil
}

// ListPolicies returns all rules, oldest first.
func (s *Store) ListPolicies(context.Context) ([]intel.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]intel.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeletePolicy removes a rule.
func (s *Store) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return intel.NotFoundf("policy %s not found", id)
	}
	delete(s.policies, id)
	return nil
}

func (s *Store) categoryByNameLocked(name string) *intel.Category {
	for _, c := range s.categories {
		if strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return nil
}

func (s *Store) countLocked(name string) int {
	n := 0
	for _, k := range s.kb {
		if k.Category == name {
			n++
		}
	}
	return n
}

func (s *Store) withCountLocked(c *intel.Category) intel.Category {
	out := *c
	out.Count = s.countLocked(c.Name)
	return out
}

// CreateCategory stores a new category with a unique name.
func (s *Store) CreateCategory(_ context.Context, c intel.Category) (intel.Category, error) {
	name, err := intel.ValidateCategoryName(c.Name)
	if err != nil {
		return intel.Category{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.categoryByNameLocked(name) != nil {
		return intel.Category{}, intel.ErrDuplicateName
	}
	id, err := s.newID("create category")
	if err != nil {
		return intel.Category{}, err
	}
	c.ID = id
	c.Name = name
	c.CreatedAt = s.clock.Now()
	s.categories[id] = &c
	return s.withCountLocked(&c), nil
}

// GetCategory fetches one category with its live count.
func (s *Store) GetCategory(_ context.Context, id string) (intel.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.categories[id]
	if !ok {
		return intel.Category{}, intel.NotFoundf("category %s not found", id)
	}
	return s.withCountLocked(c), nil
}

// ListCategories returns categories ordered by name with counts.
func (s *Store) ListCategories(context.Context) ([]intel.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]intel.Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, s.withCountLocked(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateCategory edits a category and cascades a rename to KB rows under the same lock.
func (s *Store) UpdateCategory(_ context.Context, id, name, description string) (intel.Category, []string, error) {
	name, err := intel.ValidateCategoryName(name)
	if err != nil {
		return intel.Category{}, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.categories[id]
	if !ok {
		return intel.Category{}, nil, intel.NotFoundf("category %s not found", id)
	}
	if other := s.categoryByNameLocked(name); other != nil && other.ID != id {
		return intel.Category{}, nil, intel.ErrDuplicateName
	}
	oldName := c.Name
	c.Description = description
	var touched []string
	if name != oldName {
		now := s.clock.Now()
		for _, fqdn := range sortedKeys(s.kb) {
			k := s.kb[fqdn]
			if k.Category != oldName {
				continue
			}
			k.Category = name
			k.Revision++
			k.VectorStatus = intel.VectorStale
			k.VectorError = ""
			k.UpdatedAt = touch(k.UpdatedAt, now)
			touched = append(touched, fqdn)
		}
		c.Name = name
	}
	return s.withCountLocked(c), touched, nil
}

// DeleteCategory removes an unused, non-system category.
func (s *Store) DeleteCategory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.categories[id]
	if !ok {
		return intel.NotFoundf("category %s not found", id)
	}
	if c.IsSystem {
		return intel.ErrProtected
	}
	if s.countLocked(c.Name) > 0 {
		return intel.ErrInUse
	}
	delete(s.categories, id)
	return nil
}

// CategoryStats returns the distribution of KB items across categories.
func (s *Store) CategoryStats(context.Context) ([]intel.CategoryStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := len(s.kb)
	out := make([]intel.CategoryStat, 0, len(s.categories))
	for _, c := range s.categories {
		n := s.countLocked(c.Name)
		out = append(out, intel.CategoryStat{Name: c.Name, Count: n, Percent: percent(n, total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)*10000/float64(total)) / 100
}

// resolveCategoryLocked maps an analysis label onto an existing category name,
// creating the system fallback category on first use.
func (s *Store) resolveCategoryLocked(label string) (string, error) {
	if c := s.categoryByNameLocked(strings.TrimSpace(label)); c != nil {
		return c.Name, nil
	}
	if c := s.categoryByNameLocked(intel.UncategorizedName); c != nil {
		return c.Name, nil
	}
	id, err := s.newID("create fallback category")
	if err != nil {
		return "", err
	}
	s.categories[id] = &intel.Category{
		ID:          id,
		Name:        intel.UncategorizedName,
		Description: "Analyses with no matching category",
		IsSystem:    true,
		CreatedAt:   s.clock.Now(),
	}
	return intel.UncategorizedName, nil
}

func (s *Store) upsertKBLocked(item *intel.Item, a intel.Analysis, now time.Time) error {
	category, err := s.resolveCategoryLocked(a.Category)
	if err != nil {
		return err
	}
	analyzedAt := a.AnalyzedAt
	if analyzedAt.IsZero() {
		analyzedAt = now
	}
	k, ok := s.kb[item.FQDN]
	if !ok {
		k = &intel.KBItem{FQDN: item.FQDN}
		s.kb[item.FQDN] = k
	}
	k.ItemID = item.ID
	k.Category = category
	k.IsMalicious = a.IsMalicious
	k.Confidence = intel.ClampConfidence(a.Confidence)
	k.Summary = a.Summary
	k.VectorStatus = intel.VectorPending
	k.VectorError = ""
	k.Revision++
	k.AnalyzedAt = analyzedAt
	k.UpdatedAt = touch(k.UpdatedAt, now)
	if item.CrawlResult != nil {
		at := item.CrawlResult.CrawledAt
		k.CrawledAt = &at
	}
	return nil
}

func cloneKB(k *intel.KBItem) intel.KBItem {
	out := *k
	if k.CrawledAt != nil {
		at := *k.CrawledAt
		out.CrawledAt = &at
	}
	return out
}

// GetKB fetches one KB row.
func (s *Store) GetKB(_ context.Context, fqdn string) (intel.KBItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.kb[fqdn]
	if !ok {
		return intel.KBItem{}, intel.NotFoundf("kb item %s not found", fqdn)
	}
	return cloneKB(k), nil
}

// ListKB returns a page of KB rows, most recently analyzed first.
func (s *Store) ListKB(_ context.Context, filter intel.KBFilter) ([]intel.KBItem, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search := strings.ToLower(filter.Search)
	matched := make([]intel.KBItem, 0)
	for _, k := range s.kb {
		if filter.Category != "" && k.Category != filter.Category {
			continue
		}
		if filter.VectorStatus != "" && k.VectorStatus != filter.VectorStatus {
			continue
		}
		if search != "" && !strings.Contains(k.FQDN, search) && !strings.Contains(strings.ToLower(k.Summary), search) {
			continue
		}
		matched = append(matched, cloneKB(k))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].AnalyzedAt.Equal(matched[j].AnalyzedAt) {
			return matched[i].AnalyzedAt.After(matched[j].AnalyzedAt)
		}
		return matched[i].FQDN < matched[j].FQDN
	})
	return page(matched, filter.Skip, filter.Limit), len(matched), nil
}

// PatchKB applies an operator edit and marks the row stale.
func (s *Store) PatchKB(_ context.Context, fqdn string, patch intel.KBPatch) (intel.KBItem, error) {
	if err := intel.ValidatePatch(patch); err != nil {
		return intel.KBItem{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kb[fqdn]
	if !ok {
		return intel.KBItem{}, intel.NotFoundf("kb item %s not found", fqdn)
	}
	if patch.Category != nil {
		c := s.categoryByNameLocked(strings.TrimSpace(*patch.Category))
		if c == nil {
			return intel.KBItem{}, intel.Validationf("unknown category %q", *patch.Category)
		}
		name := c.Name
		patch.Category = &name
	}
	patch.Apply(k)
	k.Revision++
	k.VectorStatus = intel.VectorStale
	k.VectorError = ""
	k.UpdatedAt = touch(k.UpdatedAt, s.clock.Now())
	return cloneKB(k), nil
}

// DeleteKB removes a KB row.
func (s *Store) DeleteKB(_ context.Context, fqdn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kb[fqdn]; !ok {
		return intel.NotFoundf("kb item %s not found", fqdn)
	}
	delete(s.kb, fqdn)
	return nil
}

// MarkVectorPending flags a row for re-indexing. Stale rows stay stale.
func (s *Store) MarkVectorPending(_ context.Context, fqdn string) (intel.KBItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kb[fqdn]
	if !ok {
		return intel.KBItem{}, intel.NotFoundf("kb item %s not found", fqdn)
	}
	if k.VectorStatus != intel.VectorStale {
		k.VectorStatus = intel.VectorPending
	}
	k.UpdatedAt = touch(k.UpdatedAt, s.clock.Now())
	return cloneKB(k), nil
}

// MarkVectorIndexed confirms a vector write for revision. It reports false
// when the row changed since the write started.
func (s *Store) MarkVectorIndexed(_ context.Context, fqdn string, revision int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kb[fqdn]
	if !ok {
		return false, intel.NotFoundf("kb item %s not found", fqdn)
	}
	if k.Revision != revision {
		return false, nil
	}
	k.VectorStatus = intel.VectorIndexed
	k.VectorError = ""
	k.UpdatedAt = touch(k.UpdatedAt, s.clock.Now())
	return true, nil
}

// MarkVectorError records a failed vector write for revision.
func (s *Store) MarkVectorError(_ context.Context, fqdn string, revision int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kb[fqdn]
	if !ok {
		return intel.NotFoundf("kb item %s not found", fqdn)
	}
	if k.Revision != revision {
		return nil
	}
	k.VectorStatus = intel.VectorError
	k.VectorError = reason
	k.UpdatedAt = touch(k.UpdatedAt, s.clock.Now())
	return nil
}

// ListVectorBacklog returns rows awaiting a vector write, oldest first.
func (s *Store) ListVectorBacklog(_ context.Context, before time.Time, limit int) ([]intel.KBItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]intel.KBItem, 0)
	for _, k := range s.kb {
		if k.VectorStatus == intel.VectorIndexed || !k.UpdatedAt.Before(before) {
			continue
		}
		out = append(out, cloneKB(k))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].FQDN < out[j].FQDN
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// KBStats summarizes the knowledge base.
func (s *Store) KBStats(context.Context) (intel.KBStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := intel.KBStats{
		Total:          len(s.kb),
		ByVectorStatus: map[intel.VectorStatus]int{},
	}
	used := map[string]struct{}{}
	for _, k := range s.kb {
		stats.ByVectorStatus[k.VectorStatus]++
		if k.VectorStatus == intel.VectorIndexed {
			stats.TotalIndexed++
		}
		if k.IsMalicious {
			stats.MaliciousCount++
		}
		used[k.Category] = struct{}{}
	}
	stats.Categories = len(used)
	return stats, nil
}
