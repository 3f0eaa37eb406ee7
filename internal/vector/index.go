package vector

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// Component is the health component name for the vector store.
const Component = "vector_store"

type entry struct {
	vec  []float32
	meta map[string]any
}

// Index is an in-process intel.VectorStore. Vectors are expected to be
// L2-normalized, so the dot product is the cosine similarity.
type Index struct {
	dim int

	mu      sync.RWMutex
	entries map[string]entry
}

var _ intel.VectorStore = (*Index)(nil)

// NewIndex returns an empty index of the given dimension.
func NewIndex(dim int) *Index {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &Index{dim: dim, entries: make(map[string]entry)}
}

// Upsert stores or replaces the vector for fqdn.
func (idx *Index) Upsert(_ context.Context, fqdn string, embedding []float32, metadata map[string]any) error {
	if fqdn == "" {
		return intel.Validationf("fqdn cannot be empty")
	}
	if len(embedding) != idx.dim {
		return fmt.Errorf("vector dim mismatch: %d != %d", len(embedding), idx.dim)
	}
	cp := make([]float32, len(embedding))
	copy(cp, embedding)
	idx.mu.Lock()
	idx.entries[fqdn] = entry{vec: cp, meta: maps.Clone(metadata)}
	idx.mu.Unlock()
	return nil
}

// Delete removes fqdn. Deleting an absent key succeeds.
func (idx *Index) Delete(_ context.Context, fqdn string) error {
	idx.mu.Lock()
	delete(idx.entries, fqdn)
	idx.mu.Unlock()
	return nil
}

// Search returns the k most similar entries, best first. Ties break on
// FQDN so results are stable.
func (idx *Index) Search(_ context.Context, embedding []float32, k int) ([]intel.Match, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(embedding) != idx.dim {
		return nil, fmt.Errorf("query dim mismatch: %d != %d", len(embedding), idx.dim)
	}
	idx.mu.RLock()
	out := make([]intel.Match, 0, len(idx.entries))
	for fqdn, e := range idx.entries {
		out = append(out, intel.Match{FQDN: fqdn, Score: dot(embedding, e.vec), Metadata: maps.Clone(e.meta)})
	}
	idx.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].FQDN < out[j].FQDN
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Len reports how many vectors are stored.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Get returns the metadata stored for fqdn.
func (idx *Index) Get(fqdn string) (map[string]any, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[fqdn]
	return maps.Clone(e.meta), ok
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
