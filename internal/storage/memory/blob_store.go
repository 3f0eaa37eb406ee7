package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

const memoryScheme = "memory://"

// BlobStore keeps crawl content in-memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ intel.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject stores a copy of data under path.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", intel.Validationf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return memoryScheme + path, nil
}

// GetObject returns a copy of the content behind a memory:// URI.
func (s *BlobStore) GetObject(_ context.Context, uri string) ([]byte, error) {
	path, ok := strings.CutPrefix(uri, memoryScheme)
	if !ok {
		return nil, intel.Validationf("not a memory uri: %s", uri)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, intel.NotFoundf("object %s not found", uri)
	}
	return append([]byte(nil), data...), nil
}
