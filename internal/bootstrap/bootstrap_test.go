package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/storage/memory"
)

func newStore() *memory.Store {
	return memory.NewStore(intel.Limits{MaxRetries: 1, CrawlTimeout: time.Minute, AnalyzeTimeout: time.Minute})
}

func TestDefaultSeedCarriesSystemCategories(t *testing.T) {
	t.Parallel()

	s, err := Default()
	require.NoError(t, err)
	system := map[string]bool{}
	for _, c := range s.Categories {
		if c.System {
			system[c.Name] = true
		}
	}
	assert.Equal(t, map[string]bool{"Uncategorized": true, "Malicious": true, "Benign": true}, system)
	assert.NotEmpty(t, s.Feeds)
	for _, f := range s.Feeds {
		assert.True(t, f.SourceType.Valid(), f.Name)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore()
	s, err := Default()
	require.NoError(t, err)

	first, err := Apply(ctx, store, s, nil)
	require.NoError(t, err)
	assert.Equal(t, len(s.Categories), first.Categories)
	assert.Equal(t, len(s.Feeds), first.Feeds)
	assert.Equal(t, len(s.Policies), first.Policies)

	second, err := Apply(ctx, store, s, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{}, second)

	cats, err := store.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, len(s.Categories))
	for _, c := range cats {
		if c.Name == "Malicious" {
			assert.True(t, c.IsSystem)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
categories:
  - name: Phishing
policies:
  - pattern: "*.EXAMPLE.com"
    type: WHITELIST
`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	require.Len(t, s.Categories, 1)
	assert.Empty(t, s.Feeds)

	ctx := context.Background()
	store := newStore()
	res, err := Apply(ctx, store, s, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Categories: 1, Policies: 1}, res)

	pols, err := store.ListPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, pols, 1)
	assert.Equal(t, "*.example.com", pols[0].Pattern)

	res, err = Apply(ctx, store, s, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Policies)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("categorys:\n  - name: typo\n"))
	require.Error(t, err)

	s, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, s.Categories)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
