// Package bootstrap applies seed data (categories, feeds, policies) from YAML.
package bootstrap

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

//go:embed default.yaml
var defaultSeed []byte

// Seed is the YAML document.
type Seed struct {
	Categories []CategorySeed `yaml:"categories"`
	Feeds      []FeedSeed     `yaml:"feeds"`
	Policies   []PolicySeed   `yaml:"policies"`
}

// CategorySeed describes one category.
type CategorySeed struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	System      bool   `yaml:"system"`
}

// FeedSeed describes one feed.
type FeedSeed struct {
	Name                 string               `yaml:"name"`
	URL                  string               `yaml:"url"`
	SourceType           intel.FeedSourceType `yaml:"source_type"`
	FetchIntervalMinutes int                  `yaml:"fetch_interval_minutes"`
	Active               bool                 `yaml:"active"`
}

// PolicySeed describes one admission rule.
type PolicySeed struct {
	Pattern string           `yaml:"pattern"`
	Type    intel.PolicyType `yaml:"type"`
}

// Result counts what Apply created.
type Result struct {
	Categories int `json:"categories"`
	Feeds      int `json:"feeds"`
	Policies   int `json:"policies"`
}

// Store is the subset of persistence the seeder writes to.
type Store interface {
	intel.CategoryStore
	intel.FeedStore
	intel.PolicyStore
}

// Default returns the built-in seed.
func Default() (Seed, error) {
	return Parse(defaultSeed)
}

// Load reads a seed file. An empty path returns the built-in seed.
func Load(path string) (Seed, error) {
	if path == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a seed document. Unknown fields are rejected.
func Parse(raw []byte) (Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	return s, nil
}

// Apply creates whatever in s is missing. Categories match by name, feeds by
// URL and policies by pattern and type, so applying twice is a no-op.
func Apply(ctx context.Context, store Store, s Seed, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var res Result

	for _, c := range s.Categories {
		_, err := store.CreateCategory(ctx, intel.Category{Name: c.Name, Description: c.Description, IsSystem: c.System})
		if errors.Is(err, intel.ErrDuplicateName) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("seed category %q: %w", c.Name, err)
		}
		res.Categories++
	}

	feeds, err := store.ListFeeds(ctx)
	if err != nil {
		return res, fmt.Errorf("list feeds: %w", err)
	}
	known := make(map[string]bool, len(feeds))
	for _, f := range feeds {
		known[f.URL] = true
	}
	for _, f := range s.Feeds {
		if known[f.URL] {
			continue
		}
		if _, err := store.CreateFeed(ctx, intel.Feed{
			Name:                 f.Name,
			URL:                  f.URL,
			SourceType:           f.SourceType,
			FetchIntervalMinutes: f.FetchIntervalMinutes,
			IsActive:             f.Active,
		}); err != nil {
			return res, fmt.Errorf("seed feed %q: %w", f.Name, err)
		}
		known[f.URL] = true
		res.Feeds++
	}

	policies, err := store.ListPolicies(ctx)
	if err != nil {
		return res, fmt.Errorf("list policies: %w", err)
	}
	type key struct {
		pattern string
		typ     intel.PolicyType
	}
	have := make(map[key]bool, len(policies))
	for _, p := range policies {
		have[key{p.Pattern, p.Type}] = true
	}
	for _, p := range s.Policies {
		pattern, err := intel.NormalizePattern(p.Pattern)
		if err != nil {
			return res, fmt.Errorf("seed policy %q: %w", p.Pattern, err)
		}
		if have[key{pattern, p.Type}] {
			continue
		}
		if _, err := store.CreatePolicy(ctx, intel.Policy{Pattern: pattern, Type: p.Type}); err != nil {
			return res, fmt.Errorf("seed policy %q: %w", p.Pattern, err)
		}
		have[key{pattern, p.Type}] = true
		res.Policies++
	}

	logger.Info("seed applied",
		zap.Int("categories", res.Categories),
		zap.Int("feeds", res.Feeds),
		zap.Int("policies", res.Policies),
	)
	return res, nil
}
