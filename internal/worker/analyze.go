package worker

import (
	"context"
	"fmt"

	"github.com/JakeFAU/fqdn-intel/internal/fetcher/htmltext"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// AnalyzeComponent is the health component for the analysis collaborator.
const AnalyzeComponent = "analyzer"

// Analyze loads stored crawl content and classifies it against the current
// category set.
type Analyze struct {
	analyzer   intel.Analyzer
	blobs      intel.BlobStore
	categories intel.CategoryStore
}

// NewAnalyze creates the analyze stage processor.
func NewAnalyze(analyzer intel.Analyzer, blobs intel.BlobStore, categories intel.CategoryStore) *Analyze {
	return &Analyze{analyzer: analyzer, blobs: blobs, categories: categories}
}

// Component implements Processor.
func (a *Analyze) Component() string { return AnalyzeComponent }

// Process implements Processor.
func (a *Analyze) Process(ctx context.Context, item intel.Item) (intel.Outcome, error) {
	if item.CrawlResult == nil || item.CrawlResult.ContentRef == "" {
		return intel.Outcome{}, fmt.Errorf("%s has no crawled content", item.FQDN)
	}
	body, err := a.blobs.GetObject(ctx, item.CrawlResult.ContentRef)
	if err != nil {
		return intel.Outcome{}, fmt.Errorf("load content %s: %w", item.CrawlResult.ContentRef, err)
	}
	cats, err := a.categories.ListCategories(ctx)
	if err != nil {
		return intel.Outcome{}, fmt.Errorf("list categories: %w", err)
	}

	doc := htmltext.Extract(body)
	title := item.CrawlResult.Title
	if title == "" {
		title = doc.Title
	}
	analysis, err := a.analyzer.Analyze(ctx, intel.AnalysisRequest{
		FQDN:       item.FQDN,
		Title:      title,
		Content:    doc.Text,
		Categories: cats,
	})
	if err != nil {
		return intel.Outcome{}, fmt.Errorf("analyze %s: %w", item.FQDN, err)
	}
	return intel.Outcome{Analysis: &analysis}, nil
}
