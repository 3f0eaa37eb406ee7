package worker

import (
	"context"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/fetcher/htmltext"
	"github.com/JakeFAU/fqdn-intel/internal/hash/sha256"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// CrawlComponent is the health component for the crawl collaborator.
const CrawlComponent = "crawler"

const defaultContentType = "text/html; charset=utf-8"

// CrawlConfig controls the crawl stage.
type CrawlConfig struct {
	BlobPrefix string
	// ContentType is used when the page does not report one.
	ContentType string
	// MinContentLength is the minimum extracted text, in characters, for a
	// crawl to count as a success.
	MinContentLength int
}

// Crawl fetches the landing page, stores the body and records its ref.
type Crawl struct {
	crawler intel.Crawler
	blobs   intel.BlobStore
	hasher  intel.Hasher
	clock   intel.Clock
	cfg     CrawlConfig
}

// NewCrawl creates the crawl stage processor. A nil clock uses the system clock.
func NewCrawl(crawler intel.Crawler, blobs intel.BlobStore, hasher intel.Hasher, clk intel.Clock, cfg CrawlConfig) *Crawl {
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	return &Crawl{crawler: crawler, blobs: blobs, hasher: hasher, clock: clk, cfg: cfg}
}

// Component implements Processor.
func (c *Crawl) Component() string { return CrawlComponent }

// Process implements Processor.
func (c *Crawl) Process(ctx context.Context, item intel.Item) (intel.Outcome, error) {
	page, err := c.crawler.Crawl(ctx, item.FQDN)
	if err != nil {
		return intel.Outcome{}, fmt.Errorf("crawl %s: %w", item.FQDN, err)
	}
	doc := htmltext.Extract(page.Body)
	if n := utf8.RuneCountInString(strings.TrimSpace(doc.Text)); n < c.cfg.MinContentLength {
		return intel.Outcome{}, fmt.Errorf("content too short or empty: %d chars (status %d)", n, page.StatusCode)
	}

	digest, err := c.hasher.Hash(page.Body)
	if err != nil {
		return intel.Outcome{}, fmt.Errorf("hash body: %w", err)
	}
	now := c.clock.Now()
	contentType := page.ContentType
	if contentType == "" {
		contentType = c.cfg.ContentType
	}
	ref, err := c.blobs.PutObject(ctx, path.Join(c.cfg.BlobPrefix, sha256.ObjectPath(item.FQDN, digest, now)), contentType, page.Body)
	if err != nil {
		return intel.Outcome{}, intel.Transient("store content", err)
	}

	title := page.Title
	if title == "" {
		title = doc.Title
	}
	return intel.Outcome{Crawl: &intel.CrawlResult{
		URL:        page.URL,
		HTTPStatus: page.StatusCode,
		Title:      title,
		ContentRef: ref,
		CrawledAt:  now,
	}}, nil
}
