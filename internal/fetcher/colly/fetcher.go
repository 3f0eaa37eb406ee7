// Package collyfetcher crawls landing pages and downloads feed bodies with
// gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/fetcher/htmltext"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/metrics"
	"github.com/JakeFAU/fqdn-intel/internal/policy/ratelimit"
	"github.com/JakeFAU/fqdn-intel/internal/telemetry"
)

// Config controls collector behavior.
type Config struct {
	UserAgent       string
	Timeout         time.Duration
	MaxBodyBytes    int
	PreferHTTPS     bool
	FollowRedirects bool
}

// Fetcher implements intel.Crawler and intel.Downloader on a Colly
// collector. Requests to one host share a token bucket.
type Fetcher struct {
	cfg           Config
	limiter       *ratelimit.Limiter
	logger        *zap.Logger
	baseCollector *colly.Collector

	// urlsFor lists the landing page URLs tried for an FQDN, in order.
	urlsFor func(fqdn string) []string
}

var (
	_ intel.Crawler    = (*Fetcher)(nil)
	_ intel.Downloader = (*Fetcher)(nil)
)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A nil limiter disables rate limiting.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodyBytes
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	client := telemetry.HTTPClient(&http.Client{Transport: newHTTPTransport()})
	c.WithTransport(client.Transport)
	if !cfg.FollowRedirects {
		c.SetRedirectHandler(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})
	}

	f := &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		logger:        logger,
		baseCollector: c,
	}
	f.urlsFor = f.landingURLs
	return f
}

// Crawl fetches the landing page of fqdn, trying the preferred scheme first
// and falling back to the other when the connection itself fails. Any HTTP
// response, error statuses included, is returned as a Page.
func (f *Fetcher) Crawl(ctx context.Context, fqdn string) (intel.Page, error) {
	if err := f.limiter.Wait(ctx, fqdn); err != nil {
		return intel.Page{}, fmt.Errorf("crawl %s: %w", fqdn, err)
	}
	var errs []error
	for _, target := range f.urlsFor(fqdn) {
		page, err := f.get(ctx, target)
		if err == nil {
			page.Title = htmltext.Title(page.Body)
			metrics.ObserveCrawl(page.StatusCode, len(page.Body))
			return page, nil
		}
		if ctx.Err() != nil {
			return intel.Page{}, fmt.Errorf("crawl %s: %w", fqdn, ctx.Err())
		}
		f.logger.Debug("crawl attempt failed", zap.String("url", target), zap.Error(err))
		errs = append(errs, err)
	}
	metrics.ObserveCrawl(0, 0)
	return intel.Page{}, intel.Transient("crawl "+fqdn, errors.Join(errs...))
}

// Download fetches a feed body. Non-2xx statuses are errors.
func (f *Fetcher) Download(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, intel.Validationf("invalid feed url %q", rawURL)
	}
	if err := f.limiter.Wait(ctx, u.Hostname()); err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	page, err := f.get(ctx, rawURL)
	if err != nil {
		return nil, intel.Transient("download "+rawURL, err)
	}
	if page.StatusCode < 200 || page.StatusCode > 299 {
		return nil, intel.Transient("download "+rawURL, fmt.Errorf("status %d", page.StatusCode))
	}
	return page.Body, nil
}

func (f *Fetcher) get(ctx context.Context, target string) (intel.Page, error) {
	var (
		page     intel.Page
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, &page, &fetchErr)
	if err := runCollector(ctx, collector, target, &fetchErr); err != nil {
		return intel.Page{}, err
	}
	return page, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, page *intel.Page, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*page = intel.Page{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) landingURLs(fqdn string) []string {
	host := strings.TrimSuffix(strings.ToLower(fqdn), ".")
	if f.cfg.PreferHTTPS {
		return []string{"https://" + host + "/", "http://" + host + "/"}
	}
	return []string{"http://" + host + "/", "https://" + host + "/"}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
