package detector

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// Promoting crawls with a plain HTTP crawler and re-renders the page in a
// headless browser when the heuristic says the content needs JavaScript.
type Promoting struct {
	primary  intel.Crawler
	renderer intel.Crawler
	detector *Heuristic
	logger   *zap.Logger
}

var _ intel.Crawler = (*Promoting)(nil)

// NewPromoting wraps primary. A nil renderer disables promotion.
func NewPromoting(primary, renderer intel.Crawler, detector *Heuristic, logger *zap.Logger) *Promoting {
	if detector == nil {
		detector = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{primary: primary, renderer: renderer, detector: detector, logger: logger}
}

// Crawl returns the rendered page when promotion succeeds, otherwise the
// primary page.
func (p *Promoting) Crawl(ctx context.Context, fqdn string) (intel.Page, error) {
	page, err := p.primary.Crawl(ctx, fqdn)
	if err != nil || p.renderer == nil || !p.detector.ShouldPromote(page) {
		return page, err
	}
	rendered, rerr := p.renderer.Crawl(ctx, fqdn)
	if rerr != nil {
		p.logger.Warn("headless render failed; keeping plain crawl",
			zap.String("fqdn", fqdn), zap.Error(rerr))
		return page, nil
	}
	p.logger.Debug("promoted crawl to headless", zap.String("fqdn", fqdn))
	return rendered, nil
}
