package health

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/metrics"
)

// DatabaseComponent is checked with a ping on every health request.
const DatabaseComponent = "database"

// Store is what the aggregator reads.
type Store interface {
	intel.ItemStore
	intel.LogStore
	Ping(ctx context.Context) error
}

// Config sizes the stats payload.
type Config struct {
	RecentItems int
	RecentLogs  int
}

// Stats is the pipeline overview.
type Stats struct {
	Total       int                  `json:"total"`
	ByStatus    map[intel.Status]int `json:"by_status"`
	RecentItems []intel.Item         `json:"recent_items"`
	RecentLogs  []intel.LogEntry     `json:"recent_logs"`
}

// Report is the health response.
type Report struct {
	Status     Overall     `json:"status"`
	Components []Component `json:"components"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Bottlenecks reports stuck leases and queue depth at the two claim points.
type Bottlenecks struct {
	StuckCrawling  int `json:"stuck_crawling_count"`
	StuckAnalyzing int `json:"stuck_analyzing_count"`
	Discovered     int `json:"discovered_queue"`
	CrawledSuccess int `json:"crawled_success_queue"`
}

// Aggregator assembles stats, health and bottleneck views.
type Aggregator struct {
	store   Store
	tracker *Tracker
	clock   intel.Clock
	cfg     Config
}

// NewAggregator creates an Aggregator. A nil clock uses the system clock.
func NewAggregator(store Store, tracker *Tracker, clk intel.Clock, cfg Config) *Aggregator {
	if cfg.RecentItems <= 0 {
		cfg.RecentItems = 10
	}
	if cfg.RecentLogs <= 0 {
		cfg.RecentLogs = 20
	}
	if clk == nil {
		clk = clock.System{}
	}
	tracker.Register(DatabaseComponent, false)
	return &Aggregator{store: store, tracker: tracker, clock: clk, cfg: cfg}
}

// Stats counts items by status and returns the most recent items and logs.
// It also refreshes the queue depth gauges.
func (a *Aggregator) Stats(ctx context.Context) (Stats, error) {
	counts, err := a.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count by status: %w", err)
	}
	st := Stats{ByStatus: counts}
	gauge := make(map[string]int, len(counts))
	for status, n := range counts {
		st.Total += n
		gauge[string(status)] = n
	}
	metrics.SetQueueDepth(gauge)

	st.RecentItems, _, err = a.store.ListItems(ctx, intel.ItemFilter{Limit: a.cfg.RecentItems})
	if err != nil {
		return Stats{}, fmt.Errorf("recent items: %w", err)
	}
	st.RecentLogs, err = a.store.ListLogs(ctx, intel.LogFilter{Limit: a.cfg.RecentLogs})
	if err != nil {
		return Stats{}, fmt.Errorf("recent logs: %w", err)
	}
	return st, nil
}

// Health pings the database and rolls up every tracked component.
func (a *Aggregator) Health(ctx context.Context) Report {
	a.tracker.Observe(DatabaseComponent, a.store.Ping(ctx))
	comps := a.tracker.Snapshot()
	return Report{Status: Rollup(comps), Components: comps, CheckedAt: a.clock.Now()}
}

// Bottlenecks counts expired leases per stage with the watchdog's timeouts.
func (a *Aggregator) Bottlenecks(ctx context.Context) (Bottlenecks, error) {
	var b Bottlenecks
	var err error
	if b.StuckCrawling, err = a.store.CountStuck(ctx, intel.StageCrawl); err != nil {
		return b, fmt.Errorf("count stuck crawling: %w", err)
	}
	if b.StuckAnalyzing, err = a.store.CountStuck(ctx, intel.StageAnalyze); err != nil {
		return b, fmt.Errorf("count stuck analyzing: %w", err)
	}
	counts, err := a.store.CountByStatus(ctx)
	if err != nil {
		return b, fmt.Errorf("count by status: %w", err)
	}
	b.Discovered = counts[intel.StatusDiscovered]
	b.CrawledSuccess = counts[intel.StatusCrawledSuccess]
	return b, nil
}
