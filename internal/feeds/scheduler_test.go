package feeds

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/events"
	"github.com/JakeFAU/fqdn-intel/internal/feeds/parser"
	"github.com/JakeFAU/fqdn-intel/internal/id/uuid"
	"github.com/JakeFAU/fqdn-intel/internal/intake"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/policy"
	"github.com/JakeFAU/fqdn-intel/internal/storage/memory"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type staticDownloader struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  int
	active atomic.Int32
	peak   atomic.Int32
	delay  time.Duration
}

func (d *staticDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	body, ok := d.bodies[url]
	if !ok {
		return nil, errors.New("status 404")
	}
	return []byte(body), nil
}

func (d *staticDownloader) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type blockingDownloader struct {
	started chan string
}

func (b *blockingDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	b.started <- url
	<-ctx.Done()
	return nil, ctx.Err()
}

type reporterFunc func(string, error)

func (f reporterFunc) Observe(c string, err error) { f(c, err) }

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, e)
}

type fixture struct {
	store *memory.Store
	clk   *clock.Manual
	rec   *recorder
}

func newFixture(t *testing.T, policies ...intel.Policy) fixture {
	t.Helper()
	clk := clock.NewManual(epoch)
	store := memory.NewStore(
		intel.Limits{MaxRetries: 2, CrawlTimeout: time.Minute, AnalyzeTimeout: time.Minute},
		memory.WithClock(clk), memory.WithIDGenerator(uuid.NewSequence(t.Name())),
	)
	for _, p := range policies {
		_, err := store.CreatePolicy(context.Background(), p)
		require.NoError(t, err)
	}
	return fixture{store: store, clk: clk, rec: &recorder{}}
}

func (f fixture) scheduler(dl intel.Downloader, cfg Config, opts ...Option) *Scheduler {
	policies, _ := f.store.ListPolicies(context.Background())
	adm := intake.New(f.store, policy.Compile(policies, nil), intake.Config{ReadmitCooldown: time.Hour}, intake.WithClock(f.clk))
	opts = append([]Option{WithClock(f.clk), WithEmitter(f.rec)}, opts...)
	return NewScheduler(f.store, dl, parser.New(), adm, cfg, opts...)
}

func (f fixture) feed(t *testing.T, name, url string, active bool) intel.Feed {
	t.Helper()
	feed, err := f.store.CreateFeed(context.Background(), intel.Feed{
		Name: name, URL: url, SourceType: intel.SourceText,
		IsActive: active, FetchIntervalMinutes: 60,
	})
	require.NoError(t, err)
	return feed
}

func TestTickFetchesDueFeedsOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	dl := &staticDownloader{bodies: map[string]string{"https://feed.example/list": "a.example\n"}}
	s := f.scheduler(dl, Config{MaxConcurrent: 2, DefaultPriority: intel.PriorityHigh})
	feed := f.feed(t, "list", "https://feed.example/list", true)
	f.feed(t, "off", "https://feed.example/off", false)

	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 1, dl.count(), "never-fetched feed is due; inactive feed is skipped")

	f.clk.Advance(59 * time.Minute)
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 1, dl.count())

	f.clk.Advance(2 * time.Minute)
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 2, dl.count(), "due at 61 of 60 minutes")

	got, err := f.store.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.FeedOK, got.LastStatus)
	require.NotNil(t, got.LastFetchedAt)
	assert.Equal(t, epoch.Add(61*time.Minute), *got.LastFetchedAt)
}

func TestFetchAdmitsThroughPolicy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, intel.Policy{Pattern: "bad.example", Type: intel.Blacklist})
	dl := &staticDownloader{bodies: map[string]string{
		"https://feed.example/list": "# header\nhttps://one.example/x\n0.0.0.0 two.example\nbad.example\nnot a domain\n",
	}}
	var observed []error
	s := f.scheduler(dl, Config{DefaultPriority: intel.PriorityHigh},
		WithReporter(reporterFunc(func(c string, err error) {
			if c == TickComponent {
				return
			}
			assert.Equal(t, Component, c)
			observed = append(observed, err)
		})))
	feed := f.feed(t, "urlhaus", "https://feed.example/list", true)

	require.NoError(t, s.Tick(ctx))

	got, err := f.store.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.FeedOK, got.LastStatus)
	assert.EqualValues(t, 2, got.TotalItemsFound)

	item, err := f.store.GetItemByFQDN(ctx, "one.example")
	require.NoError(t, err)
	assert.Equal(t, intel.StatusDiscovered, item.Status)
	assert.Equal(t, "feed:urlhaus", item.Source)
	assert.Equal(t, intel.PriorityHigh, item.Priority)

	blocked, err := f.store.GetItemByFQDN(ctx, "bad.example")
	require.NoError(t, err)
	assert.Equal(t, intel.StatusBlocked, blocked.Status)

	assert.Equal(t, []error{nil}, observed)
	require.Len(t, f.rec.evs, 1)
	assert.Equal(t, events.KindFeedFetched, f.rec.evs[0].Kind)
	assert.Equal(t, 2, f.rec.evs[0].Count)
}

func TestFetchFailureRecordsError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	s := f.scheduler(&staticDownloader{}, Config{})
	feed := f.feed(t, "gone", "https://feed.example/gone", true)

	require.NoError(t, s.Tick(ctx))

	got, err := f.store.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.FeedError, got.LastStatus)
	assert.Contains(t, got.LastError, "404")
	require.NotNil(t, got.LastFetchedAt, "failed fetches still wait out the interval")

	logs, err := f.store.ListLogs(ctx, intel.LogFilter{Level: intel.LevelWarning})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, intel.LogStageFeed, logs[0].Stage)
}

func TestFetchNowSkipsWhileFetchingAndDeleteCancels(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	dl := &blockingDownloader{started: make(chan string, 1)}
	s := f.scheduler(dl, Config{FetchTimeout: time.Minute})
	feed := f.feed(t, "slow", "https://feed.example/slow", true)

	started, err := s.FetchNow(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.FeedFetching, started.LastStatus)
	<-dl.started

	_, err = s.FetchNow(ctx, feed.ID)
	require.ErrorIs(t, err, intel.ErrAlreadyFetching)

	require.NoError(t, s.Delete(ctx, feed.ID))
	_, err = f.store.GetFeed(ctx, feed.ID)
	require.ErrorIs(t, err, intel.ErrNotFound)
	s.Wait()
}

func TestRunResetsAbandonedFetches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	feed := f.feed(t, "stale", "https://feed.example/stale", false)
	_, err := f.store.BeginFetch(context.Background(), feed.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	s := f.scheduler(&staticDownloader{}, Config{Tick: 10 * time.Millisecond})
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.store.GetFeed(context.Background(), feed.ID)
		return err == nil && got.LastStatus == intel.FeedError
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestTickBoundsConcurrency(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	dl := &staticDownloader{bodies: map[string]string{}, delay: 20 * time.Millisecond}
	for _, name := range []string{"a", "b", "c", "d"} {
		url := "https://feed.example/" + name
		dl.bodies[url] = name + ".example\n"
		f.feed(t, name, url, true)
	}
	s := f.scheduler(dl, Config{MaxConcurrent: 2})

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 4, dl.count())
	assert.LessOrEqual(t, dl.peak.Load(), int32(2))
}
