package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/events"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/storage/memory"
)

var (
	epoch  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	limits = intel.Limits{MaxRetries: 2, CrawlTimeout: 5 * time.Minute, AnalyzeTimeout: 10 * time.Minute}
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type health struct {
	mu   sync.Mutex
	errs []error
}

func (h *health) Observe(_ string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func setup(t *testing.T, backoff time.Duration) (*memory.Store, *clock.Manual, *Watchdog, *recorder) {
	t.Helper()
	clk := clock.NewManual(epoch)
	store := memory.NewStore(limits, memory.WithClock(clk))
	rec := &recorder{}
	w := New(store, Config{Interval: time.Hour, RetryBackoff: backoff}, WithClock(clk), WithEmitter(rec))
	return store, clk, w, rec
}

func claimOne(t *testing.T, store *memory.Store, fqdn string) intel.Item {
	t.Helper()
	ctx := context.Background()
	_, _, err := store.Admit(ctx, intel.Admission{FQDN: fqdn})
	require.NoError(t, err)
	item, err := store.Claim(ctx, intel.StageCrawl, "w1")
	require.NoError(t, err)
	return item
}

func TestSweepRevertsOnlyExpiredLeases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk, w, rec := setup(t, -1)
	item := claimOne(t, store, "stuck.example")

	clk.Advance(limits.CrawlTimeout)
	res, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Reverted, "a lease exactly at the timeout is still valid")

	clk.Advance(time.Second)
	res, err = w.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, res.Reverted, 1)
	assert.Equal(t, intel.Reversion{
		ItemID: item.ID, FQDN: "stuck.example", WorkerID: "w1",
		From: intel.StatusCrawling, To: intel.StatusDiscovered, RetryCount: 1,
	}, res.Reverted[0])

	got, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.StatusDiscovered, got.Status)
	assert.Nil(t, got.Lease)

	evts := rec.snapshot()
	require.Len(t, evts, 1)
	assert.Equal(t, events.KindReverted, evts[0].Kind)
	assert.Equal(t, intel.StageCrawl, evts[0].Stage)

	logs, err := store.ListLogs(ctx, intel.LogFilter{ItemID: item.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, intel.LogStageWatchdog, logs[0].Stage)
}

func TestRevertAtRetryCeilingThenBlockOnNextFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk, w, rec := setup(t, -1)
	item := claimOne(t, store, "slow.example")

	for want := 1; want <= limits.MaxRetries; want++ {
		if want > 1 {
			_, err := store.Claim(ctx, intel.StageCrawl, "w1")
			require.NoError(t, err)
		}
		clk.Advance(limits.CrawlTimeout + time.Second)
		res, err := w.Sweep(ctx)
		require.NoError(t, err)
		require.Len(t, res.Reverted, 1)
		assert.Equal(t, want, res.Reverted[0].RetryCount)
		assert.Equal(t, intel.StatusDiscovered, res.Reverted[0].To)
	}

	_, err := store.Claim(ctx, intel.StageCrawl, "w2")
	require.NoError(t, err)
	failed, err := store.Fail(ctx, item.ID, "w2", "still slow")
	require.NoError(t, err)
	assert.Equal(t, intel.StatusBlocked, failed.Status)
	assert.Equal(t, limits.MaxRetries+1, failed.RetryCount)
	assert.Len(t, rec.snapshot(), limits.MaxRetries)
}

func TestSweepRevertingPastCeilingBlocks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk, w, rec := setup(t, -1)
	claimOne(t, store, "never.example")

	for i := 0; i <= limits.MaxRetries; i++ {
		if i > 0 {
			_, err := store.Claim(ctx, intel.StageCrawl, "w1")
			require.NoError(t, err)
		}
		clk.Advance(limits.CrawlTimeout + time.Second)
		_, err := w.Sweep(ctx)
		require.NoError(t, err)
	}
	evts := rec.snapshot()
	require.Len(t, evts, limits.MaxRetries+1)
	last := evts[len(evts)-1]
	assert.Equal(t, events.KindBlocked, last.Kind)
	assert.Equal(t, intel.StatusBlocked, last.To)
}

func TestSweepRequeuesFailuresAfterBackoff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, clk, w, rec := setup(t, 5*time.Minute)
	item := claimOne(t, store, "flaky.example")
	_, err := store.Fail(ctx, item.ID, "w1", "timeout")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	res, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Requeued)

	clk.Advance(5 * time.Minute)
	res, err = w.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, res.Requeued, 1)
	assert.Equal(t, intel.StatusCrawledFail, res.Requeued[0].From)
	assert.Equal(t, intel.StatusDiscovered, res.Requeued[0].To)

	got, err := store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.StatusDiscovered, got.Status)
	assert.Equal(t, 1, got.RetryCount, "requeue keeps the retry count")

	evts := rec.snapshot()
	require.Len(t, evts, 1)
	assert.Equal(t, events.KindRequeued, evts[0].Kind)
}

func TestRunSweepsImmediately(t *testing.T) {
	t.Parallel()

	store, clk, _, _ := setup(t, -1)
	item := claimOne(t, store, "orphan.example")
	clk.Advance(limits.CrawlTimeout + time.Second)

	rep := &health{}
	w := New(store, Config{Interval: time.Hour, RetryBackoff: -1}, WithClock(clk), WithReporter(rep))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := store.GetItem(context.Background(), item.ID)
		return err == nil && got.Status == intel.StatusDiscovered
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	require.NotEmpty(t, rep.errs)
	assert.NoError(t, rep.errs[0])
}

func TestSweepNeverRevertsFreshLease(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		clk := clock.NewManual(epoch)
		store := memory.NewStore(limits, memory.WithClock(clk))
		stage := rapid.SampledFrom(intel.Stages).Draw(rt, "stage")
		elapsed := time.Duration(rapid.Int64Range(0, int64(2*limits.Timeout(stage))).Draw(rt, "elapsed"))

		item, _, err := store.Admit(ctx, intel.Admission{FQDN: "prop.example"})
		if err != nil {
			rt.Fatal(err)
		}
		if stage == intel.StageAnalyze {
			if _, err := store.Claim(ctx, intel.StageCrawl, "c"); err != nil {
				rt.Fatal(err)
			}
			if _, err := store.Complete(ctx, item.ID, "c", intel.Outcome{Crawl: &intel.CrawlResult{}}); err != nil {
				rt.Fatal(err)
			}
		}
		if _, err := store.Claim(ctx, stage, "w"); err != nil {
			rt.Fatal(err)
		}
		clk.Advance(elapsed)

		res, err := New(store, Config{RetryBackoff: -1}, WithClock(clk)).Sweep(ctx)
		if err != nil {
			rt.Fatal(err)
		}
		expired := elapsed > limits.Timeout(stage)
		if expired != (len(res.Reverted) == 1) {
			rt.Fatalf("elapsed %s on %s: reverted %d", elapsed, stage, len(res.Reverted))
		}
	})
}
