package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fqdn-intel/internal/events"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

func TestRetryCeilingBlocksItem(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	item := f.admit(t, "down.example")
	w := f.crawlWorker(&fakeCrawler{err: intel.Transient("crawl", errors.New("connection refused"))}, 10)

	for attempt := 1; attempt <= limits.MaxRetries+1; attempt++ {
		if attempt > 1 {
			// Requeue the failure the way the watchdog does.
			_, err := f.store.RequeueFailed(ctx, f.clock.Now().Add(1))
			require.NoError(t, err)
		}
		worked, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, worked, "attempt %d", attempt)
	}

	got, err := f.store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.StatusBlocked, got.Status)
	assert.Equal(t, limits.MaxRetries+1, got.RetryCount)
	assert.Contains(t, got.LastError, "connection refused")

	kinds := f.rec.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.KindBlocked, kinds[len(kinds)-1])

	logs, err := f.store.ListLogs(ctx, intel.LogFilter{ItemID: item.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, intel.LevelError, logs[0].Level)

	worked, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "blocked items are never claimed")
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	item := f.admit(t, "flaky.example")

	crawler := &fakeCrawler{err: intel.Transient("crawl", errors.New("timeout"))}
	w := f.crawlWorker(crawler, 10)
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	_, err = f.store.RequeueFailed(ctx, f.clock.Now().Add(1))
	require.NoError(t, err)
	crawler.err = nil
	crawler.page = intel.Page{StatusCode: 200, Body: page}
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	got, err := f.store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.StatusCrawledSuccess, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)
}
