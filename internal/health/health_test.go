package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/storage/memory"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func byName(comps []Component) map[string]Component {
	out := make(map[string]Component, len(comps))
	for _, c := range comps {
		out[c.Name] = c
	}
	return out
}

func TestTrackerTransitions(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	tr := NewTracker(TrackerConfig{DownAfter: 3, StaleAfter: 10 * time.Minute}, clk)
	tr.Register("crawler", false)
	tr.Register("watchdog", true)

	comps := byName(tr.Snapshot())
	assert.Equal(t, Operational, comps["crawler"].Status)
	assert.Equal(t, "no activity yet", comps["crawler"].Details)
	assert.Nil(t, comps["crawler"].LastCheck)

	tr.Observe("crawler", errors.New("dial tcp: refused"))
	comps = byName(tr.Snapshot())
	assert.Equal(t, Degraded, comps["crawler"].Status)
	assert.Contains(t, comps["crawler"].Details, "refused")
	require.NotNil(t, comps["crawler"].LastCheck)

	tr.Observe("crawler", errors.New("x"))
	tr.Observe("crawler", errors.New("x"))
	assert.Equal(t, Down, byName(tr.Snapshot())["crawler"].Status)

	tr.Observe("crawler", nil)
	comps = byName(tr.Snapshot())
	assert.Equal(t, Operational, comps["crawler"].Status)
	assert.Equal(t, "ok", comps["crawler"].Details)
}

func TestTrackerSilenceDegradesPeriodicOnly(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	tr := NewTracker(TrackerConfig{DownAfter: 3, StaleAfter: 10 * time.Minute}, clk)
	tr.Register("crawler", false)
	tr.Register("watchdog", true)
	tr.Observe("watchdog", nil)

	clk.Advance(11 * time.Minute)
	comps := byName(tr.Snapshot())
	assert.Equal(t, Degraded, comps["watchdog"].Status)
	assert.Contains(t, comps["watchdog"].Details, "no activity for 11m0s")
	assert.Equal(t, Operational, comps["crawler"].Status)

	tr.Observe("watchdog", nil)
	assert.Equal(t, Operational, byName(tr.Snapshot())["watchdog"].Status)
}

func TestRollup(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Healthy, Rollup(nil))
	assert.Equal(t, Healthy, Rollup([]Component{{Status: Operational}}))
	assert.Equal(t, Warning, Rollup([]Component{{Status: Operational}, {Status: Degraded}}))
	assert.Equal(t, Critical, Rollup([]Component{{Status: Degraded}, {Status: Down}}))
}

type pingFailStore struct {
	*memory.Store
}

func (pingFailStore) Ping(context.Context) error { return errors.New("connection reset") }

func TestAggregatorHealthPingsDatabase(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	store := memory.NewStore(intel.Limits{MaxRetries: 1, CrawlTimeout: time.Minute, AnalyzeTimeout: time.Minute})
	tr := NewTracker(TrackerConfig{DownAfter: 1}, clk)

	rep := NewAggregator(store, tr, clk, Config{}).Health(context.Background())
	assert.Equal(t, Healthy, rep.Status)
	assert.Equal(t, Operational, byName(rep.Components)[DatabaseComponent].Status)
	assert.Equal(t, epoch, rep.CheckedAt)

	rep = NewAggregator(pingFailStore{store}, tr, clk, Config{}).Health(context.Background())
	assert.Equal(t, Critical, rep.Status)
	assert.Contains(t, byName(rep.Components)[DatabaseComponent].Details, "connection reset")
}

func TestAggregatorStatsAndBottlenecks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewManual(epoch)
	limits := intel.Limits{MaxRetries: 1, CrawlTimeout: time.Minute, AnalyzeTimeout: time.Minute}
	store := memory.NewStore(limits, memory.WithClock(clk))
	for _, fqdn := range []string{"a.example", "b.example", "c.example"} {
		_, _, err := store.Admit(ctx, intel.Admission{FQDN: fqdn})
		require.NoError(t, err)
	}
	_, _, err := store.Admit(ctx, intel.Admission{FQDN: "d.example", Status: intel.StatusBlocked, Reason: "policy"})
	require.NoError(t, err)
	_, err = store.Claim(ctx, intel.StageCrawl, "w1")
	require.NoError(t, err)

	agg := NewAggregator(store, NewTracker(TrackerConfig{}, clk), clk, Config{RecentItems: 2, RecentLogs: 5})
	st, err := agg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.ByStatus[intel.StatusDiscovered])
	assert.Equal(t, 1, st.ByStatus[intel.StatusCrawling])
	assert.Equal(t, 1, st.ByStatus[intel.StatusBlocked])
	assert.Len(t, st.RecentItems, 2)

	b, err := agg.Bottlenecks(ctx)
	require.NoError(t, err)
	assert.Equal(t, Bottlenecks{Discovered: 2}, b)

	clk.Advance(2 * time.Minute)
	b, err = agg.Bottlenecks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.StuckCrawling)
	assert.Zero(t, b.StuckAnalyzing)
}
