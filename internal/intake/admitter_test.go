package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/events"
	"github.com/JakeFAU/fqdn-intel/internal/id/uuid"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/policy"
	"github.com/JakeFAU/fqdn-intel/internal/storage/memory"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, e)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Kind
	for _, e := range r.evs {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	store *memory.Store
	clk   *clock.Manual
	rec   *recorder
	adm   *Admitter
}

func newFixture(t *testing.T, policies ...intel.Policy) fixture {
	t.Helper()
	clk := clock.NewManual(epoch)
	store := memory.NewStore(
		intel.Limits{MaxRetries: 0, CrawlTimeout: time.Minute, AnalyzeTimeout: time.Minute},
		memory.WithClock(clk), memory.WithIDGenerator(uuid.NewSequence(t.Name())),
	)
	rs := policy.Compile(policies, nil)
	rec := &recorder{}
	adm := New(store, rs, Config{ReadmitCooldown: time.Hour}, WithClock(clk), WithEmitter(rec))
	return fixture{store: store, clk: clk, rec: rec, adm: adm}
}

func TestAdmitNormalizesAndCreates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.adm.Admit(context.Background(), "https://WWW.Example.COM/path?q=1", "manual", intel.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, intel.AdmitCreated, res.Outcome)
	assert.Equal(t, "www.example.com", res.Item.FQDN)
	assert.Equal(t, intel.StatusDiscovered, res.Item.Status)
	assert.Equal(t, intel.PriorityHigh, res.Item.Priority)
	assert.Equal(t, intel.Allow, res.Verdict.Decision)
	assert.Equal(t, []events.Kind{events.KindAdmitted}, f.rec.kinds())

	_, err = f.adm.Admit(context.Background(), "192.168.0.1", "manual", 0)
	assert.True(t, errors.Is(err, intel.ErrValidation))
}

func TestDenyRecordsBlockedItem(t *testing.T) {
	t.Parallel()

	f := newFixture(t, intel.Policy{Pattern: "evil.example", Type: intel.Blacklist})
	res, err := f.adm.Admit(context.Background(), "cdn.evil.example", "feed", intel.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, intel.AdmitBlocked, res.Outcome)
	assert.Equal(t, intel.StatusBlocked, res.Item.Status)
	assert.Contains(t, res.Item.LastError, "BLACKLIST evil.example")

	logs, err := f.store.ListLogs(context.Background(), intel.LogFilter{ItemID: res.Item.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, intel.LevelWarning, logs[0].Level)

	// Rediscovery under DENY never re-admits, even after the cool-down.
	f.clk.Advance(48 * time.Hour)
	res, err = f.adm.Admit(context.Background(), "cdn.evil.example", "feed", intel.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, intel.AdmitDuplicate, res.Outcome)
	assert.Equal(t, intel.StatusBlocked, res.Item.Status)
	assert.Equal(t, []events.Kind{events.KindBlocked}, f.rec.kinds())
}

func TestReadmitAfterCooldown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res, err := f.adm.Admit(ctx, "flaky.example", "feed", intel.PriorityNormal)
	require.NoError(t, err)
	_, err = f.store.Claim(ctx, intel.StageCrawl, "w1")
	require.NoError(t, err)
	failed, err := f.store.Fail(ctx, res.Item.ID, "w1", "timeout")
	require.NoError(t, err)
	require.Equal(t, intel.StatusBlocked, failed.Status, "max retries is zero")

	f.clk.Advance(30 * time.Minute)
	again, err := f.adm.Admit(ctx, "flaky.example", "feed", intel.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, intel.AdmitDuplicate, again.Outcome, "inside the cool-down")

	f.clk.Advance(31 * time.Minute)
	again, err = f.adm.Admit(ctx, "flaky.example", "feed", intel.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, intel.AdmitReadmitted, again.Outcome)
	assert.Equal(t, intel.StatusDiscovered, again.Item.Status)
	assert.Zero(t, again.Item.RetryCount)
}

func TestForceReadmitsBlockedImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.store.Admit(ctx, intel.Admission{FQDN: "vip.example", Status: intel.StatusBlocked, Reason: "old"})
	require.NoError(t, err)

	forced := New(f.store, policy.Compile([]intel.Policy{{Pattern: "vip.example", Type: intel.Whitelist}}, nil),
		Config{ReadmitCooldown: 24 * time.Hour}, WithClock(f.clk))
	res, err := forced.Admit(ctx, "vip.example", "feed", intel.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, intel.Force, res.Verdict.Decision)
	assert.Equal(t, intel.AdmitReadmitted, res.Outcome)
	assert.Equal(t, intel.StatusDiscovered, res.Item.Status)
}

func TestAdmitBatchDedupesAndCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, intel.Policy{Pattern: "casino", Type: intel.Blacklist})
	ctx := context.Background()
	_, err := f.adm.Admit(ctx, "known.example", "feed", intel.PriorityNormal)
	require.NoError(t, err)

	sum, err := f.adm.AdmitBatch(ctx, []string{
		"a.example", "A.EXAMPLE.", "http://a.example/x",
		"b.example", "known.example", "bestcasino.example",
		"not a domain", "10.0.0.1",
	}, "feed", intel.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, Summary{Created: 2, Duplicate: 1, Blocked: 1, Invalid: 2}, sum)
	assert.Equal(t, 2, sum.Admitted())

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.adm.AdmitBatch(cctx, []string{"c.example"}, "feed", 0)
	require.Error(t, err)
}
