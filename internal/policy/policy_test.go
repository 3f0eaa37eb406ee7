package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/storage/memory"
)

func rules(pairs ...string) []intel.Policy {
	var out []intel.Policy
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, intel.Policy{Pattern: pairs[i], Type: intel.PolicyType(pairs[i+1])})
	}
	return out
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	rs := Compile(rules(
		"example.com", "BLACKLIST",
		"good.example.com", "WHITELIST",
		"*.ads.net", "BLACKLIST",
		"casino", "BLACKLIST",
		"casino-royale.org", "WHITELIST",
	), []string{"tracker.io"})

	tests := []struct {
		fqdn     string
		decision intel.Decision
		pattern  string
	}{
		{"good.example.com", intel.Force, "good.example.com"},
		{"api.good.example.com", intel.Force, "good.example.com"},
		{"example.com", intel.Deny, "example.com"},
		{"bad.example.com", intel.Deny, "example.com"},
		{"ads.net", intel.Allow, ""},
		{"x.ads.net", intel.Deny, "*.ads.net"},
		{"bestcasino.biz", intel.Deny, "casino"},
		{"casino-royale.org", intel.Force, "casino-royale.org"},
		{"cdn.tracker.io", intel.Deny, "tracker.io"},
		{"unrelated.dev", intel.Allow, ""},
		{"notexample.com", intel.Allow, ""},
	}
	for _, tt := range tests {
		t.Run(tt.fqdn, func(t *testing.T) {
			t.Parallel()
			v := rs.Evaluate(tt.fqdn)
			assert.Equal(t, tt.decision, v.Decision)
			assert.Equal(t, tt.pattern, v.Pattern)
		})
	}
}

func TestEvaluateTieGoesToWhitelist(t *testing.T) {
	t.Parallel()

	rs := Compile(rules("example.com", "BLACKLIST", "example.com", "WHITELIST"), nil)
	assert.Equal(t, intel.Force, rs.Evaluate("www.example.com").Decision)

	// "*.b.co" and "x.b.co" have the same length.
	rs = Compile(rules("*.b.co", "WHITELIST", "x.b.co", "BLACKLIST"), nil)
	assert.Equal(t, intel.Force, rs.Evaluate("x.b.co").Decision)
}

func TestExactWhitelistAlwaysForces(t *testing.T) {
	t.Parallel()

	label := rapid.StringMatching(`[a-z][a-z0-9]{0,8}`)
	rapid.Check(t, func(rt *rapid.T) {
		labels := rapid.SliceOfN(label, 2, 5).Draw(rt, "labels")
		fqdn := strings.Join(labels, ".")
		var policies []intel.Policy
		for i := 1; i < len(labels); i++ {
			parent := strings.Join(labels[i:], ".")
			policies = append(policies,
				intel.Policy{Pattern: parent, Type: intel.Blacklist},
				intel.Policy{Pattern: "*." + parent, Type: intel.Blacklist})
		}
		policies = append(policies,
			intel.Policy{Pattern: labels[0], Type: intel.Blacklist},
			intel.Policy{Pattern: fqdn, Type: intel.Whitelist})

		v := Compile(policies, nil).Evaluate(fqdn)
		if v.Decision != intel.Force {
			rt.Fatalf("expected FORCE for %s, got %s via %s", fqdn, v.Decision, v.Pattern)
		}
	})
}

func TestParseBlocklist(t *testing.T) {
	t.Parallel()

	in := `# OISD small
! adblock comment
||ads.example^
0.0.0.0 track.example
127.0.0.1 localhost
plain.example.   # trailing comment

*.wild.example
bad line/with slash
`
	got, err := ParseBlocklist(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"ads.example", "track.example", "plain.example", "*.wild.example"}, got)
}

func TestEngineReloadFromStoreAndFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(intel.Limits{MaxRetries: 1, CrawlTimeout: time.Minute, AnalyzeTimeout: time.Minute})
	_, err := store.CreatePolicy(ctx, intel.Policy{Pattern: "good.bad.example", Type: intel.Whitelist})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "blocklist.txt")
	require.NoError(t, os.WriteFile(path, []byte("bad.example\n"), 0o600))

	e := NewEngine(store, path, nil)
	assert.Equal(t, intel.Allow, e.Evaluate("x.bad.example").Decision, "rules start empty")
	require.NoError(t, e.Reload(ctx))
	assert.Equal(t, intel.Deny, e.Evaluate("x.bad.example").Decision)
	assert.Equal(t, intel.Force, e.Evaluate("good.bad.example").Decision)
	assert.Equal(t, 2, e.Rules().Len())

	bad := NewEngine(store, filepath.Join(t.TempDir(), "missing.txt"), nil)
	require.Error(t, bad.Reload(ctx))
}

func TestWatchBlocklistReloadsOnWrite(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := memory.NewStore(intel.Limits{MaxRetries: 1, CrawlTimeout: time.Minute, AnalyzeTimeout: time.Minute})
	path := filepath.Join(t.TempDir(), "blocklist.txt")
	require.NoError(t, os.WriteFile(path, []byte("first.example\n"), 0o600))

	e := NewEngine(store, path, nil)
	require.NoError(t, e.Reload(ctx))
	done := make(chan error, 1)
	go func() { done <- e.WatchBlocklist(ctx) }()

	polls := 0
	require.Eventually(t, func() bool {
		// Rewrite slower than the debounce window until the watcher is live.
		if polls%5 == 0 {
			_ = os.WriteFile(path, []byte("first.example\nsecond.example\n"), 0o600)
		}
		polls++
		return e.Evaluate("second.example").Decision == intel.Deny
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRecheckerMovesItems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(intel.Limits{MaxRetries: 1, CrawlTimeout: time.Minute, AnalyzeTimeout: time.Minute})
	kept, _, err := store.Admit(ctx, intel.Admission{FQDN: "fine.example"})
	require.NoError(t, err)
	denied, _, err := store.Admit(ctx, intel.Admission{FQDN: "evil.example"})
	require.NoError(t, err)
	released, _, err := store.Admit(ctx, intel.Admission{FQDN: "vip.example", Status: intel.StatusBlocked, Reason: "old rule"})
	require.NoError(t, err)

	_, err = store.CreatePolicy(ctx, intel.Policy{Pattern: "evil.example", Type: intel.Blacklist})
	require.NoError(t, err)
	_, err = store.CreatePolicy(ctx, intel.Policy{Pattern: "vip.example", Type: intel.Whitelist})
	require.NoError(t, err)
	e := NewEngine(store, "", nil)
	require.NoError(t, e.Reload(ctx))

	res, err := NewRechecker(store, e, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecheckResult{Blocked: 1, Released: 1}, res)

	got, err := store.GetItem(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.StatusDiscovered, got.Status)
	got, err = store.GetItem(ctx, denied.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.StatusBlocked, got.Status)
	assert.Contains(t, got.LastError, "evil.example")
	got, err = store.GetItem(ctx, released.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.StatusDiscovered, got.Status)
}
