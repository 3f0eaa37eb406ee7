package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fqdn-intel/internal/assistant"
	"github.com/JakeFAU/fqdn-intel/internal/category"
	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/feeds"
	"github.com/JakeFAU/fqdn-intel/internal/feeds/parser"
	"github.com/JakeFAU/fqdn-intel/internal/health"
	"github.com/JakeFAU/fqdn-intel/internal/intake"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/kbsync"
	"github.com/JakeFAU/fqdn-intel/internal/policy"
	"github.com/JakeFAU/fqdn-intel/internal/storage/memory"
	"github.com/JakeFAU/fqdn-intel/internal/vector"
	"github.com/JakeFAU/fqdn-intel/internal/watchdog"
)

var epoch = time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)

type staticDownloader struct{ body string }

func (d staticDownloader) Download(context.Context, string) ([]byte, error) {
	return []byte(d.body), nil
}

type cannedLLM struct{}

func (cannedLLM) Complete(context.Context, string) (string, error) {
	return "bank.example hosts a credential harvesting kit.", nil
}

type harness struct {
	store *memory.Store
	clk   *clock.Manual
	sched *feeds.Scheduler
	srv   *httptest.Server
}

func newHarness(t *testing.T, opts Options) harness {
	t.Helper()
	clk := clock.NewManual(epoch)
	store := memory.NewStore(
		intel.Limits{MaxRetries: 3, CrawlTimeout: time.Minute, AnalyzeTimeout: time.Minute},
		memory.WithClock(clk),
	)
	engine := policy.NewEngine(store, "", nil)
	require.NoError(t, engine.Reload(context.Background()))
	admitter := intake.New(store, engine, intake.Config{}, intake.WithClock(clk))

	dim := 32
	syncer := kbsync.New(store, vector.NewHashEmbedder(dim), vector.NewIndex(dim), kbsync.Config{}, kbsync.WithClock(clk))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	sched := feeds.NewScheduler(store, staticDownloader{body: "alpha.example\nbeta.example\n"}, parser.New(), admitter,
		feeds.Config{DefaultPriority: intel.PriorityNormal}, feeds.WithClock(clk))
	tracker := health.NewTracker(health.TrackerConfig{}, clk)

	srv := NewServer(Deps{
		Store:      store,
		Admitter:   admitter,
		Monitor:    health.NewAggregator(store, tracker, clk, health.Config{}),
		Requeuer:   watchdog.New(store, watchdog.Config{}, watchdog.WithClock(clk)),
		Feeds:      sched,
		Policies:   engine,
		Rechecker:  policy.NewRechecker(store, engine, nil),
		Categories: category.NewManager(store, syncer, nil),
		Knowledge:  syncer,
		Assistant:  assistant.New(store, syncer, cannedLLM{}, nil),
	}, opts, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		sched.Wait()
		cancel()
		<-done
	})
	return harness{store: store, clk: clk, sched: sched, srv: ts}
}

func (h harness) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// complete drives fqdn through both stages so it has a KB row.
func (h harness) complete(t *testing.T, fqdn, cat string) {
	t.Helper()
	ctx := context.Background()
	item, _, err := h.store.Admit(ctx, intel.Admission{FQDN: fqdn})
	require.NoError(t, err)
	_, err = h.store.Claim(ctx, intel.StageCrawl, "c")
	require.NoError(t, err)
	_, err = h.store.Complete(ctx, item.ID, "c", intel.Outcome{Crawl: &intel.CrawlResult{URL: "https://" + fqdn}})
	require.NoError(t, err)
	_, err = h.store.Claim(ctx, intel.StageAnalyze, "a")
	require.NoError(t, err)
	_, err = h.store.Complete(ctx, item.ID, "a", intel.Outcome{Analysis: &intel.Analysis{
		Category: cat, IsMalicious: true, Confidence: 0.8, Summary: "credential harvesting page for " + fqdn,
	}})
	require.NoError(t, err)
}

func TestProbes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})

	var body map[string]string
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil, &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", nil, &body))
	assert.Equal(t, "ready", body["status"])

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestManualAdmission(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})

	var res intake.Result
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/v2/pipeline/items", map[string]any{"fqdn": "Shop.Example."}, &res))
	assert.Equal(t, intel.AdmitCreated, res.Outcome)
	assert.Equal(t, "shop.example", res.Item.FQDN)
	assert.Equal(t, intel.PriorityHigh, res.Item.Priority)
	assert.Equal(t, "manual", res.Item.Source)

	var dup intake.Result
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v2/pipeline/items", map[string]any{"fqdn": "shop.example"}, &dup))
	assert.Equal(t, intel.AdmitDuplicate, dup.Outcome)

	var errBody errorBody
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/v2/pipeline/items", map[string]any{"fqdn": "10.0.0.1"}, &errBody))
	assert.Equal(t, string(intel.KindValidation), errBody.Error)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/v2/pipeline/items", map[string]any{"fqdn": "a.example", "extra": 1}, nil))

	var list listResponse[intel.Item]
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v2/pipeline/items?status=discovered", nil, &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 50, list.Limit)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v2/pipeline/items?status=bogus", nil, nil))

	var got intel.Item
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v2/pipeline/items/"+res.Item.ID, nil, &got))
	assert.Equal(t, intel.StatusDiscovered, got.Status)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v2/pipeline/items/missing", nil, nil))
}

func TestPolicyLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})

	var admitted intake.Result
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/v2/pipeline/items", map[string]any{"fqdn": "login.evil.example"}, &admitted))

	var p intel.Policy
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/v2/policies/", map[string]any{"pattern": "*.evil.example", "type": "blacklist"}, &p))
	assert.Equal(t, intel.Blacklist, p.Type)
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/v2/policies/", map[string]any{"pattern": "*.evil.example", "type": "BLACKLIST"}, nil))

	var blocked intake.Result
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v2/pipeline/items", map[string]any{"fqdn": "cdn.evil.example"}, &blocked))
	assert.Equal(t, intel.AdmitBlocked, blocked.Outcome)
	assert.Equal(t, intel.StatusBlocked, blocked.Item.Status)

	var rc policy.RecheckResult
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v2/policies/recheck", nil, &rc))
	assert.Equal(t, 1, rc.Blocked)
	item, err := h.store.GetItem(context.Background(), admitted.Item.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.StatusBlocked, item.Status)

	var listed struct {
		Policies []intel.Policy `json:"policies"`
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v2/policies/", nil, &listed))
	require.Len(t, listed.Policies, 1)
	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/v2/policies/"+p.ID, nil, nil))

	var again intake.Result
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v2/pipeline/items", map[string]any{"fqdn": "www.evil.example"}, &again))
	assert.Equal(t, intel.AdmitCreated, again.Outcome, "the deleted rule no longer applies")
}

func TestCategories(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})

	var c intel.Category
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/v2/categories/", map[string]any{"name": "Gambling", "description": "betting sites"}, &c))
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/v2/categories/", map[string]any{"name": "gambling"}, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/v2/categories/", map[string]any{"name": "  "}, nil))

	var renamed intel.Category
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/api/v2/categories/"+c.ID, map[string]any{"name": "Betting", "description": "odds"}, &renamed))
	assert.Equal(t, "Betting", renamed.Name)

	var listed struct {
		Categories []intel.Category `json:"categories"`
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v2/categories/", nil, &listed))
	require.Len(t, listed.Categories, 1)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v2/categories/stats", nil, nil))
	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/v2/categories/"+c.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/v2/categories/"+c.ID, nil, nil))
}

func TestKnowledgeBase(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/v2/categories/", map[string]any{"name": "Phishing"}, nil))
	h.complete(t, "bank.example", "Phishing")

	summary := "fake bank login"
	var edited intel.KBItem
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPatch, "/api/v2/kb/items/bank.example", map[string]any{"summary": summary}, &edited))
	assert.Equal(t, summary, edited.Summary)
	assert.Equal(t, intel.VectorStale, edited.VectorStatus)

	require.Eventually(t, func() bool {
		var list listResponse[intel.KBItem]
		h.do(t, http.MethodGet, "/api/v2/kb/items?vector_status=indexed", nil, &list)
		return list.Total == 1
	}, 2*time.Second, 10*time.Millisecond)

	var found struct {
		Query   string        `json:"query"`
		Matches []intel.Match `json:"matches"`
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v2/kb/search?q=bank+login&k=3", nil, &found))
	require.Len(t, found.Matches, 1)
	assert.Equal(t, "bank.example", found.Matches[0].FQDN)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v2/kb/search", nil, nil))

	var stats intel.KBStats
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v2/kb/stats", nil, &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.MaliciousCount)

	var rebuilt intel.KBItem
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/v2/kb/items/bank.example/rebuild", nil, &rebuilt))
	assert.Equal(t, intel.VectorPending, rebuilt.VectorStatus)
	require.Eventually(t, func() bool {
		item, err := h.store.GetKB(context.Background(), "bank.example")
		return err == nil && item.VectorStatus == intel.VectorIndexed
	}, 2*time.Second, 10*time.Millisecond)

	var queued map[string]int
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/v2/kb/rebuild", nil, &queued))
	assert.Equal(t, 0, queued["queued"], "indexed rows are not rebuilt")

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/v2/kb/items/bank.example", nil, nil))
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPatch, "/api/v2/kb/items/bank.example", map[string]any{"summary": "x"}, nil))
}

func TestFeeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})

	var f intel.Feed
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/v2/feeds/", map[string]any{
		"name": "lab", "url": "https://feeds.example/list.txt", "source_type": "text", "fetch_interval_minutes": 30,
	}, &f))
	assert.True(t, f.IsActive)
	assert.Equal(t, intel.SourceText, f.SourceType)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/v2/feeds/", map[string]any{
		"name": "bad", "url": "ftp://feeds.example", "source_type": "TEXT", "fetch_interval_minutes": 30,
	}, nil))

	var toggled intel.Feed
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/api/v2/feeds/"+f.ID+"/toggle", nil, &toggled))
	assert.False(t, toggled.IsActive)

	var updated intel.Feed
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/api/v2/feeds/"+f.ID, map[string]any{"name": "lab feed"}, &updated))
	assert.Equal(t, "lab feed", updated.Name)

	var started intel.Feed
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/v2/feeds/"+f.ID+"/fetch_now", nil, &started))
	assert.Equal(t, intel.FeedFetching, started.LastStatus)

	require.Eventually(t, func() bool {
		got, err := h.store.GetFeed(context.Background(), f.ID)
		return err == nil && got.TotalItemsFound == 2
	}, 2*time.Second, 10*time.Millisecond)

	var list listResponse[intel.Item]
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v2/pipeline/items", nil, &list))
	assert.Equal(t, 2, list.Total)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/v2/feeds/"+f.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/v2/feeds/"+f.ID+"/fetch_now", nil, nil))
}

func TestMonitoringAndControl(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	ctx := context.Background()

	item, _, err := h.store.Admit(ctx, intel.Admission{FQDN: "flaky.example"})
	require.NoError(t, err)
	_, err = h.store.Claim(ctx, intel.StageCrawl, "w")
	require.NoError(t, err)
	_, err = h.store.Fail(ctx, item.ID, "w", "connection refused")
	require.NoError(t, err)
	h.clk.Advance(time.Second)

	var stats health.Stats
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v2/pipeline/stats", nil, &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[intel.StatusCrawledFail])

	var b health.Bottlenecks
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v2/pipeline/stats/bottlenecks", nil, &b))

	var report health.Report
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v2/pipeline/health", nil, &report))
	assert.Equal(t, health.Healthy, report.Status)

	var logs struct {
		Logs []intel.LogEntry `json:"logs"`
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v2/pipeline/logs?item_id="+item.ID, nil, &logs))
	assert.NotEmpty(t, logs.Logs)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v2/pipeline/logs?limit=-1", nil, nil))

	var flushed struct {
		Requeued int             `json:"requeued"`
		Items    []intel.Requeue `json:"items"`
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v2/pipeline/control/flush_failed", nil, &flushed))
	assert.Equal(t, 1, flushed.Requeued)
	got, err := h.store.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, intel.StatusDiscovered, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestAPIKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{APIKey: "s3cret"})

	resp, err := http.Get(h.srv.URL + "/api/v2/pipeline/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, h.srv.URL+"/api/v2/pipeline/stats", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health endpoints are not behind the key")
}

func TestIntelligenceChat(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	h.complete(t, "bank.example", "Phishing")

	var lookup assistant.Answer
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v2/intelligence/chat",
		map[string]string{"query": "Bank.Example", "mode": "kb-search"}, &lookup))
	assert.Equal(t, assistant.ModeKBSearch, lookup.Mode)
	assert.Equal(t, []string{"bank.example"}, lookup.Sources)
	require.NotEmpty(t, lookup.Hits)
	assert.True(t, lookup.Hits[0].Exact)
	assert.Contains(t, lookup.Answer, "EXACT MATCH")

	var rag assistant.Answer
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v2/intelligence/chat",
		map[string]string{"query": "what do we know about bank sites?"}, &rag))
	assert.Equal(t, assistant.ModeRAG, rag.Mode)
	assert.Equal(t, "bank.example hosts a credential harvesting kit.", rag.Answer)
	assert.Contains(t, rag.Sources, "bank.example")

	var errBody errorBody
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/v2/intelligence/chat",
		map[string]string{"query": " "}, &errBody))
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/v2/intelligence/chat",
		map[string]string{"query": "x", "mode": "summarize"}, &errBody))
	assert.Equal(t, "validation", errBody.Error)
}
