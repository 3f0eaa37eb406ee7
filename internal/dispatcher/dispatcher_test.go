package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/storage/memory"
	"github.com/JakeFAU/fqdn-intel/internal/worker"
)

type recordingProcessor struct {
	mu   sync.Mutex
	seen map[string]int
}

func (p *recordingProcessor) Component() string { return "test" }

func (p *recordingProcessor) Process(_ context.Context, item intel.Item) (intel.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[item.FQDN]++
	return intel.Outcome{Crawl: &intel.CrawlResult{URL: "https://" + item.FQDN + "/", HTTPStatus: 200}}, nil
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func TestDispatcherRunsEveryWorkerUntilCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := memory.NewStore(intel.Limits{MaxRetries: 1, CrawlTimeout: time.Minute, AnalyzeTimeout: time.Minute})
	for _, fqdn := range []string{"a.example", "b.example", "c.example", "d.example", "e.example"} {
		_, _, err := store.Admit(ctx, intel.Admission{FQDN: fqdn})
		require.NoError(t, err)
	}

	proc := &recordingProcessor{seen: map[string]int{}}
	var ids []string
	d := New("crawl", 3, func(id string) *worker.Worker {
		ids = append(ids, id)
		return worker.New(store, proc, worker.Config{ID: id, Stage: intel.StageCrawl, PollInterval: 5 * time.Millisecond})
	}, nil)
	assert.Equal(t, 3, d.Size())
	assert.Equal(t, []string{"crawl-1", "crawl-2", "crawl-3"}, ids)

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return proc.count() == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	for fqdn, n := range proc.seen {
		assert.Equal(t, 1, n, "%s processed once", fqdn)
	}
}

func TestEmptyPoolWaitsForCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	d := New("analyze", 0, nil, nil)
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("empty pool did not stop")
	}
}
