// Package dispatcher runs fixed-size pools of stage workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/worker"
)

// Factory builds the worker for slot i of a pool.
type Factory func(id string) *worker.Worker

// Dispatcher fans stage work out to a pool of workers.
type Dispatcher struct {
	name    string
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a pool of size workers named <name>-<n>. A non-positive size
// yields an empty pool whose Run only waits for cancellation.
func New(name string, size int, build Factory, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{name: name, logger: logger}
	for i := 0; i < size; i++ {
		d.workers = append(d.workers, build(fmt.Sprintf("%s-%d", name, i+1)))
	}
	return d
}

// Size returns the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("worker pool starting", zap.String("pool", d.name), zap.Int("workers", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("worker pool stopped", zap.String("pool", d.name))
}
