// Package dispatcher manages worker fan-out over the product queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
	"github.com/JakeFAU/grocery-price-crawler/internal/metrics"
	"github.com/JakeFAU/grocery-price-crawler/internal/worker"
)

// WorkQueue is a product queue with task accounting.
type WorkQueue interface {
	grocery.Queue
	Wait(ctx context.Context) error
}

// Runner is a single worker loop.
type Runner interface {
	Run(ctx context.Context) worker.Counters
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   WorkQueue
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue WorkQueue, workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers, waits until every enqueued product has settled
// (including requeued ones), then stops the workers with one sentinel each.
// It returns the combined worker counters.
func (d *Dispatcher) Run(ctx context.Context) (worker.Counters, error) {
	if len(d.workers) == 0 {
		return worker.Counters{}, fmt.Errorf("no workers configured")
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total worker.Counters
	)
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			c := wk.Run(ctx)
			mu.Lock()
			total.Add(c)
			mu.Unlock()
		}(w)
	}

	waitErr := d.queue.Wait(ctx)
	if waitErr == nil {
		for range d.workers {
			if err := d.queue.EnqueueStop(ctx); err != nil {
				waitErr = fmt.Errorf("stop workers: %w", err)
				break
			}
		}
	}
	wg.Wait()

	if waitErr != nil {
		d.logger.Warn("dispatcher interrupted", zap.Error(waitErr))
		return total, fmt.Errorf("dispatcher run: %w", waitErr)
	}
	return total, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, name string) error {
	if err := d.queue.Enqueue(ctx, name); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
