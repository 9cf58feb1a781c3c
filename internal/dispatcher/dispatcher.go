// Package dispatcher manages the fetch worker pool of a run.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/fetch-scheduler/internal/worker"
)

// Dispatcher fans a batch out to a pool of workers.
type Dispatcher struct {
	workers []*worker.Worker
	wg      sync.WaitGroup
	once    sync.Once
}

// New creates a Dispatcher.
func New(workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Start launches every worker and returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		for _, w := range d.workers {
			d.wg.Add(1)
			go func(wk *worker.Worker) {
				defer d.wg.Done()
				wk.Run(ctx)
			}(w)
		}
	})
}

// Run starts all workers and blocks until every one has exited.
func (d *Dispatcher) Run(ctx context.Context) {
	d.Start(ctx)
	d.wg.Wait()
}

// Halt signals every worker to stop.
func (d *Dispatcher) Halt() {
	for _, w := range d.workers {
		w.Halt()
	}
}

// ExitAndJoin halts every worker and waits until every goroutine launched by
// Start has returned, including ones that had not yet entered Run.
func (d *Dispatcher) ExitAndJoin(ctx context.Context) error {
	d.Halt()
	var errs []error
	for _, w := range d.workers {
		if err := w.ExitAndJoin(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	joined := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("dispatcher join: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// Summaries returns the tally of every worker.
func (d *Dispatcher) Summaries() []worker.Summary {
	out := make([]worker.Summary, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w.Summary())
	}
	return out
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}
