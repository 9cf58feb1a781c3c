// Package memory provides the in-process result queue used in crowdsourced mode.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

// ErrClosed is returned when pushing to a closed queue.
var ErrClosed = errors.New("queue closed")

// ResultQueue is a bounded queue of externally fetched results. Producers
// block on Enqueue; workers poll with TryDequeue.
type ResultQueue struct {
	ch      chan crawler.CrowdResult
	closeMu sync.RWMutex
	closed  bool
}

// NewResultQueue constructs a queue with the provided capacity.
func NewResultQueue(capacity int) *ResultQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ResultQueue{ch: make(chan crawler.CrowdResult, capacity)}
}

// Enqueue pushes a result or returns if the context ends.
func (q *ResultQueue) Enqueue(ctx context.Context, res crawler.CrowdResult) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- res:
		return nil
	}
}

// TryDequeue pops the next result without blocking.
func (q *ResultQueue) TryDequeue() (crawler.CrowdResult, bool) {
	select {
	case res, ok := <-q.ch:
		return res, ok
	default:
		return crawler.CrowdResult{}, false
	}
}

// Len reports how many results are buffered.
func (q *ResultQueue) Len() int {
	return len(q.ch)
}

// Close stops further enqueues. Buffered results can still be drained.
func (q *ResultQueue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
