// Package monitor tracks fetch worker lifecycles and decides when a run is complete.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/metrics"
)

// Source reports whether there is queued or in-flight work left.
type Source interface {
	Drained() bool
}

// Monitor is the in-process lifecycle collaborator of fetch workers. The
// mission is complete once the feed is exhausted, the source holds no work
// and every registered fetch thread is idle.
type Monitor struct {
	mu        sync.Mutex
	source    Source
	fetch     map[int]struct{}
	idle      map[int]struct{}
	exhausted bool
	logger    *zap.Logger
}

// New creates a Monitor watching source. A nil source counts as drained.
func New(source Source, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		source: source,
		fetch:  make(map[int]struct{}),
		idle:   make(map[int]struct{}),
		logger: logger.Named("monitor"),
	}
}

// RegisterFetchThread records a running worker.
func (m *Monitor) RegisterFetchThread(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fetch[id]; ok {
		return
	}
	m.fetch[id] = struct{}{}
	metrics.IncActiveWorkers()
}

// UnregisterFetchThread forgets a worker, including any idle registration.
func (m *Monitor) UnregisterFetchThread(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fetch[id]; !ok {
		return
	}
	delete(m.fetch, id)
	metrics.DecActiveWorkers()
	if _, ok := m.idle[id]; ok {
		delete(m.idle, id)
		metrics.DecIdleWorkers()
	}
}

// RegisterIdleThread marks a worker as waiting for work.
func (m *Monitor) RegisterIdleThread(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idle[id]; ok {
		return
	}
	m.idle[id] = struct{}{}
	metrics.IncIdleWorkers()
}

// UnregisterIdleThread marks a worker as busy again.
func (m *Monitor) UnregisterIdleThread(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idle[id]; !ok {
		return
	}
	delete(m.idle, id)
	metrics.DecIdleWorkers()
}

// MarkFeedExhausted signals that no more tasks will be enqueued.
func (m *Monitor) MarkFeedExhausted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exhausted {
		m.logger.Info("Task feed exhausted")
	}
	m.exhausted = true
}

// IsMissionComplete reports whether the run has nothing left to do.
func (m *Monitor) IsMissionComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exhausted {
		return false
	}
	for id := range m.fetch {
		if _, ok := m.idle[id]; !ok {
			return false
		}
	}
	return m.source == nil || m.source.Drained()
}

// Threads returns the number of registered and idle fetch threads.
func (m *Monitor) Threads() (fetching, idle int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fetch), len(m.idle)
}

// Wait polls IsMissionComplete every interval until it holds or ctx ends.
func (m *Monitor) Wait(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if m.IsMissionComplete() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
