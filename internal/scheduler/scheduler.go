// Package scheduler hands out fetch tasks per batch under per-host politeness rules.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/clock/system"
	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/metrics"
)

// DefaultMaxInFlightPerHost is used when Config.MaxInFlightPerHost is zero.
const DefaultMaxInFlightPerHost = 2

// ErrRejected is returned by Submit when a task cannot be queued.
var ErrRejected = errors.New("task rejected")

// Politeness decides whether a host may be contacted now. Implementations must
// not block.
type Politeness interface {
	Allow(host string) bool
}

// HostGate reports whether a host is currently reachable.
type HostGate interface {
	IsReachable(host string) bool
}

// Config wires a Scheduler.
type Config struct {
	BatchID string
	// MaxInFlightPerHost caps concurrently dispatched tasks per host.
	MaxInFlightPerHost int
	// PendingTTL bounds how long a dispatched task waits for Finish. Zero
	// disables eviction.
	PendingTTL time.Duration
	// SkipUnreachableHosts makes admission consult HostGate.
	SkipUnreachableHosts bool

	Blocklist  *crawler.HostPatternBlocklist
	Politeness Politeness
	HostGate   HostGate
	Clock      crawler.Clock
	Sequence   *crawler.ItemSequence
	// OnExpire is called, outside the scheduler lock, for every evicted task.
	OnExpire func(task *crawler.FetchTask)
	Logger   *zap.Logger
}

// Stats is a point-in-time view of a scheduler.
type Stats struct {
	BatchID    string         `json:"batch_id"`
	Queues     int            `json:"queues"`
	Queued     int            `json:"queued"`
	Pending    int            `json:"pending"`
	InFlight   map[string]int `json:"in_flight"`
	Enqueued   int64          `json:"enqueued"`
	Dispatched int64          `json:"dispatched"`
	Finished   int64          `json:"finished"`
	Evicted    int64          `json:"evicted"`
}

// Scheduler owns the per-QueueID queues of one batch. A single mutex guards
// queues, in-flight counts and the pending table; every operation is O(queues)
// at worst and never blocks on I/O.
type Scheduler struct {
	batchID         string
	maxInFlight     int
	pendingTTL      time.Duration
	skipUnreachable bool
	blocklist       *crawler.HostPatternBlocklist
	politeness      Politeness
	gate            HostGate
	clock           crawler.Clock
	seq             *crawler.ItemSequence
	onExpire        func(task *crawler.FetchTask)
	logger          *zap.Logger

	mu        sync.Mutex
	queues    map[crawler.QueueID]*taskQueue
	levels    levelSet
	inflight  map[string]int
	pending   *pendingTable
	lastSweep time.Time

	enqueued   int64
	dispatched int64
	finished   int64
	evicted    int64
}

// New creates a scheduler for one batch.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = system.New()
	}
	seq := cfg.Sequence
	if seq == nil {
		seq = crawler.NewItemSequence()
	}
	maxInFlight := cfg.MaxInFlightPerHost
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlightPerHost
	}
	return &Scheduler{
		batchID:         cfg.BatchID,
		maxInFlight:     maxInFlight,
		pendingTTL:      cfg.PendingTTL,
		skipUnreachable: cfg.SkipUnreachableHosts,
		blocklist:       cfg.Blocklist,
		politeness:      cfg.Politeness,
		gate:            cfg.HostGate,
		clock:           clock,
		seq:             seq,
		onExpire:        cfg.OnExpire,
		logger:          logger.Named("scheduler").With(zap.String("batch_id", cfg.BatchID)),
		queues:          make(map[crawler.QueueID]*taskQueue),
		inflight:        make(map[string]int),
		pending:         newPendingTable(),
	}
}

// BatchID returns the batch this scheduler serves.
func (s *Scheduler) BatchID() string {
	return s.batchID
}

// Submit builds a task for rawURL and enqueues it.
func (s *Scheduler) Submit(priority int, rawURL string, page *crawler.Page) (*crawler.FetchTask, error) {
	task, err := crawler.NewFetchTask(s.seq, s.batchID, priority, rawURL, page)
	if err != nil {
		s.logger.Warn("Rejected task with malformed url", zap.String("url", rawURL), zap.Error(err))
		metrics.ObserveRejected("malformed")
		return nil, err
	}
	if !s.Enqueue(task) {
		return nil, ErrRejected
	}
	return task, nil
}

// Enqueue adds a task to the queue for its QueueID. Tasks without a host or
// protocol and tasks for blocked hosts are refused.
func (s *Scheduler) Enqueue(task *crawler.FetchTask) bool {
	if task == nil {
		s.logger.Warn("Rejected nil task")
		metrics.ObserveRejected("nil")
		return false
	}
	id := task.QueueID()
	if !id.Valid() {
		s.logger.Warn("Rejected task without host", zap.String("url", task.URL), zap.Int64("item_id", task.ItemID))
		metrics.ObserveRejected("malformed")
		return false
	}
	if s.blocklist.IsBlocked(id.Host) {
		s.logger.Info("Rejected task for blocked host", zap.String("host", id.Host), zap.String("url", task.URL))
		metrics.ObserveRejected("blocked")
		return false
	}
	if task.JobID == "" {
		task.JobID = s.batchID
	}

	s.mu.Lock()
	q, ok := s.queues[id]
	if !ok {
		q = newTaskQueue(id)
		s.queues[id] = q
		s.levels.add(id)
	}
	q.push(task)
	s.enqueued++
	s.mu.Unlock()

	metrics.ObserveEnqueued(s.batchID)
	return true
}

// ScheduleNext returns the highest priority admissible task, or nil.
func (s *Scheduler) ScheduleNext() *crawler.FetchTask {
	now := s.clock.Now()
	s.mu.Lock()
	expired := s.sweepLocked(now, false)
	task := s.nextLocked(now)
	s.mu.Unlock()
	s.expire(expired)
	return task
}

// ScheduleNextFrom tries preferred first and falls back to ScheduleNext
// semantics. The zero QueueID means no preference.
func (s *Scheduler) ScheduleNextFrom(preferred crawler.QueueID) *crawler.FetchTask {
	now := s.clock.Now()
	s.mu.Lock()
	expired := s.sweepLocked(now, false)
	var task *crawler.FetchTask
	if q, ok := s.queues[preferred]; ok && q.len() > 0 && s.admitLocked(preferred) {
		task = s.dispatchLocked(q, now)
	} else {
		task = s.nextLocked(now)
	}
	s.mu.Unlock()
	s.expire(expired)
	return task
}

// ScheduleBatch returns up to count admissible tasks.
func (s *Scheduler) ScheduleBatch(count int) []*crawler.FetchTask {
	if count <= 0 {
		return nil
	}
	now := s.clock.Now()
	s.mu.Lock()
	expired := s.sweepLocked(now, false)
	tasks := make([]*crawler.FetchTask, 0, count)
	for len(tasks) < count {
		task := s.nextLocked(now)
		if task == nil {
			break
		}
		tasks = append(tasks, task)
	}
	s.mu.Unlock()
	s.expire(expired)
	return tasks
}

// Finish completes a dispatched task and releases its host slot. Calling it
// for a task that is not pending logs a warning and returns false.
func (s *Scheduler) Finish(queueID crawler.QueueID, itemID int64) bool {
	s.mu.Lock()
	task, ok := s.pending.remove(pendingKey{queue: queueID, item: itemID})
	if ok {
		s.releaseLocked(task.Host)
	}
	s.mu.Unlock()

	metrics.ObserveFinished(ok)
	if !ok {
		s.logger.Warn("Finish called without pending task",
			zap.String("queue", queueID.String()),
			zap.Int64("item_id", itemID),
		)
	}
	return ok
}

// FinishUnchecked completes task even when its queue fields are incomplete,
// falling back to a lookup by item id.
func (s *Scheduler) FinishUnchecked(task *crawler.FetchTask) bool {
	if task == nil {
		return false
	}
	s.mu.Lock()
	var (
		found *crawler.FetchTask
		ok    bool
	)
	if id := task.QueueID(); id.Valid() {
		found, ok = s.pending.remove(pendingKey{queue: id, item: task.ItemID})
	}
	if !ok {
		found, ok = s.pending.removeByItem(task.ItemID)
	}
	if ok {
		s.releaseLocked(found.Host)
	}
	s.mu.Unlock()

	metrics.ObserveFinished(ok)
	if !ok {
		s.logger.Debug("Unchecked finish found nothing pending", zap.Int64("item_id", task.ItemID), zap.String("url", task.URL))
	}
	return ok
}

// PendingTask looks up a dispatched, unfinished task by priority, queue url
// (protocol://host) and item id.
func (s *Scheduler) PendingTask(priority int, queueURL string, itemID int64) *crawler.FetchTask {
	id, err := crawler.ParseQueueURL(priority, queueURL)
	if err != nil {
		s.logger.Warn("Pending lookup with malformed queue url", zap.String("queue_url", queueURL), zap.Error(err))
		return nil
	}
	return s.Pending(id, itemID)
}

// Pending looks up a dispatched, unfinished task by key.
func (s *Scheduler) Pending(queueID crawler.QueueID, itemID int64) *crawler.FetchTask {
	now := s.clock.Now()
	s.mu.Lock()
	expired := s.sweepLocked(now, false)
	task, _ := s.pending.get(pendingKey{queue: queueID, item: itemID})
	s.mu.Unlock()
	s.expire(expired)
	return task
}

// EvictExpired drops every pending task older than the TTL and returns how
// many were evicted.
func (s *Scheduler) EvictExpired() int {
	now := s.clock.Now()
	s.mu.Lock()
	expired := s.sweepLocked(now, true)
	s.mu.Unlock()
	s.expire(expired)
	return len(expired)
}

// Stats returns counters and sizes.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := 0
	for _, q := range s.queues {
		queued += q.len()
	}
	inflight := make(map[string]int, len(s.inflight))
	for host, n := range s.inflight {
		inflight[host] = n
	}
	return Stats{
		BatchID:    s.batchID,
		Queues:     len(s.queues),
		Queued:     queued,
		Pending:    s.pending.len(),
		InFlight:   inflight,
		Enqueued:   s.enqueued,
		Dispatched: s.dispatched,
		Finished:   s.finished,
		Evicted:    s.evicted,
	}
}

// Drained reports whether nothing is queued or pending.
func (s *Scheduler) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues) == 0 && s.pending.len() == 0
}

func (s *Scheduler) nextLocked(now time.Time) *crawler.FetchTask {
	for _, level := range s.levels.levels {
		n := len(level.ids)
		for k := 0; k < n; k++ {
			idx := (level.next + k) % n
			id := level.ids[idx]
			q := s.queues[id]
			if q == nil || q.len() == 0 {
				continue
			}
			if !s.admitLocked(id) {
				continue
			}
			level.next = idx + 1
			return s.dispatchLocked(q, now)
		}
	}
	return nil
}

func (s *Scheduler) admitLocked(id crawler.QueueID) bool {
	if s.inflight[id.Host] >= s.maxInFlight {
		metrics.ObserveAdmissionDenied("host_cap")
		return false
	}
	if s.skipUnreachable && s.gate != nil && !s.gate.IsReachable(id.Host) {
		metrics.ObserveAdmissionDenied("unreachable")
		return false
	}
	if s.politeness != nil && !s.politeness.Allow(id.Host) {
		metrics.ObserveAdmissionDenied("rate_limited")
		return false
	}
	return true
}

func (s *Scheduler) dispatchLocked(q *taskQueue, now time.Time) *crawler.FetchTask {
	task := q.pop()
	if q.len() == 0 {
		delete(s.queues, q.id)
		s.levels.remove(q.id)
	}
	if task == nil {
		return nil
	}
	task.PendingStart = now
	s.pending.put(task)
	s.inflight[task.Host]++
	s.dispatched++
	metrics.ObserveDispatched(s.batchID)
	return task
}

func (s *Scheduler) releaseLocked(host string) {
	s.finished++
	if n := s.inflight[host]; n > 1 {
		s.inflight[host] = n - 1
		return
	}
	delete(s.inflight, host)
}

// sweepLocked evicts expired pending tasks. Unless forced, it runs at most
// once per quarter TTL.
func (s *Scheduler) sweepLocked(now time.Time, force bool) []*crawler.FetchTask {
	if s.pendingTTL <= 0 || s.pending.len() == 0 {
		return nil
	}
	if !force && now.Sub(s.lastSweep) < s.pendingTTL/4 {
		return nil
	}
	s.lastSweep = now
	expired := s.pending.expired(now.Add(-s.pendingTTL))
	for _, task := range expired {
		if n := s.inflight[task.Host]; n > 1 {
			s.inflight[task.Host] = n - 1
		} else {
			delete(s.inflight, task.Host)
		}
	}
	s.evicted += int64(len(expired))
	return expired
}

func (s *Scheduler) expire(tasks []*crawler.FetchTask) {
	if len(tasks) == 0 {
		return
	}
	metrics.ObserveEvicted(s.batchID, len(tasks))
	for _, task := range tasks {
		s.logger.Warn("Evicted pending task after ttl",
			zap.String("url", task.URL),
			zap.String("queue", task.QueueID().String()),
			zap.Int64("item_id", task.ItemID),
			zap.Duration("ttl", s.pendingTTL),
		)
		if s.onExpire != nil {
			s.onExpire(task)
		}
	}
}
