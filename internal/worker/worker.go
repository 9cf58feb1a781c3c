// Package worker implements the fetch loop that drains a batch scheduler.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/clock/system"
	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/progress"
	"github.com/JakeFAU/fetch-scheduler/internal/telemetry"
	"github.com/JakeFAU/fetch-scheduler/internal/update"
)

// DefaultIdleBackoff is the pause between polls when no task is available.
const DefaultIdleBackoff = time.Second

// State is the lifecycle position of a worker.
type State int32

// Worker states.
const (
	StateRunning State = iota
	StateFetching
	StateIdle
	StateHalted
	StateMissionComplete
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFetching:
		return "fetching"
	case StateIdle:
		return "idle"
	case StateHalted:
		return "halted"
	case StateMissionComplete:
		return "mission_complete"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TaskSource is the scheduler surface a worker pulls from.
type TaskSource interface {
	ScheduleNextFrom(preferred crawler.QueueID) *crawler.FetchTask
	Finish(queueID crawler.QueueID, itemID int64) bool
	FinishUnchecked(task *crawler.FetchTask) bool
	PendingTask(priority int, queueURL string, itemID int64) *crawler.FetchTask
}

// Applier records a fetched page onward.
type Applier interface {
	Apply(ctx context.Context, task *crawler.FetchTask, fetched crawler.Page) (update.Result, error)
}

// Config controls Worker behavior.
type Config struct {
	ID           int
	IdleBackoff  time.Duration
	FetchTimeout time.Duration
	// Crowdsourced makes the worker correlate results from a ResultQueue
	// instead of fetching itself.
	Crowdsourced bool
}

// Summary is the per-worker tally logged when the loop exits.
type Summary struct {
	WorkerID  int            `json:"worker_id"`
	Tasks     int            `json:"tasks"`
	Errors    int            `json:"errors"`
	Discarded int            `json:"discarded"`
	Hosts     map[string]int `json:"hosts"`
}

// Worker runs the fetch loop for one scheduler.
type Worker struct {
	cfg     Config
	source  TaskSource
	fetcher crawler.Fetcher
	applier Applier
	monitor crawler.Monitor
	results crawler.ResultQueue
	emitter progress.Emitter
	clock   crawler.Clock
	logger  *zap.Logger

	state    atomic.Int32
	started  atomic.Bool
	haltOnce sync.Once
	halt     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	summary Summary
}

// Option customizes a Worker.
type Option func(*Worker)

// WithMonitor sets the lifecycle monitor.
func WithMonitor(m crawler.Monitor) Option {
	return func(w *Worker) { w.monitor = m }
}

// WithResultQueue sets the queue polled in crowdsourced mode.
func WithResultQueue(q crawler.ResultQueue) Option {
	return func(w *Worker) { w.results = q }
}

// WithEmitter sets the progress emitter.
func WithEmitter(e progress.Emitter) Option {
	return func(w *Worker) { w.emitter = e }
}

// WithClock overrides the time source.
func WithClock(c crawler.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// New constructs a Worker. The fetcher may be nil in crowdsourced mode.
func New(
	cfg Config,
	source TaskSource,
	fetcher crawler.Fetcher,
	applier Applier,
	logger *zap.Logger,
	opts ...Option,
) *Worker {
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = DefaultIdleBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		cfg:     cfg,
		source:  source,
		fetcher: fetcher,
		applier: applier,
		monitor: nopMonitor{},
		clock:   system.New(),
		logger:  logger.Named("worker").With(zap.Int("worker_id", cfg.ID)),
		halt:    make(chan struct{}),
		done:    make(chan struct{}),
		summary: Summary{WorkerID: cfg.ID, Hosts: make(map[string]int)},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.monitor == nil {
		w.monitor = nopMonitor{}
	}
	return w
}

// ID returns the worker id.
func (w *Worker) ID() int { return w.cfg.ID }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Halt asks the loop to stop at the top of its next iteration.
func (w *Worker) Halt() {
	w.haltOnce.Do(func() { close(w.halt) })
}

// ExitAndJoin halts the worker and waits for the loop to exit. A worker that
// never started returns immediately.
func (w *Worker) ExitAndJoin(ctx context.Context) error {
	w.Halt()
	if !w.started.Load() {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker %d join: %w", w.cfg.ID, ctx.Err())
	}
}

// Summary returns a copy of the worker's tally.
func (w *Worker) Summary() Summary {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.summary
	out.Hosts = make(map[string]int, len(w.summary.Hosts))
	for h, n := range w.summary.Hosts {
		out.Hosts[h] = n
	}
	return out
}

// Run executes the loop until halted, ctx ends or the monitor reports the
// mission complete. A panic ends the loop; the in-flight task is still
// released.
func (w *Worker) Run(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("Worker already started")
		return
	}
	defer close(w.done)

	w.monitor.RegisterFetchThread(w.cfg.ID)
	var inFlight *crawler.FetchTask
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Worker loop aborted", zap.Any("panic", r), zap.Stack("stack"))
			w.setState(StateHalted)
		}
		if inFlight != nil {
			w.source.FinishUnchecked(inFlight)
		}
		w.monitor.UnregisterFetchThread(w.cfg.ID)
		w.logSummary()
	}()

	var curr crawler.QueueID
	for {
		if w.halted(ctx) {
			w.setState(StateHalted)
			return
		}
		if w.monitor.IsMissionComplete() {
			w.setState(StateMissionComplete)
			return
		}
		w.setState(StateRunning)

		if w.cfg.Crowdsourced {
			res, ok := w.pollResult()
			if !ok {
				if w.idle(ctx) {
					w.setState(StateMissionComplete)
					return
				}
				continue
			}
			task := w.source.PendingTask(res.QueueID.Priority, res.QueueID.URL(), res.ItemID)
			if task == nil {
				w.logger.Info("Discarded result for untracked task",
					zap.String("queue", res.QueueID.String()),
					zap.Int64("item_id", res.ItemID),
				)
				w.record(func(s *Summary) { s.Discarded++ })
				continue
			}
			inFlight = task
			w.setState(StateFetching)
			w.correlate(ctx, task, res)
			inFlight = nil
			curr = task.QueueID()
			continue
		}

		task := w.source.ScheduleNextFrom(curr)
		if task == nil {
			if w.idle(ctx) {
				w.setState(StateMissionComplete)
				return
			}
			continue
		}
		inFlight = task
		w.setState(StateFetching)
		w.fetch(ctx, task)
		inFlight = nil
		curr = task.QueueID()
	}
}

func (w *Worker) halted(ctx context.Context) bool {
	select {
	case <-w.halt:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// idle sleeps for the backoff while registered idle. It reports whether the
// mission completed during the pause; the check runs before unregistering so
// that a run whose workers are all idle can be observed as complete.
func (w *Worker) idle(ctx context.Context) bool {
	w.setState(StateIdle)
	w.monitor.RegisterIdleThread(w.cfg.ID)
	defer w.monitor.UnregisterIdleThread(w.cfg.ID)

	timer := time.NewTimer(w.cfg.IdleBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.halt:
		return false
	case <-ctx.Done():
		return false
	}
	return w.monitor.IsMissionComplete()
}

func (w *Worker) pollResult() (crawler.CrowdResult, bool) {
	if w.results == nil {
		return crawler.CrowdResult{}, false
	}
	return w.results.TryDequeue()
}

// fetch runs the fetcher for task, releases the task and applies the result.
// A fetcher error is treated as an exception outcome.
func (w *Worker) fetch(ctx context.Context, task *crawler.FetchTask) {
	start := w.clock.Now()
	w.emit(progress.Event{
		BatchID: task.JobID,
		Stage:   progress.StageFetchStart,
		Site:    task.Host,
		URL:     task.URL,
	})

	ctx, span := telemetry.StartFetchSpan(ctx, w.cfg.ID, task)
	page := crawler.Page{URL: task.URL}
	if task.Page != nil {
		page = *task.Page
	}
	fetched, err := w.runFetcher(ctx, page)
	w.source.Finish(task.QueueID(), task.ItemID)
	defer func() { telemetry.EndFetchSpan(span, fetched.Protocol, err) }()

	if err != nil {
		w.logger.Warn("Fetch failed",
			zap.String("url", task.URL),
			zap.String("host", task.Host),
			zap.Error(err),
		)
		w.record(func(s *Summary) { s.Errors++ })
		if ctx.Err() != nil {
			return
		}
		fetched = page
		fetched.Protocol = crawler.ProtocolStatus{Code: crawler.ProtocolException, Message: err.Error()}
	}
	w.apply(ctx, task, fetched, w.clock.Now().Sub(start))
}

func (w *Worker) runFetcher(ctx context.Context, page crawler.Page) (crawler.Page, error) {
	if w.fetcher == nil {
		return crawler.Page{}, fmt.Errorf("no fetcher configured")
	}
	if w.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
	}
	return w.fetcher.Fetch(ctx, page)
}

// correlate applies a result fetched elsewhere to its pending task.
func (w *Worker) correlate(ctx context.Context, task *crawler.FetchTask, res crawler.CrowdResult) {
	w.source.Finish(task.QueueID(), task.ItemID)
	fetched := crawler.Page{URL: task.URL}
	if res.Page != nil {
		fetched = *res.Page
	}
	w.apply(ctx, task, fetched, w.clock.Now().Sub(task.PendingStart))
}

func (w *Worker) apply(ctx context.Context, task *crawler.FetchTask, fetched crawler.Page, dur time.Duration) {
	w.record(func(s *Summary) {
		s.Tasks++
		s.Hosts[task.Host]++
	})
	if w.applier != nil {
		if _, err := w.applier.Apply(ctx, task, fetched); err != nil {
			w.logger.Warn("Failed to record fetch result", zap.String("url", task.URL), zap.Error(err))
			w.record(func(s *Summary) { s.Errors++ })
		}
	}
	var visits int64
	if fetched.Protocol.Code == crawler.ProtocolSuccess {
		visits = 1
	}
	w.emit(progress.Event{
		BatchID:     task.JobID,
		Stage:       progress.StageFetchDone,
		Site:        task.Host,
		URL:         task.URL,
		Bytes:       int64(len(fetched.Content)),
		Visits:      visits,
		StatusClass: progress.ClassifyStatus(fetched.StatusCode),
		Dur:         dur,
		Note:        string(fetched.Protocol.Code),
	})
}

func (w *Worker) record(fn func(*Summary)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.summary)
}

func (w *Worker) emit(evt progress.Event) {
	if w.emitter == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = w.clock.Now()
	}
	w.emitter.Emit(evt)
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

func (w *Worker) logSummary() {
	summary := w.Summary()
	hosts := make([]string, 0, len(summary.Hosts))
	for h := range summary.Hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	w.logger.Info("Worker exited",
		zap.String("state", w.State().String()),
		zap.Int("tasks", summary.Tasks),
		zap.Int("errors", summary.Errors),
		zap.Int("discarded", summary.Discarded),
		zap.Strings("hosts", hosts),
	)
}

type nopMonitor struct{}

func (nopMonitor) IsMissionComplete() bool   { return false }
func (nopMonitor) RegisterFetchThread(int)   {}
func (nopMonitor) UnregisterFetchThread(int) {}
func (nopMonitor) RegisterIdleThread(int)    {}
func (nopMonitor) UnregisterIdleThread(int)  {}
