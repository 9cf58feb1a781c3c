package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/monitor"
	"github.com/JakeFAU/fetch-scheduler/internal/progress"
	"github.com/JakeFAU/fetch-scheduler/internal/scheduler"
	"github.com/JakeFAU/fetch-scheduler/internal/update"
)

type fakeFetcher struct {
	mu    sync.Mutex
	urls  []string
	err   error
	panic bool
}

func (f *fakeFetcher) Fetch(_ context.Context, page crawler.Page) (crawler.Page, error) {
	f.mu.Lock()
	f.urls = append(f.urls, page.URL)
	f.mu.Unlock()
	if f.panic {
		panic("fetcher exploded")
	}
	if f.err != nil {
		return crawler.Page{}, f.err
	}
	page.Protocol = crawler.ProtocolStatus{Code: crawler.ProtocolSuccess}
	page.StatusCode = 200
	page.Content = []byte("<html></html>")
	return page, nil
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

type recordingApplier struct {
	mu    sync.Mutex
	pages []crawler.Page
	err   error
}

func (a *recordingApplier) Apply(_ context.Context, task *crawler.FetchTask, fetched crawler.Page) (update.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages = append(a.pages, fetched)
	return update.Result{URL: task.URL}, a.err
}

func (a *recordingApplier) applied() []crawler.Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]crawler.Page(nil), a.pages...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, evt.Stage)
}

func (e *recordingEmitter) seen() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Stage(nil), e.stages...)
}

type sliceResults struct {
	mu    sync.Mutex
	items []crawler.CrowdResult
}

func (q *sliceResults) TryDequeue() (crawler.CrowdResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return crawler.CrowdResult{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func newScheduler(t *testing.T, urls ...string) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Config{BatchID: "batch-1", Logger: zap.NewNop()})
	for _, u := range urls {
		_, err := s.Submit(1, u, nil)
		require.NoError(t, err)
	}
	return s
}

func runWorker(t *testing.T, w *Worker) {
	t.Helper()
	go w.Run(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, w.ExitAndJoin(ctx))
	})
}

func TestWorkerDrainsSchedulerUntilMissionComplete(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, "https://a.example/1", "https://b.example/1", "https://a.example/2")
	mon := monitor.New(sched, zap.NewNop())
	mon.MarkFeedExhausted()
	fetcher := &fakeFetcher{}
	applier := &recordingApplier{}
	emitter := &recordingEmitter{}

	w := New(Config{ID: 1, IdleBackoff: 5 * time.Millisecond}, sched, fetcher, applier, zap.NewNop(),
		WithMonitor(mon), WithEmitter(emitter))
	runWorker(t, w)

	require.Eventually(t, func() bool {
		return w.State() == StateMissionComplete
	}, 2*time.Second, 5*time.Millisecond)

	require.Len(t, applier.applied(), 3)
	require.Equal(t, 0, sched.Stats().Pending)
	summary := w.Summary()
	require.Equal(t, 3, summary.Tasks)
	require.Equal(t, map[string]int{"a.example": 2, "b.example": 1}, summary.Hosts)

	fetching, idle := mon.Threads()
	require.Zero(t, fetching)
	require.Zero(t, idle)

	stages := emitter.seen()
	require.Len(t, stages, 6)
	require.Equal(t, progress.StageFetchStart, stages[0])
	require.Equal(t, progress.StageFetchDone, stages[1])
}

func TestWorkerPrefersLastServedQueue(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, "https://a.example/1", "https://b.example/1", "https://a.example/2")
	mon := monitor.New(sched, nil)
	mon.MarkFeedExhausted()
	fetcher := &fakeFetcher{}

	w := New(Config{ID: 1, IdleBackoff: time.Millisecond}, sched, fetcher, nil, nil, WithMonitor(mon))
	runWorker(t, w)

	require.Eventually(t, func() bool { return len(fetcher.fetched()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"https://a.example/1", "https://a.example/2", "https://b.example/1"}, fetcher.fetched())
}

func TestWorkerContinuesAfterFetchError(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, "https://a.example/1", "https://b.example/1")
	mon := monitor.New(sched, nil)
	mon.MarkFeedExhausted()
	applier := &recordingApplier{}

	w := New(Config{ID: 2, IdleBackoff: time.Millisecond}, sched, &fakeFetcher{err: errors.New("connection reset")},
		applier, nil, WithMonitor(mon))
	runWorker(t, w)

	require.Eventually(t, func() bool { return w.State() == StateMissionComplete }, 2*time.Second, 5*time.Millisecond)
	pages := applier.applied()
	require.Len(t, pages, 2)
	for _, p := range pages {
		require.Equal(t, crawler.ProtocolException, p.Protocol.Code)
		require.Equal(t, "connection reset", p.Protocol.Message)
	}
	require.Equal(t, 2, w.Summary().Errors)
}

func TestWorkerApplyErrorIsCounted(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, "https://a.example/1")
	mon := monitor.New(sched, nil)
	mon.MarkFeedExhausted()

	w := New(Config{ID: 3, IdleBackoff: time.Millisecond}, sched, &fakeFetcher{},
		&recordingApplier{err: errors.New("publish failed")}, nil, WithMonitor(mon))
	runWorker(t, w)

	require.Eventually(t, func() bool { return w.State() == StateMissionComplete }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, w.Summary().Tasks)
	require.Equal(t, 1, w.Summary().Errors)
}

func TestWorkerPanicReleasesInFlightTask(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, "https://a.example/1")
	mon := monitor.New(sched, nil)

	w := New(Config{ID: 4}, sched, &fakeFetcher{panic: true}, nil, nil, WithMonitor(mon))
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after panic")
	}
	require.Equal(t, StateHalted, w.State())
	stats := sched.Stats()
	require.Zero(t, stats.Pending)
	require.Empty(t, stats.InFlight)
	fetching, _ := mon.Threads()
	require.Zero(t, fetching)
}

func TestWorkerHaltStopsIdleLoop(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t)
	w := New(Config{ID: 5, IdleBackoff: time.Hour}, sched, &fakeFetcher{}, nil, nil)

	require.NoError(t, w.ExitAndJoin(context.Background()), "join before start is a no-op")

	w = New(Config{ID: 5, IdleBackoff: time.Hour}, sched, &fakeFetcher{}, nil, nil)
	go w.Run(context.Background())
	require.Eventually(t, func() bool { return w.State() == StateIdle }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.ExitAndJoin(ctx))
	require.Equal(t, StateHalted, w.State())
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	w := New(Config{ID: 6, IdleBackoff: time.Hour}, newScheduler(t), &fakeFetcher{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return w.State() == StateIdle }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker ignored cancellation")
	}
	require.Equal(t, StateHalted, w.State())
}

func TestWorkerCrowdsourcedCorrelatesResults(t *testing.T) {
	t.Parallel()

	sched := newScheduler(t, "https://a.example/1")
	task := sched.ScheduleNext()
	require.NotNil(t, task)

	fetchedPage := &crawler.Page{
		URL:        task.URL,
		Protocol:   crawler.ProtocolStatus{Code: crawler.ProtocolSuccess},
		StatusCode: 200,
		Content:    []byte("body"),
	}
	results := &sliceResults{items: []crawler.CrowdResult{
		{QueueID: crawler.QueueID{Priority: 1, Protocol: "https", Host: "unknown.example"}, ItemID: 999},
		{QueueID: task.QueueID(), ItemID: task.ItemID, Page: fetchedPage},
	}}
	mon := monitor.New(sched, nil)
	mon.MarkFeedExhausted()
	applier := &recordingApplier{}
	fetcher := &fakeFetcher{}

	w := New(Config{ID: 7, IdleBackoff: time.Millisecond, Crowdsourced: true}, sched, fetcher, applier, nil,
		WithMonitor(mon), WithResultQueue(results))
	runWorker(t, w)

	require.Eventually(t, func() bool { return w.State() == StateMissionComplete }, 2*time.Second, 5*time.Millisecond)
	pages := applier.applied()
	require.Len(t, pages, 1)
	require.Equal(t, []byte("body"), pages[0].Content)
	require.Empty(t, fetcher.fetched(), "crowdsourced workers never fetch")
	require.Equal(t, 1, w.Summary().Discarded)
	require.Zero(t, sched.Stats().Pending)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "running", StateRunning.String())
	require.Equal(t, "fetching", StateFetching.String())
	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "halted", StateHalted.String())
	require.Equal(t, "mission_complete", StateMissionComplete.String())
	require.Equal(t, "state(42)", State(42).String())
}
