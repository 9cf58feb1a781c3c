package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/fetch-scheduler/internal/progress"
)

// PrometheusSink exports progress events as Prometheus collectors: batch
// lifecycle, per-site fetch counters, host quarantine transitions and
// re-fetch schedule decisions.
type PrometheusSink struct {
	batchesStarted   prometheus.Counter
	batchesCompleted *prometheus.CounterVec
	batchesRunning   prometheus.Gauge
	batchRuntime     *prometheus.HistogramVec

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	hostTransitions   *prometheus.CounterVec
	scheduleDecisions *prometheus.CounterVec

	running *runningBatches
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetchsched_batches_started_total",
			Help: "Total crawl batches that have started.",
		}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchsched_batches_completed_total",
			Help: "Total crawl batches completed partitioned by result.",
		}, []string{"result"}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fetchsched_batches_running",
			Help: "Current number of running crawl batches.",
		}),
		batchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fetchsched_batch_runtime_seconds",
			Help:    "Wall time per completed batch.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchsched_fetch_requests_total",
			Help: "Fetch completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchsched_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fetchsched_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"site", "status_class"}),
		hostTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchsched_host_transitions_total",
			Help: "Host quarantine transitions partitioned by direction.",
		}, []string{"direction"}),
		scheduleDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchsched_schedule_decision_events_total",
			Help: "Schedule decision events partitioned by strategy and decision.",
		}, []string{"strategy", "decision"}),
		running: newRunningBatches(),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesStarted,
		s.batchesCompleted,
		s.batchesRunning,
		s.batchRuntime,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
		s.hostTransitions,
		s.scheduleDecisions,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageBatchStart, progress.StageBatchDone, progress.StageBatchError:
		s.handleBatchEvent(evt)
	case progress.StageFetchDone:
		s.handleFetchEvent(evt)
	case progress.StageHostUnreachable:
		s.hostTransitions.WithLabelValues("unreachable").Inc()
	case progress.StageHostRecovered:
		s.hostTransitions.WithLabelValues("recovered").Inc()
	case progress.StageScheduleDecision:
		s.scheduleDecisions.WithLabelValues(evt.Strategy, evt.Decision).Inc()
	}
}

func (s *PrometheusSink) handleBatchEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageBatchStart:
		s.batchesStarted.Inc()
		if s.running.start(evt.BatchID) {
			s.batchesRunning.Inc()
		}
		return
	case progress.StageBatchDone:
		s.batchesCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageBatchError:
		s.batchesCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if s.running.complete(evt.BatchID) {
		s.batchesRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.batchRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchRequests.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runningBatches struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newRunningBatches() *runningBatches {
	return &runningBatches{ids: make(map[string]struct{})}
}

func (r *runningBatches) start(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

func (r *runningBatches) complete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; !ok {
		return false
	}
	delete(r.ids, id)
	return true
}
