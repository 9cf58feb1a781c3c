// Package metrics exposes Prometheus collectors for the fetch scheduler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksEnqueuedTotal         *prometheus.CounterVec
	tasksRejectedTotal         *prometheus.CounterVec
	tasksDispatchedTotal       *prometheus.CounterVec
	tasksFinishedTotal         *prometheus.CounterVec
	pendingEvictedTotal        *prometheus.CounterVec
	admissionDeniedTotal       *prometheus.CounterVec
	fetchOutcomesTotal         *prometheus.CounterVec
	hostFailuresTotal          prometheus.Counter
	unreachableHosts           prometheus.Gauge
	activeWorkers              prometheus.Gauge
	idleWorkers                prometheus.Gauge
	scheduleDecisionsTotal     *prometheus.CounterVec
	robotsFallbacksTotal       *prometheus.CounterVec
	renderPromotionsTotal      *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchsched_tasks_enqueued_total",
				Help: "Total number of fetch tasks accepted by a scheduler, labeled by batch.",
			},
			[]string{"batch"},
		)

		tasksRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchsched_tasks_rejected_total",
				Help: "Total number of fetch tasks refused at enqueue, labeled by reason.",
			},
			[]string{"reason"},
		)

		tasksDispatchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchsched_tasks_dispatched_total",
				Help: "Total number of fetch tasks handed to workers, labeled by batch.",
			},
			[]string{"batch"},
		)

		tasksFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchsched_tasks_finished_total",
				Help: "Total finish notifications, labeled by result (released or unmatched).",
			},
			[]string{"result"},
		)

		pendingEvictedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchsched_pending_evicted_total",
				Help: "Pending tasks evicted after their correlation TTL, labeled by batch.",
			},
			[]string{"batch"},
		)

		admissionDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchsched_admission_denied_total",
				Help: "Queue admission checks that failed, labeled by reason.",
			},
			[]string{"reason"},
		)

		fetchOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchsched_fetch_outcomes_total",
				Help: "Completed fetches, labeled by protocol outcome.",
			},
			[]string{"outcome"},
		)

		hostFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchsched_host_failures_total",
				Help: "Total host-level failures tracked.",
			},
		)

		unreachableHosts = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchsched_unreachable_hosts",
				Help: "Number of hosts currently blacklisted as unreachable.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchsched_active_workers",
				Help: "Number of fetch workers currently running.",
			},
		)

		idleWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetchsched_idle_workers",
				Help: "Number of fetch workers currently backing off with no task.",
			},
		)

		scheduleDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchsched_schedule_decisions_total",
				Help: "Re-fetch schedule decisions, labeled by strategy and decision.",
			},
			[]string{"strategy", "decision"},
		)

		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchsched_robots_fallbacks_total",
				Help: "robots.txt probes that fell back to allow-all, labeled by reason.",
			},
			[]string{"reason"},
		)

		renderPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchsched_render_promotions_total",
				Help: "Pages re-fetched through a headless browser, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchsched_ops_http_requests_total",
				Help: "Ops API requests, labeled by method and status code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetchsched_ops_http_request_duration_seconds",
				Help:    "Ops API request latency, labeled by method and chi route pattern.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEnqueued counts an accepted task.
func ObserveEnqueued(batch string) {
	Init()
	tasksEnqueuedTotal.WithLabelValues(batch).Inc()
}

// ObserveRejected counts a task refused at enqueue.
func ObserveRejected(reason string) {
	Init()
	tasksRejectedTotal.WithLabelValues(reason).Inc()
}

// ObserveDispatched counts a task handed to a worker.
func ObserveDispatched(batch string) {
	Init()
	tasksDispatchedTotal.WithLabelValues(batch).Inc()
}

// ObserveFinished counts a finish call; released is false when nothing was pending.
func ObserveFinished(released bool) {
	Init()
	result := "released"
	if !released {
		result = "unmatched"
	}
	tasksFinishedTotal.WithLabelValues(result).Inc()
}

// ObserveEvicted counts pending tasks dropped after their TTL.
func ObserveEvicted(batch string, n int) {
	if n <= 0 {
		return
	}
	Init()
	pendingEvictedTotal.WithLabelValues(batch).Add(float64(n))
}

// ObserveAdmissionDenied counts a failed admission check.
func ObserveAdmissionDenied(reason string) {
	Init()
	admissionDeniedTotal.WithLabelValues(reason).Inc()
}

// ObserveFetchOutcome counts a completed fetch.
func ObserveFetchOutcome(outcome string) {
	Init()
	fetchOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHostFailure counts a tracked host failure.
func ObserveHostFailure() {
	Init()
	hostFailuresTotal.Inc()
}

// SetUnreachableHosts records the size of the unreachable-host set.
func SetUnreachableHosts(n int) {
	Init()
	unreachableHosts.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// IncIdleWorkers increments the idle workers gauge.
func IncIdleWorkers() {
	Init()
	idleWorkers.Inc()
}

// DecIdleWorkers decrements the idle workers gauge.
func DecIdleWorkers() {
	Init()
	idleWorkers.Dec()
}

// ObserveScheduleDecision counts a re-fetch schedule decision.
func ObserveScheduleDecision(strategy, decision string) {
	Init()
	scheduleDecisionsTotal.WithLabelValues(strategy, decision).Inc()
}

// ObserveRobotsFallback counts a robots.txt probe answered with allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(reason).Inc()
}

// ObserveRenderPromotion counts a browser re-fetch by outcome.
func ObserveRenderPromotion(outcome string) {
	Init()
	renderPromotionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
