package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	batchid "github.com/JakeFAU/fetch-scheduler/internal/id/uuid"
	"github.com/JakeFAU/fetch-scheduler/internal/metrics"
	"github.com/JakeFAU/fetch-scheduler/internal/progress"
	"github.com/JakeFAU/fetch-scheduler/internal/scheduler"
	"github.com/JakeFAU/fetch-scheduler/internal/tracker"
	"github.com/JakeFAU/fetch-scheduler/internal/worker"
)

// Reporter exposes tracker state.
type Reporter interface {
	Snapshot() tracker.Snapshot
	FetchStatus(host string) (tracker.FetchStatus, bool)
	IsReachable(host string) bool
}

// Batches exposes scheduler statistics.
type Batches interface {
	Stats() []scheduler.Stats
}

// Workers exposes fetch worker summaries.
type Workers interface {
	Summaries() []worker.Summary
}

// Threads reports registered and idle fetch threads.
type Threads interface {
	Threads() (fetching, idle int)
	IsMissionComplete() bool
}

// ProgressStats exposes progress hub counters.
type ProgressStats interface {
	Stats() progress.Stats
}

// Deps are the read-only views the server renders. Nil views answer 503.
type Deps struct {
	Reporter Reporter
	Batches  Batches
	Workers  Workers
	Threads  Threads
	Progress ProgressStats
	// APIKey, when set, is required on every /v1 request.
	APIKey string
	// MetricsHandler defaults to promhttp.Handler().
	MetricsHandler http.Handler
}

// Server wires HTTP handlers to the scheduling core.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// BatchView is a scheduler snapshot plus the creation time encoded in its id.
type BatchView struct {
	scheduler.Stats
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// HostView is one host's tracker state.
type HostView struct {
	tracker.FetchStatus
	Reachable bool `json:"reachable"`
}

// WorkersView lists worker summaries with monitor thread counts.
type WorkersView struct {
	Fetching        int              `json:"fetching"`
	Idle            int              `json:"idle"`
	MissionComplete bool             `json:"mission_complete"`
	Workers         []worker.Summary `json:"workers"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.MetricsHandler == nil {
		deps.MetricsHandler = promhttp.Handler()
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)

	r.Route("/v1", func(r chi.Router) {
		if deps.APIKey != "" {
			r.Use(apiKeyMiddleware(deps.APIKey))
		}
		r.Get("/report", s.report)
		r.Get("/report/text", s.reportText)
		r.Get("/hosts/{host}", s.host)
		r.Get("/batches", s.batches)
		r.Get("/batches/{batch_id}", s.batch)
		r.Get("/workers", s.workers)
		r.Get("/progress", s.progress)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Threads == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	fetching, _ := s.deps.Threads.Threads()
	if fetching == 0 && !s.deps.Threads.IsMissionComplete() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) report(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "tracker not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Reporter.Snapshot())
}

func (s *Server) reportText(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "tracker not configured")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(s.deps.Reporter.Snapshot().String())); err != nil {
		s.logger.Warn("Write report failed", zap.Error(err))
	}
}

func (s *Server) host(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "tracker not configured")
		return
	}
	host := strings.ToLower(chi.URLParam(r, "host"))
	status, ok := s.deps.Reporter.FetchStatus(host)
	if !ok {
		writeError(w, http.StatusNotFound, "host not tracked")
		return
	}
	writeJSON(w, http.StatusOK, HostView{FetchStatus: status, Reachable: s.deps.Reporter.IsReachable(host)})
}

func (s *Server) batches(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Batches == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	stats := s.deps.Batches.Stats()
	views := make([]BatchView, 0, len(stats))
	for _, st := range stats {
		views = append(views, batchView(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": views})
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Batches == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	id := chi.URLParam(r, "batch_id")
	for _, st := range s.deps.Batches.Stats() {
		if st.BatchID == id {
			writeJSON(w, http.StatusOK, batchView(st))
			return
		}
	}
	writeError(w, http.StatusNotFound, "batch not found")
}

func (s *Server) workers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Workers == nil {
		writeError(w, http.StatusServiceUnavailable, "workers not configured")
		return
	}
	view := WorkersView{Workers: s.deps.Workers.Summaries()}
	if s.deps.Threads != nil {
		view.Fetching, view.Idle = s.deps.Threads.Threads()
		view.MissionComplete = s.deps.Threads.IsMissionComplete()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) progress(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Progress == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracking disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Progress.Stats())
}

func batchView(st scheduler.Stats) BatchView {
	view := BatchView{Stats: st}
	if at, ok := batchid.CreatedAt(st.BatchID); ok {
		view.CreatedAt = &at
	}
	return view
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.Any("request_id", r.Context().Value(requestIDKey{})),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("Write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
