package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	batchid "github.com/JakeFAU/fetch-scheduler/internal/id/uuid"
	"github.com/JakeFAU/fetch-scheduler/internal/progress"
	"github.com/JakeFAU/fetch-scheduler/internal/scheduler"
	"github.com/JakeFAU/fetch-scheduler/internal/tracker"
	"github.com/JakeFAU/fetch-scheduler/internal/worker"
)

type fakeWorkers struct{ summaries []worker.Summary }

func (f fakeWorkers) Summaries() []worker.Summary { return f.summaries }

type fakeThreads struct {
	fetching, idle int
	complete       bool
}

func (f fakeThreads) Threads() (int, int)     { return f.fetching, f.idle }
func (f fakeThreads) IsMissionComplete() bool { return f.complete }

type fakeProgress struct{ stats progress.Stats }

func (f fakeProgress) Stats() progress.Stats { return f.stats }

type fixture struct {
	server  *Server
	tracker *tracker.Tracker
	batchID string
}

func newFixture(t *testing.T, apiKey string) fixture {
	t.Helper()

	tr, err := tracker.New(context.Background(), tracker.Config{}, zap.NewNop())
	require.NoError(t, err)
	page := crawler.NewPage("https://Example.com/a")
	page.Depth = 1
	tr.TrackSuccess(page)

	batchID, err := batchid.New().NewID()
	require.NoError(t, err)
	reg := scheduler.NewRegistry(zap.NewNop())
	s := scheduler.New(scheduler.Config{BatchID: batchID})
	_, err = s.Submit(1, "https://example.com/a", nil)
	require.NoError(t, err)
	_, err = s.Submit(1, "https://example.org/b", nil)
	require.NoError(t, err)
	reg.Register(batchID, s)

	server := NewServer(Deps{
		Reporter: tr,
		Batches:  reg,
		Workers:  fakeWorkers{summaries: []worker.Summary{{WorkerID: 1, Tasks: 4}}},
		Threads:  fakeThreads{fetching: 2, idle: 1},
		Progress: fakeProgress{stats: progress.Stats{Accepted: 7}},
		APIKey:   apiKey,
	}, zap.NewNop())
	return fixture{server: server, tracker: tr, batchID: batchID}
}

func serve(t *testing.T, s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	rec := serve(t, f.server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(t, f.server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	starting := NewServer(Deps{Threads: fakeThreads{}}, nil)
	rec = serve(t, starting, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReportEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.tracker.TrackTimeout("https://example.com/slow")

	rec := serve(t, f.server, http.MethodGet, "/v1/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[tracker.Snapshot](t, rec)
	require.Equal(t, 1, snap.Timeouts)
	require.Len(t, snap.Hosts, 1)
	require.Equal(t, "example.com", snap.Hosts[0].Host)

	rec = serve(t, f.server, http.MethodGet, "/v1/report/text", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "example.com")

	rec = serve(t, f.server, http.MethodGet, "/v1/hosts/EXAMPLE.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	host := decode[HostView](t, rec)
	require.Equal(t, 1, host.Total)
	require.Equal(t, 1, host.FromSeed)
	require.True(t, host.Reachable)

	rec = serve(t, f.server, http.MethodGet, "/v1/hosts/unknown.example", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	rec := serve(t, f.server, http.MethodGet, "/v1/batches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Batches []BatchView `json:"batches"`
	}](t, rec)
	require.Len(t, body.Batches, 1)
	require.Equal(t, f.batchID, body.Batches[0].BatchID)
	require.Equal(t, 2, body.Batches[0].Queued)
	require.NotNil(t, body.Batches[0].CreatedAt)

	rec = serve(t, f.server, http.MethodGet, "/v1/batches/"+f.batchID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, f.server, http.MethodGet, "/v1/batches/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkersAndProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	rec := serve(t, f.server, http.MethodGet, "/v1/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[WorkersView](t, rec)
	require.Equal(t, 2, view.Fetching)
	require.Equal(t, 1, view.Idle)
	require.Len(t, view.Workers, 1)

	rec = serve(t, f.server, http.MethodGet, "/v1/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(7), decode[progress.Stats](t, rec).Accepted)
}

func TestMissingDepsAnswerUnavailable(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{}, nil)
	for _, path := range []string{"/v1/report", "/v1/report/text", "/v1/hosts/x", "/v1/batches", "/v1/batches/x", "/v1/workers", "/v1/progress"} {
		rec := serve(t, s, http.MethodGet, path, nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("fetchsched_up 1\n"))
	})}, nil)
	rec := serve(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.HasPrefix(rec.Body.String(), "fetchsched_up"))
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "secret")
	rec := serve(t, f.server, http.MethodGet, "/v1/report", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(t, f.server, http.MethodGet, "/v1/report", http.Header{"X-Api-Key": {"secret"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, f.server, http.MethodGet, "/v1/report?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, f.server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	rec := serve(t, f.server, http.MethodGet, "/healthz", http.Header{"X-Request-Id": {"abc"}})
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{}, nil)
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
