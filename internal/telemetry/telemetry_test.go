package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

func TestInitDisabledInstallsPropagatorOnly(t *testing.T) {
	providers, err := Init(context.Background(), Config{}, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, providers)
	require.NoError(t, providers.Shutdown(context.Background()))
	require.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInitEnabledWithoutExporter(t *testing.T) {
	providers, err := Init(context.Background(), Config{Enabled: true, SampleRatio: 7}, nil)
	require.NoError(t, err)
	require.NotNil(t, providers)
	require.NotNil(t, providers.TracerProvider)
	require.NoError(t, providers.Shutdown(context.Background()))
}

func TestFetchSpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	task := &crawler.FetchTask{JobID: "b1", ItemID: 9, Priority: 2, Host: "example.com", URL: "https://example.com/"}
	_, span := StartFetchSpan(context.Background(), 3, task)
	EndFetchSpan(span, crawler.ProtocolStatus{Code: crawler.ProtocolTimeout}, errors.New("slow"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	require.Equal(t, "b1", attrs["batch.id"].AsString())
	require.Equal(t, int64(9), attrs["task.item_id"].AsInt64())
	require.Equal(t, int64(3), attrs["worker.id"].AsInt64())
	require.Equal(t, string(crawler.ProtocolTimeout), attrs["fetch.protocol"].AsString())
	require.Len(t, ended[0].Events(), 1, "error recorded as span event")
}

func TestWrapHandlerPassesThrough(t *testing.T) {
	t.Parallel()

	h := WrapHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	for _, path := range []string{"/healthz", "/v1/report"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusTeapot, rec.Code, path)
	}
}

func TestWrapTransport(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	client := &http.Client{Transport: WrapTransport(http.DefaultTransport)}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
