// Package telemetry configures OpenTelemetry tracing for fetches, the ops
// server and Pub/Sub hand-offs.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

const tracerName = "fetch-scheduler"

// Config controls tracing initialisation.
type Config struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	Environment  string  `mapstructure:"environment"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Providers exposes the configured tracer provider.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	Propagator     propagation.TextMapPropagator
}

// Init installs a global tracer provider and the W3C propagators. A disabled
// config returns nil providers; the propagators are installed regardless so
// Pub/Sub trace context still flows.
func Init(ctx context.Context, cfg Config, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = tracerName
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{endpointOption(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			logger.Warn("OTLP trace exporter unavailable, spans stay local",
				zap.String("endpoint", cfg.OTLPEndpoint), zap.Error(err))
		} else {
			opts = append(opts, sdktrace.WithBatcher(exp))
			logger.Info("OTLP trace exporter initialised", zap.String("endpoint", cfg.OTLPEndpoint))
		}
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return &Providers{TracerProvider: tp, Propagator: prop}, nil
}

// Shutdown flushes and stops the tracer provider. Nil providers are a no-op.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil || p.TracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.TracerProvider.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("trace provider shutdown: %w", err)
	}
	return nil
}

func endpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler instruments the ops server. Probe and scrape routes are skipped.
func WrapHandler(handler http.Handler) http.Handler {
	return otelhttp.NewHandler(handler, "ops.server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				return false
			}
			return true
		}),
	)
}

// WrapTransport instruments outbound fetch requests.
func WrapTransport(base http.RoundTripper) http.RoundTripper {
	return otelhttp.NewTransport(base)
}

// StartFetchSpan opens the span covering one task from dispatch to apply.
func StartFetchSpan(ctx context.Context, workerID int, task *crawler.FetchTask) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "fetch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("batch.id", task.JobID),
			attribute.Int64("task.item_id", task.ItemID),
			attribute.Int("task.priority", task.Priority),
			attribute.String("task.host", task.Host),
			attribute.String("url.full", task.URL),
			attribute.Int("worker.id", workerID),
		),
	)
}

// EndFetchSpan records the protocol outcome and closes span.
func EndFetchSpan(span trace.Span, status crawler.ProtocolStatus, err error) {
	span.SetAttributes(attribute.String("fetch.protocol", string(status.Code)))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
