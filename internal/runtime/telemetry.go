package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/pipeline"
)

// unitLatencyBuckets cover a fast local voice (tens of ms per sentence) up
// to a remote server working through a long sentence.
var unitLatencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// setupTelemetry installs the global tracer and meter providers and returns
// their shutdown func and the Prometheus scrape handler (nil if unavailable).
func setupTelemetry(cfg config.Config, version string, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceVersion(version),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("loqa.tts.synthesizer", cfg.TTS.Mode),
			attribute.Int("loqa.tts.max_concurrency", cfg.Pipeline.MaxConcurrency),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	exporter, name, err := traceExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	traceProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(traceProvider)

	var metricsHandler http.Handler
	var reader sdkmetric.Reader
	if promExporter, err := prometheus.New(); err != nil {
		logger.Warn("prometheus exporter unavailable, /metrics disabled", slogError(err))
	} else {
		reader = promExporter
		metricsHandler = promhttp.Handler()
	}
	meterProvider := newMeterProvider(res, reader)
	otel.SetMeterProvider(meterProvider)

	logger.Info("telemetry initialized",
		slog.String("trace_exporter", name),
		slog.Bool("metrics", metricsHandler != nil))

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}
	return shutdown, metricsHandler, nil
}

// traceExporter picks OTLP when an endpoint is configured, else stdout when
// asked for. A nil exporter means spans are recorded but never exported.
func traceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		return exp, "otlp", err
	}
	if cfg.TraceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
		return exp, "stdout", err
	}
	return nil, "none", nil
}

// newMeterProvider applies the synthesis views. reader may be nil.
func newMeterProvider(res *resource.Resource, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithView(meterViews()...),
	}
	if reader != nil {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	return sdkmetric.NewMeterProvider(opts...)
}

func meterViews() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: pipeline.MetricUnitDuration},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: unitLatencyBuckets}},
		),
	}
}
