package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/loqalabs/guidio/internal/config"
	"github.com/loqalabs/guidio/internal/narration"
)

// setupTelemetry installs the global tracer and meter providers and the
// W3C propagators. It returns a shutdown func and the Prometheus scrape
// handler, which is nil when the exporter could not be created.
func setupTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	res, err := narrationResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	exporter, err := spanExporter(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	traceProvider := newTracerProvider(cfg.Telemetry, res, exporter)
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	meterProvider, metricHandler := initMetrics(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}
	return shutdown, metricHandler, nil
}

// narrationResource describes the runtime and the backends it narrates
// with, so traces from different pipelines can be told apart.
func narrationResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("guidio.llm.mode", cfg.LLM.Mode),
		attribute.String("guidio.tts.mode", cfg.TTS.Mode),
		attribute.Bool("guidio.narration.overlap", cfg.Narration.Overlap),
	}
	if cfg.LLM.Model != "" {
		attrs = append(attrs, attribute.String("guidio.llm.model", cfg.LLM.Model))
	}
	if cfg.TTS.Mode == "elevenlabs" {
		attrs = append(attrs,
			attribute.String("guidio.tts.model", cfg.TTS.Model),
			attribute.String("guidio.tts.output_format", cfg.TTS.OutputFormat))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func spanExporter(ctx context.Context, cfg config.Config, logger *slog.Logger) (sdktrace.SpanExporter, error) {
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("telemetry initialized",
			slog.String("exporter", "otlp"),
			slog.String("endpoint", endpoint),
			slog.Float64("sample_ratio", cfg.Telemetry.TraceSampleRatio))
		return exporter, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	logger.Info("telemetry initialized",
		slog.String("exporter", "stdout"),
		slog.Float64("sample_ratio", cfg.Telemetry.TraceSampleRatio))
	return exporter, nil
}

// newTracerProvider samples root spans at the configured ratio; child spans
// follow their parent so a narration is traced whole or not at all.
func newTracerProvider(cfg config.TelemetryConfig, res *resource.Resource, exporter sdktrace.SpanExporter) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))),
	)
}

// narrationViews sets latency buckets for time to first audio; the SDK
// defaults are tuned for sub-second request durations.
func narrationViews() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: narration.MetricTimeToFirstAudio},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: narration.TimeToFirstAudioBuckets,
			}},
		),
	}
}

func newMeterProvider(res *resource.Resource, readers ...sdkmetric.Reader) *sdkmetric.MeterProvider {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, view := range narrationViews() {
		opts = append(opts, sdkmetric.WithView(view))
	}
	for _, reader := range readers {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	return sdkmetric.NewMeterProvider(opts...)
}

func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return newMeterProvider(res), nil
	}
	return newMeterProvider(res, promExporter), promhttp.Handler()
}
