// Package observability provides OpenTelemetry tracing and metrics for the
// pipeline: RED metrics per stage plus counters for the two signals that
// matter when a downstream target is failing, retry volume and dead-letter
// volume.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // e.g. "localhost:4317"
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "lily",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers and the pipeline metrics.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	eventCounter      metric.Int64Counter
	errorCounter      metric.Int64Counter
	durationHist      metric.Float64Histogram
	retryCounter      metric.Int64Counter
	deadLetterCounter metric.Int64Counter
}

// New creates the provider. With Enabled false it is a no-op shell whose
// record methods are safe to call.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("lily.pipeline",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("lily.pipeline",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initPipelineMetrics(); err != nil {
		return nil, fmt.Errorf("init pipeline metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initPipelineMetrics() error {
	var err error
	p.eventCounter, err = p.meter.Int64Counter("lily.events.total",
		metric.WithDescription("Events processed per stage"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("lily.errors.total",
		metric.WithDescription("Processing errors per stage"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("lily.stage.duration",
		metric.WithDescription("Stage processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}
	p.retryCounter, err = p.meter.Int64Counter("lily.retries.total",
		metric.WithDescription("Delivery retries scheduled"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return err
	}
	p.deadLetterCounter, err = p.meter.Int64Counter("lily.dead_letters.total",
		metric.WithDescription("Items quarantined to the dead-letter store"),
		metric.WithUnit("{item}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("lily.pipeline")
	}
	return p.tracer
}

// RecordEvent counts one processed event for a stage.
func (p *Provider) RecordEvent(ctx context.Context, stage string, attrs ...attribute.KeyValue) {
	if p.eventCounter != nil {
		attrs = append(attrs, attribute.String("stage", stage))
		p.eventCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError counts one processing error for a stage.
func (p *Provider) RecordError(ctx context.Context, stage string, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil {
		attrs = append(attrs,
			attribute.String("stage", stage),
			attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRetry counts one scheduled delivery retry.
func (p *Provider) RecordRetry(ctx context.Context, targetID string) {
	if p.retryCounter != nil {
		p.retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("target_id", targetID)))
	}
}

// RecordDeadLetter counts one quarantined item.
func (p *Provider) RecordDeadLetter(ctx context.Context, stage string) {
	if p.deadLetterCounter != nil {
		p.deadLetterCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// TrackStage opens a span and times one unit of stage work. The returned
// func records duration and error state; call it exactly once.
func (p *Provider) TrackStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, attribute.String("stage", stage))

	ctx, span := p.Tracer().Start(ctx, stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	p.RecordEvent(ctx, stage)

	return ctx, func(err error) {
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, stage, err)
		}
		span.End()
	}
}
