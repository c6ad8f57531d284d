// Package observability wires OpenTelemetry tracing and metrics for the
// verification harness: session and step rates, verdict tag counts, and
// integrity violations, exported over OTLP.
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

	"github.com/mimicproof/core/pkg/contracts"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "mimicproof",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers. With Enabled false every
// recording method is a no-op, so callers never branch on telemetry.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	sessionCounter   metric.Int64Counter
	stepCounter      metric.Int64Counter
	verdictCounter   metric.Int64Counter
	integrityCounter metric.Int64Counter
	stepDuration     metric.Float64Histogram
	activeSessions   metric.Int64UpDownCounter
}

// New creates a provider and installs it globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
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
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer("mimicproof",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("mimicproof",
		metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
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
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
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
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	p.sessionCounter, err = p.meter.Int64Counter("mimicproof.sessions.total",
		metric.WithDescription("Challenge sessions run, by terminal status"),
		metric.WithUnit("{session}"))
	if err != nil {
		return err
	}
	p.stepCounter, err = p.meter.Int64Counter("mimicproof.steps.total",
		metric.WithDescription("Lock-step party invocations"),
		metric.WithUnit("{step}"))
	if err != nil {
		return err
	}
	p.verdictCounter, err = p.meter.Int64Counter("mimicproof.verdicts.total",
		metric.WithDescription("Verdicts issued, by tag and role"),
		metric.WithUnit("{verdict}"))
	if err != nil {
		return err
	}
	p.integrityCounter, err = p.meter.Int64Counter("mimicproof.integrity_violations.total",
		metric.WithDescription("Reveals that failed commitment verification"),
		metric.WithUnit("{violation}"))
	if err != nil {
		return err
	}
	p.stepDuration, err = p.meter.Float64Histogram("mimicproof.step.duration",
		metric.WithDescription("Party step latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5))
	if err != nil {
		return err
	}
	p.activeSessions, err = p.meter.Int64UpDownCounter("mimicproof.sessions.active",
		metric.WithDescription("Sessions currently running"),
		metric.WithUnit("{session}"))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("mimicproof")
	}
	return p.tracer
}

// TrackSession opens a session span and the active-sessions gauge. The
// returned func records the terminal status and closes the span.
func (p *Provider) TrackSession(ctx context.Context, sessionID string) (context.Context, func(contracts.SessionStatus)) {
	attrs := []attribute.KeyValue{attribute.String("session.id", sessionID)}
	ctx, span := p.Tracer().Start(ctx, "session",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
	if p.activeSessions != nil {
		p.activeSessions.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return ctx, func(status contracts.SessionStatus) {
		if p.activeSessions != nil {
			p.activeSessions.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.sessionCounter != nil {
			p.sessionCounter.Add(ctx, 1, metric.WithAttributes(
				append(attrs, attribute.String("session.status", string(status)))...))
		}
		span.SetAttributes(attribute.String("session.status", string(status)))
		span.End()
	}
}

// RecordStep counts one party step and its latency.
func (p *Provider) RecordStep(ctx context.Context, party contracts.PartyID, duration time.Duration, timedOut bool) {
	attrs := metric.WithAttributes(
		attribute.String("party.id", string(party)),
		attribute.Bool("step.timed_out", timedOut),
	)
	if p.stepCounter != nil {
		p.stepCounter.Add(ctx, 1, attrs)
	}
	if p.stepDuration != nil {
		p.stepDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordVerdict counts a verdict by tag and role.
func (p *Provider) RecordVerdict(ctx context.Context, role contracts.Role, tag contracts.VerdictTag) {
	if p.verdictCounter != nil {
		p.verdictCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("party.role", string(role)),
			attribute.String("verdict.tag", string(tag)),
		))
	}
}

// RecordIntegrityViolation counts a failed reveal.
func (p *Provider) RecordIntegrityViolation(ctx context.Context, party contracts.PartyID) {
	if p.integrityCounter != nil {
		p.integrityCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("party.id", string(party)),
		))
	}
}
