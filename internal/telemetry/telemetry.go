// Package telemetry wires the process-wide OpenTelemetry tracer provider
// and implements the Telemetry Sink: counters/histograms recorded through
// the global OTel meter. Pushing metrics to a remote collector stays a
// collaborator's concern; the in-process SDK wiring is ambient stack.
package telemetry

import (
	"context"
	"fmt"

	"github.com/edgemcp/gateway/internal/config"
	"github.com/edgemcp/gateway/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Init sets up OpenTelemetry tracing with an OTLP gRPC exporter. Returns a
// shutdown function that must be invoked during Orchestrator shutdown.
func Init(cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled || cfg.OTLPEndpoint == "" {
		log.Info().Msg("🔕 OpenTelemetry disabled")
		return func(ctx context.Context) error { return nil }, nil
	}

	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(), // local/edge dev; production should configure TLS
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", "0.1.0"),
		),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", cfg.OTLPEndpoint).
		Str("service", cfg.ServiceName).
		Msg("📡 OpenTelemetry tracing initialized")

	return tp.Shutdown, nil
}

// Sink is the in-process Telemetry Sink (§2): it records decision/latency/
// outcome counters via the OTel metrics API. It does not produce a health
// snapshot. Updates are eventually consistent — a reader may observe a
// skew of up to one refresh interval, matching the concurrency model.
type Sink struct {
	requestsTotal metric.Int64Counter
	latencyHist   metric.Float64Histogram
	decisionTotal metric.Int64Counter
}

// NewSink builds a Sink against the global MeterProvider. Init installs
// only a tracer provider, so unless the embedding application installs a
// MeterProvider the global one is a no-op and the instruments record
// nothing — no branching needed at call sites either way.
func NewSink() (*Sink, error) {
	meter := otel.Meter("edgemcp.gateway")

	requestsTotal, err := meter.Int64Counter("gateway.requests.total",
		metric.WithDescription("total requests handled by the orchestrator"))
	if err != nil {
		return nil, err
	}
	latencyHist, err := meter.Float64Histogram("gateway.request.latency_ms",
		metric.WithDescription("end-to-end request latency in milliseconds"))
	if err != nil {
		return nil, err
	}
	decisionTotal, err := meter.Int64Counter("gateway.routing_decisions.total",
		metric.WithDescription("routing decisions by kind"))
	if err != nil {
		return nil, err
	}

	return &Sink{
		requestsTotal: requestsTotal,
		latencyHist:   latencyHist,
		decisionTotal: decisionTotal,
	}, nil
}

// RecordRequest records decision, latency, and outcome for one completed
// request, per the Orchestrator's telemetry step.
func (s *Sink) RecordRequest(ctx context.Context, decisionKind string, status models.ResponseStatus, latencyMs int64) {
	attrs := metric.WithAttributes(
		attribute.String("decision", decisionKind),
		attribute.String("status", string(status)),
	)
	s.requestsTotal.Add(ctx, 1, attrs)
	s.latencyHist.Record(ctx, float64(latencyMs), attrs)
	s.decisionTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decisionKind)))
}

// HealthSnapshot is the shape of an operational snapshot. Nothing in this
// package fills it in or refreshes it, and the debug listener serves its
// own payload rather than this type.
type HealthSnapshot struct {
	Resource     models.ResourceSnapshot `json:"resource"`
	QueueDepth   int                     `json:"queue_depth"`
	CircuitState string                  `json:"circuit_state"`
}
