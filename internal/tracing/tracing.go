// Package tracing wires OpenTelemetry spans around enqueue and dispatch.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pdart-go/hstqueue/internal/model"
)

const (
	serviceName    = "hstqueue"
	serviceVersion = "1.0.0"
)

type TracerConfig struct {
	Endpoint    string
	ServiceName string
	Environment string
	Enabled     bool
}

func FromConfig(c model.TracingConfig) TracerConfig {
	return TracerConfig{
		Endpoint:    c.Endpoint,
		ServiceName: serviceName,
		Environment: c.Environment,
		Enabled:     c.Enabled,
	}
}

// InitTracer installs a global tracer provider exporting over OTLP/HTTP and
// returns its shutdown function. When disabled the global no-op provider stays
// in place.
func InitTracer(ctx context.Context, cfg TracerConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = serviceName
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(serviceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func Tracer() trace.Tracer {
	return otel.Tracer(serviceName)
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func taskAttrs(key model.TaskKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("hst.proposal_id", key.ProposalID),
		attribute.String("hst.visit", key.Visit),
		attribute.Int("hst.stage", key.Stage),
	}
}

// EnqueueSpan covers one queue request from enqueue to spawn.
func EnqueueSpan(ctx context.Context, key model.TaskKey) (context.Context, trace.Span) {
	return StartSpan(ctx, "task.enqueue", taskAttrs(key)...)
}

// DispatchSpan covers slot wait and spawn of a single task.
func DispatchSpan(ctx context.Context, key model.TaskKey, preempting bool) (context.Context, trace.Span) {
	attrs := append(taskAttrs(key), attribute.Bool("hst.preempting", preempting))
	return StartSpan(ctx, "task.dispatch", attrs...)
}

// ReclaimSpan covers one slot wait or drain.
func ReclaimSpan(ctx context.Context, drainAll bool) (context.Context, trace.Span) {
	return StartSpan(ctx, "slots.reclaim", attribute.Bool("hst.drain_all", drainAll))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
