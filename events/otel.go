package events

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/songzhibin97/workflow-fsm"

// OtelRecorder turns transition records into spans and metrics.
type OtelRecorder struct {
	tracer   trace.Tracer
	count    metric.Int64Counter
	duration metric.Float64Histogram
}

// OtelOption configures an OtelRecorder.
type OtelOption func(*otelConfig)

type otelConfig struct {
	tracer trace.TracerProvider
	meter  metric.MeterProvider
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OtelOption {
	return func(c *otelConfig) { c.tracer = tp }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) OtelOption {
	return func(c *otelConfig) { c.meter = mp }
}

// NewOtelRecorder creates the recorder and its instruments. Without a
// configured provider the global no-op providers make it a pass-through.
func NewOtelRecorder(opts ...OtelOption) (*OtelRecorder, error) {
	cfg := otelConfig{tracer: otel.GetTracerProvider(), meter: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&cfg)
	}
	meter := cfg.meter.Meter(instrumentationName)
	count, err := meter.Int64Counter("workflow.transitions",
		metric.WithDescription("Number of transition runs by outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("workflow.transition.duration",
		metric.WithDescription("Transition run duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &OtelRecorder{
		tracer:   cfg.tracer.Tracer(instrumentationName),
		count:    count,
		duration: duration,
	}, nil
}

// Open implements Recorder.
func (o *OtelRecorder) Open(ctx context.Context, rec *TransitionRecord) context.Context {
	ctx, _ = o.tracer.Start(ctx, rec.Name,
		trace.WithTimestamp(rec.Started),
		trace.WithAttributes(o.attributes(rec)...))
	return ctx
}

// Close implements Recorder.
func (o *OtelRecorder) Close(ctx context.Context, rec *TransitionRecord) {
	span := trace.SpanFromContext(ctx)
	outcome := "success"
	if rec.Err != nil {
		outcome = "error"
		span.RecordError(rec.Err)
		span.SetStatus(codes.Error, rec.Reason)
		span.SetAttributes(attribute.String("workflow.error_code", rec.Code))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	stopped := rec.Stopped
	if stopped.IsZero() {
		stopped = time.Now()
	}
	span.End(trace.WithTimestamp(stopped))

	attrs := metric.WithAttributes(
		attribute.String("workflow.action", rec.Action),
		attribute.String("workflow.outcome", outcome))
	o.count.Add(ctx, 1, attrs)
	o.duration.Record(ctx, stopped.Sub(rec.Started).Seconds(), attrs)
}

func (o *OtelRecorder) attributes(rec *TransitionRecord) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("workflow.id", rec.WorkflowID),
		attribute.String("workflow.action", rec.Action),
		attribute.String("workflow.artifact_id", rec.ArtifactID),
		attribute.String("workflow.correlation_id", rec.CorrelationID),
		attribute.String("workflow.alias", rec.Alias),
	}
}
