package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// tagsToAttrs converts a flat "key", "value", "key", "value", ... tag list
// (the shape the Metrics interface accepts) into OTEL attributes. An odd
// trailing tag is dropped.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

// otelTracer adapts an OpenTelemetry trace.Tracer to the runtime's Tracer
// interface, matching the teacher's split between a thin OTEL-backed
// implementation and the standalone noop used in tests.
type otelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer wraps an OpenTelemetry tracer for use by the agent loop and
// tool subsystem.
func NewOTelTracer(tracer trace.Tracer) Tracer {
	return otelTracer{tracer: tracer}
}

func (t otelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }
func (s otelSpan) AddEvent(name string, _ ...any)  { s.span.AddEvent(name) }
func (s otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}
func (s otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// otelMetrics adapts an OpenTelemetry meter to the runtime's Metrics
// interface, lazily creating instruments per metric name.
type otelMetrics struct {
	meter metric.Meter
}

// NewOTelMetrics wraps an OpenTelemetry meter for use by the runtime.
func NewOTelMetrics(meter metric.Meter) Metrics {
	return &otelMetrics{meter: meter}
}

func (m *otelMetrics) IncCounter(name string, value float64, tags ...string) {
	ctr, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	ctr.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *otelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	hist, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	hist.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *otelMetrics) RecordGauge(name string, value float64, tags ...string) {
	gauge, err := m.meter.Float64Gauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}
