// Package telemetry exposes the logging, metrics, and tracing seams the
// runtime calls through. Every exported interface is intentionally small,
// and the noop implementations behave like a fully wired one, just
// silently. A nil Span is safe only through EndSpan, which ignores it.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime
// instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation. Start must never return a nil Span even
// when tracing is disabled; use NewNoopTracer for that case instead of a nil
// Tracer.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
}

// Span represents an in-flight or already-ended tracing span.
//
// Contract (spec §4.1): the agent loop acquires a span before entering a
// region and ends it on every exit path, including exceptional ones. A nil
// *Span value (as opposed to a noop implementation) must never be passed to
// these methods; callers that may not have a tracer should use
// NewNoopTracer instead of a nil Tracer.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// ToolTelemetry captures observability metadata collected during a single
// tool execution.
type ToolTelemetry struct {
	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64
	// TokensUsed tracks tokens consumed if the tool itself called a model.
	TokensUsed int
	// Model identifies which model, if any, the tool invoked internally.
	Model string
	// Extra holds tool-specific metadata not captured by the fields above.
	Extra map[string]any
}

// EndSpan ends span with either an output or an error outcome, guarding
// against a nil span so call sites never need their own nil check. This is
// the helper the agent loop and tool subsystem use on every span exit path.
func EndSpan(span Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
