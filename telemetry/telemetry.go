// Package telemetry defines the ambient logging, metrics, and tracing
// interfaces used throughout the engine loop, tracker, and scheduler. Core
// components depend only on these interfaces; concrete backends live in
// clue.go (goa.design/clue + OpenTelemetry) and noop.go.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger is a structured, leveled logger keyed on alternating key/value
// pairs, matching the convention used across this codebase's other
// telemetry-consuming packages.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics records counters, timers, and gauges tagged with free-form string
// pairs.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer starts spans and exposes the current span for the active context.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span is the subset of an OpenTelemetry span this codebase exposes to
// callers that trace their own work; the engine loop itself does not open
// spans.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// StepTelemetry summarizes one completed engine step for the stats sink
// (see step.StatsSink). Fields beyond the scalar ones are carried opaque in
// Extra, mirroring the way a sink is never trusted to understand the full
// per-engine output shape.
type StepTelemetry struct {
	VirtualEngine int
	BatchSize     int
	DurationMs    int64
	NumOutputs    int
	Extra         map[string]any
}
