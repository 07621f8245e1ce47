// Package telemetry defines the logging, metrics, and tracing seams used
// across the engine. Production wiring delegates to goa.design/clue/log and
// OpenTelemetry; tests inject no-op implementations.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log records. The context carries the clue log
	// configuration when the Clue implementation is used.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers for engine activity.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans around node and execution boundaries.
	Tracer interface {
		StartSpan(ctx context.Context, name string, attrs ...string) (context.Context, Span)
	}

	// Span is an active trace span.
	Span interface {
		// End completes the span. A non-nil error marks the span failed.
		End(err error)
	}
)

type (
	noopLogger  struct{}
	noopMetrics struct{}
	noopTracer  struct{}
	noopSpan    struct{}
)

// NoopLogger returns a Logger that discards everything.
func NoopLogger() Logger { return noopLogger{} }

// NoopMetrics returns a Metrics recorder that discards everything.
func NoopMetrics() Metrics { return noopMetrics{} }

// NoopTracer returns a Tracer that produces inert spans.
func NoopTracer() Tracer { return noopTracer{} }

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

func (noopMetrics) IncCounter(string, float64, ...string)        {}
func (noopMetrics) RecordTimer(string, time.Duration, ...string) {}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ ...string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) End(error) {}
