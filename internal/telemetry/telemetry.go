// Package telemetry defines the logging, tracing, and metrics interfaces
// used throughout the engine, plus clue/OTEL-backed implementations. The
// interfaces exist so unit tests can inject recording fakes without pulling
// in the clue/OTEL wiring.
package telemetry

import "context"

// Logger emits structured key-value log lines. Implementations must be
// safe for concurrent use.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Span represents one in-flight trace span.
type Span interface {
	// SetAttribute records one key-value attribute on the span.
	SetAttribute(key string, value any)
	// RecordError records an error on the span without ending it.
	RecordError(err error)
	// End completes the span.
	End()
}

// Tracer starts spans for a named operation.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}

// Metrics records counters, histograms, and gauges for the engine's
// hot paths (checkpoint latency, sandbox concurrency, peer delegation
// round-trip time).
type Metrics interface {
	// IncrCounter increments a named counter by delta, with optional
	// dimension labels (key1, value1, key2, value2, ...).
	IncrCounter(name string, delta int64, labels ...string)
	// RecordDuration records a duration-valued histogram observation in
	// seconds.
	RecordDuration(name string, seconds float64, labels ...string)
	// SetGauge sets a named gauge to value.
	SetGauge(name string, value float64, labels ...string)
}

// Noop is a Logger/Tracer/Metrics implementation that discards everything.
// Useful as a zero-value default and in tests that don't assert on
// telemetry output.
type Noop struct{}

func (Noop) Debug(context.Context, string, ...any) {}
func (Noop) Info(context.Context, string, ...any)  {}
func (Noop) Warn(context.Context, string, ...any)  {}
func (Noop) Error(context.Context, string, ...any) {}

type noopSpan struct{}

func (noopSpan) SetAttribute(string, any) {}
func (noopSpan) RecordError(error)        {}
func (noopSpan) End()                     {}

func (Noop) Start(ctx context.Context, _ string) (context.Context, Span) { return ctx, noopSpan{} }

func (Noop) IncrCounter(string, int64, ...string)     {}
func (Noop) RecordDuration(string, float64, ...string) {}
func (Noop) SetGauge(string, float64, ...string)       {}
