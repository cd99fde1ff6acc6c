package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	// ClueLogger wraps goa.design/clue/log for engine logging.
	ClueLogger struct{}

	// ClueTracer wraps OTEL tracing for engine spans.
	ClueTracer struct {
		tracer trace.Tracer
	}

	// ClueMetrics wraps OTEL metrics for engine instrumentation.
	ClueMetrics struct {
		meter      metric.Meter
		counters   map[string]metric.Int64Counter
		histograms map[string]metric.Float64Histogram
	}

	clueSpan struct {
		span trace.Span
	}
)

// NewClueLogger constructs a Logger that delegates to goa.design/clue/log.
// The logger reads formatting and debug settings from the context (set via
// log.Context and log.WithFormat/log.WithDebug).
func NewClueLogger() Logger { return ClueLogger{} }

// NewClueTracer constructs a Tracer backed by the global OTEL TracerProvider.
// Configure the provider via clue.ConfigureOpenTelemetry or
// OTEL_EXPORTER_OTLP_ENDPOINT before invoking engine methods.
func NewClueTracer() Tracer {
	return &ClueTracer{tracer: otel.Tracer("github.com/solacelabs/sam-core")}
}

// NewClueMetrics constructs a Metrics recorder backed by the global OTEL
// MeterProvider.
func NewClueMetrics() Metrics {
	return &ClueMetrics{
		meter:      otel.Meter("github.com/solacelabs/sam-core"),
		counters:   map[string]metric.Int64Counter{},
		histograms: map[string]metric.Float64Histogram{},
	}
}

func toKeyvals(keyvals []any) []log.Fielder {
	fields := make([]log.Fielder, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, _ := keyvals[i].(string)
		fields = append(fields, log.KV{K: key, V: keyvals[i+1]})
	}
	return fields
}

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, toKeyvals(keyvals)...)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, toKeyvals(keyvals)...)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, append([]log.Fielder{log.KV{K: "msg", V: "WARN: " + msg}}, toKeyvals(keyvals)...)...)
}

func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, append(toKeyvals(keyvals), log.KV{K: "msg", V: msg})...)
}

func (t *ClueTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &clueSpan{span: span}
}

func (s *clueSpan) SetAttribute(key string, value any) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, anyToString(v)))
	}
}

func (s *clueSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *clueSpan) End() { s.span.End() }

func (m *ClueMetrics) IncrCounter(name string, delta int64, labels ...string) {
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Int64Counter(name)
		if err != nil {
			return
		}
		m.counters[name] = c
	}
	c.Add(context.Background(), delta, metric.WithAttributes(toAttrs(labels)...))
}

func (m *ClueMetrics) RecordDuration(name string, seconds float64, labels ...string) {
	h, ok := m.histograms[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name, metric.WithUnit("s"))
		if err != nil {
			return
		}
		m.histograms[name] = h
	}
	h.Record(context.Background(), seconds, metric.WithAttributes(toAttrs(labels)...))
}

func (m *ClueMetrics) SetGauge(name string, value float64, labels ...string) {
	// Observable gauges require a registered callback at creation time; the
	// engine's gauges (sandbox concurrency in use, checkpoint queue depth)
	// are sampled on demand, so they are recorded as a single-point
	// histogram observation instead of a push-based gauge.
	m.RecordDuration(name+"_gauge", value, labels...)
}

func toAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

func anyToString(v any) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}
