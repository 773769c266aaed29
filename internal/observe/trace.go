package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the cadenza tracer.
const tracerName = "github.com/MrWong99/cadenza"

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCommandSpan starts an internal span for one control command. The
// session and player attributes are omitted when empty.
func StartCommandSpan(ctx context.Context, op, session, player string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("cadenza.op", op)}
	if session != "" {
		attrs = append(attrs, attribute.String("cadenza.session", session))
	}
	if player != "" {
		attrs = append(attrs, attribute.String("cadenza.player", player))
	}
	return StartSpan(ctx, "command "+op, trace.WithAttributes(attrs...))
}

// CorrelationID extracts the trace ID from the span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger] enriched with trace_id and
// span_id from ctx, or the default logger unchanged when ctx has no span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
