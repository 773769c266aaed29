package observe

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global provider
// for the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSpan_CreatesSpan(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "tick")
	if cid := CorrelationID(ctx); len(cid) != 32 {
		t.Errorf("correlation ID length = %d, want 32", len(cid))
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "tick" {
		t.Fatalf("spans = %v, want one span named tick", spans)
	}
}

func TestStartCommandSpan_Attributes(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartCommandSpan(context.Background(), "influence", "sess-1", "lead")
	span.End()
	_, span = StartCommandSpan(context.Background(), "start", "", "")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("len(spans) = %d, want 2", len(spans))
	}
	if spans[0].Name != "command influence" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "command influence")
	}
	got := make(map[string]string)
	for _, a := range spans[0].Attributes {
		got[string(a.Key)] = a.Value.AsString()
	}
	if got["cadenza.op"] != "influence" || got["cadenza.session"] != "sess-1" || got["cadenza.player"] != "lead" {
		t.Errorf("attributes = %v", got)
	}
	if n := len(spans[1].Attributes); n != 1 {
		t.Errorf("len(attributes) without session/player = %d, want 1", n)
	}
}

func TestLogger_IncludesTraceID(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "log-test")
	defer span.End()
	Logger(ctx).Info("test message")

	logged := buf.Bytes()
	if !bytes.Contains(logged, []byte("trace_id=")) || !bytes.Contains(logged, []byte("span_id=")) {
		t.Errorf("log output missing trace ids, got: %s", logged)
	}
}

func TestLogger_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("test message")

	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Errorf("log output should not contain trace_id, got: %s", buf.String())
	}
}
