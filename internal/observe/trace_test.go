package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider globally for the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestStartSpan_CallSpan(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "call")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 {
		t.Errorf("correlation ID %q, want 32 hex chars", cid)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "call" {
		t.Fatalf("spans = %v", spans)
	}
	if spans[0].InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", spans[0].InstrumentationScope.Name, tracerName)
	}
}

func TestLogger_AttachesSpan(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(context.Background(), "call")
	defer span.End()
	Logger(ctx).Info("call: open")

	out := buf.String()
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing span ids: %s", out)
	}
}

func TestLogger_PlainWithoutSpan(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("no span")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace_id: %s", buf.String())
	}
}

func TestStartCallSpan_TagsSpanAndLogs(t *testing.T) {
	exp := useTestTracer(t)
	buf := captureLogs(t)

	ctx, span := StartCallSpan(context.Background(), "c-42")
	Logger(ctx).Info("call: open")
	span.End()

	if got := CallID(ctx); got != "c-42" {
		t.Errorf("CallID = %q, want c-42", got)
	}
	if CallID(context.Background()) != "" {
		t.Error("CallID without a call span is not empty")
	}
	if !strings.Contains(buf.String(), "call_id=c-42") {
		t.Errorf("log line missing call_id: %s", buf.String())
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "call" {
		t.Fatalf("spans = %v", spans)
	}
	found := false
	for _, kv := range spans[0].Attributes {
		if kv.Key == AttrCallID && kv.Value.AsString() == "c-42" {
			found = true
		}
	}
	if !found {
		t.Errorf("span attributes %v lack %s", spans[0].Attributes, AttrCallID)
	}
}
