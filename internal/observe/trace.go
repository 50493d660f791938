package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/duplexvoice"

// AttrCallID is the span attribute carrying the call ID.
const AttrCallID = attribute.Key("call.id")

type callIDKey struct{}

// Tracer returns the duplexvoice tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan starts the root span of one call and stores callID in the
// returned context, so [Logger] tags every line logged during the call.
func StartCallSpan(ctx context.Context, callID string) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, callIDKey{}, callID)
	return StartSpan(ctx, "call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrCallID.String(callID)),
	)
}

// CallID returns the call ID stored by [StartCallSpan], or "".
func CallID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none. The control API echoes it in the X-Correlation-ID header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger tagged with the call ID and the
// trace_id/span_id pair carried by ctx. A nil ctx yields the plain default
// logger.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if ctx == nil {
		return l
	}
	if id := CallID(ctx); id != "" {
		l = l.With(slog.String("call_id", id))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
