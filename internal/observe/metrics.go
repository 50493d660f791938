// Package observe provides application-wide observability primitives for the
// duplex voice client: OpenTelemetry metrics, call tracing, structured logging
// and HTTP middleware for the control surface.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped from
// /metrics through the Prometheus exporter set up by [InitProvider]. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all duplexvoice metrics.
const meterName = "github.com/MrWong99/duplexvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Voice activity ---

	// VADTransitions counts detector state changes. Use with attribute:
	//   attribute.String("to", "talking"|"idle")
	VADTransitions metric.Int64Counter

	// StaleTimers counts late stop-timer firings that were ignored because
	// the timer had been cancelled or the call torn down.
	StaleTimers metric.Int64Counter

	// --- Capture ---

	// Segments counts finalized capture segments. Use with attribute:
	//   attribute.String("outcome", "sent"|"discarded"|"empty")
	Segments metric.Int64Counter

	// SegmentBytes tracks the size of segments handed to the transport.
	SegmentBytes metric.Int64Histogram

	// --- Playback ---

	// PlaybackRenders counts inbound segments handed to the renderer. Use
	// with attribute:
	//   attribute.String("status", "ok"|"decode_error")
	PlaybackRenders metric.Int64Counter

	// SuppressionDuration tracks how long capture was gated by playback.
	SuppressionDuration metric.Float64Histogram

	// --- Calls ---

	// ActiveCalls tracks the number of open calls (0 or 1).
	ActiveCalls metric.Int64UpDownCounter

	// CallDuration tracks call length from open to teardown.
	CallDuration metric.Float64Histogram

	// CallErrors counts session-ending errors. Use with attribute:
	//   attribute.String("kind", "permission_denied"|"transport")
	CallErrors metric.Int64Counter

	// TransportNotices counts structured error notices from the remote side.
	TransportNotices metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// playbackBuckets defines histogram bucket boundaries (in seconds) for
// suppression windows, which span a single remote utterance.
var playbackBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// callBuckets defines histogram bucket boundaries (in seconds) for the length
// of a whole call.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Voice activity.
	if met.VADTransitions, err = m.Int64Counter("duplexvoice.vad.transitions",
		metric.WithDescription("Voice activity detector state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.StaleTimers, err = m.Int64Counter("duplexvoice.vad.stale_timers",
		metric.WithDescription("Stop-timer firings ignored because they were stale."),
	); err != nil {
		return nil, err
	}

	// Capture.
	if met.Segments, err = m.Int64Counter("duplexvoice.capture.segments",
		metric.WithDescription("Finalized capture segments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SegmentBytes, err = m.Int64Histogram("duplexvoice.capture.segment.size",
		metric.WithDescription("Size of uploaded capture segments."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackRenders, err = m.Int64Counter("duplexvoice.playback.renders",
		metric.WithDescription("Inbound segments rendered by status."),
	); err != nil {
		return nil, err
	}
	if met.SuppressionDuration, err = m.Float64Histogram("duplexvoice.playback.suppression.duration",
		metric.WithDescription("Time capture stayed suppressed by playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(playbackBuckets...),
	); err != nil {
		return nil, err
	}

	// Calls.
	if met.ActiveCalls, err = m.Int64UpDownCounter("duplexvoice.active_calls",
		metric.WithDescription("Number of open calls."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("duplexvoice.call.duration",
		metric.WithDescription("Length of a call from open to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallErrors, err = m.Int64Counter("duplexvoice.call.errors",
		metric.WithDescription("Session-ending errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.TransportNotices, err = m.Int64Counter("duplexvoice.transport.notices",
		metric.WithDescription("Structured error notices received from the remote side."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("duplexvoice.http.request.duration",
		metric.WithDescription("Control API request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordVADTransition records a detector transition into state ("talking" or
// "idle").
func (m *Metrics) RecordVADTransition(ctx context.Context, to string) {
	m.VADTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}

// RecordSegment records a finalized capture segment. size is only recorded
// for segments that were sent.
func (m *Metrics) RecordSegment(ctx context.Context, outcome string, size int) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "sent" {
		m.SegmentBytes.Record(ctx, int64(size))
	}
}

// RecordRender records one playback render attempt.
func (m *Metrics) RecordRender(ctx context.Context, status string) {
	m.PlaybackRenders.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCallError records a session-ending error.
func (m *Metrics) RecordCallError(ctx context.Context, kind string) {
	m.CallErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
