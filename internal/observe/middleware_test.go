package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestServer(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)
	exp := useTestTracer(t)
	captureLogs(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /call", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /call/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	return Middleware(m)(mux), reader, exp
}

func hasAttr(set attribute.Set, key, want string) bool {
	v, ok := set.Value(attribute.Key(key))
	return ok && v.AsString() == want
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	h, _, exp := newTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/call", nil))

	cid := rec.Header().Get("X-Correlation-ID")
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if cid != spans[0].SpanContext.TraceID().String() {
		t.Errorf("X-Correlation-ID = %q, want span trace id", cid)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/call", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("X-Correlation-ID = %q", got)
	}
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	h, reader, exp := newTestServer(t)

	for _, path := range []string{"/call/start", "/nope"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "duplexvoice.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not recorded")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	routes := map[string]bool{}
	for _, dp := range hist.DataPoints {
		if !hasAttr(dp.Attributes, "method", http.MethodPost) {
			t.Errorf("data point without method: %v", dp.Attributes)
		}
		v, _ := dp.Attributes.Value("route")
		routes[v.AsString()] = true
	}
	if !routes["POST /call/start"] || !routes["unmatched"] {
		t.Errorf("routes = %v", routes)
	}

	spans := exp.GetSpans()
	if spans[0].Name != "HTTP POST /call/start" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusConflict {
		t.Errorf("span status code = %d, want 409", status)
	}
}
