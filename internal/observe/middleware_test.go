package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func statusRouter(m *Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"state":"ready"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	r.Get("/journal/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	return r
}

func TestMiddleware_RecordsRouteAndStatus(t *testing.T) {
	useTracer(t)
	m, reader := newTestMetrics(t)
	h := statusRouter(m)

	for _, path := range []string{"/status", "/readyz", "/journal/a1", "/journal/b2"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	met := findMetric(collect(t, reader), "tutorlink.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		status, _ := dp.Attributes.Value("status")
		counts[path.AsString()+" "+status.AsString()] += dp.Count
	}
	want := map[string]uint64{
		"/status 200":       1,
		"/readyz 503":       1,
		"/journal/{id} 404": 2,
	}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("count[%s] = %d, want %d (all: %v)", k, counts[k], v, counts)
		}
	}
}

func TestMiddleware_SpanNamedByRoute(t *testing.T) {
	exp := useTracer(t)
	m, _ := newTestMetrics(t)

	req := httptest.NewRequest(http.MethodGet, "/journal/a1", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	statusRouter(m).ServeHTTP(httptest.NewRecorder(), req)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "HTTP GET /journal/{id}" {
		t.Errorf("span name = %q", got.Name)
	}
	if tid := got.SpanContext.TraceID().String(); tid != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s, want the incoming traceparent's", tid)
	}
	if attrMap(got)["http.response.status_code"] != "404" {
		t.Errorf("status attribute = %q", attrMap(got)["http.response.status_code"])
	}
}
