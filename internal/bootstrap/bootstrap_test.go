package bootstrap_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/tutorlink/internal/bootstrap"
	"github.com/MrWong99/tutorlink/internal/observe"
	"github.com/MrWong99/tutorlink/internal/resilience"
)

const conversationID = "9b2d7c4e-3f1a-4b8e-9c6d-2a5f8e1b7d30"

var cardiology = bootstrap.Request{SpecialtyFocus: "cardiology", SessionType: "oral_exam"}

// apiServer answers every create request with status and body, counting hits.
func apiServer(t *testing.T, status int, body any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/api/conversations" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req bootstrap.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req != cardiology {
			t.Errorf("request = %+v, want %+v", req, cardiology)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestCreate_Success(t *testing.T) {
	t.Parallel()
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]string{"conversationId": conversationID})
	}))
	defer srv.Close()

	c, err := bootstrap.New(srv.URL+"/", resilience.CircuitBreakerConfig{}, bootstrap.WithAPIKey("secret"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := c.Create(context.Background(), cardiology)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != conversationID {
		t.Errorf("id = %q, want %q", id, conversationID)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestCreate_ValidatesLocally(t *testing.T) {
	t.Parallel()
	srv, hits := apiServer(t, http.StatusOK, nil)
	c, _ := bootstrap.New(srv.URL, resilience.CircuitBreakerConfig{})

	_, err := c.Create(context.Background(), bootstrap.Request{SessionType: "oral_exam"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if hits.Load() != 0 {
		t.Errorf("server hit %d times for an invalid request", hits.Load())
	}
}

func TestCreate_RejectsNonV4ID(t *testing.T) {
	t.Parallel()
	srv, _ := apiServer(t, http.StatusOK, map[string]string{"conversationId": "6ba7b810-9dad-11d1-80b4-00c04fd430c8"})
	c, _ := bootstrap.New(srv.URL, resilience.CircuitBreakerConfig{})

	_, err := c.Create(context.Background(), cardiology)
	if !errors.Is(err, bootstrap.ErrInvalidResponse) {
		t.Fatalf("err = %v, want ErrInvalidResponse", err)
	}
}

func TestCreate_ClientErrorDoesNotFailOver(t *testing.T) {
	t.Parallel()
	primary, primaryHits := apiServer(t, http.StatusUnprocessableEntity, map[string]string{"error": "unknown specialty"})
	secondary, secondaryHits := apiServer(t, http.StatusOK, map[string]string{"conversationId": conversationID})

	c, _ := bootstrap.New(primary.URL, resilience.CircuitBreakerConfig{MaxFailures: 1}, bootstrap.WithFallbacks(secondary.URL))
	for range 3 {
		_, err := c.Create(context.Background(), cardiology)
		var se *bootstrap.StatusError
		if !errors.As(err, &se) || se.Code != http.StatusUnprocessableEntity {
			t.Fatalf("err = %v, want 422 StatusError", err)
		}
	}
	if primaryHits.Load() != 3 {
		t.Errorf("primary hits = %d, want 3 (breaker must stay closed)", primaryHits.Load())
	}
	if secondaryHits.Load() != 0 {
		t.Errorf("secondary hits = %d, want 0", secondaryHits.Load())
	}
}

func TestCreate_ServerErrorFailsOver(t *testing.T) {
	t.Parallel()
	primary, primaryHits := apiServer(t, http.StatusServiceUnavailable, nil)
	secondary, _ := apiServer(t, http.StatusCreated, map[string]string{"conversationId": conversationID})

	c, _ := bootstrap.New(primary.URL, resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
		bootstrap.WithFallbacks(secondary.URL))

	for range 3 {
		id, err := c.Create(context.Background(), cardiology)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if id != conversationID {
			t.Errorf("id = %q", id)
		}
	}
	// The primary's breaker opens after two failures and is skipped after.
	if primaryHits.Load() != 2 {
		t.Errorf("primary hits = %d, want 2", primaryHits.Load())
	}
}

func TestCreate_CircuitOpen(t *testing.T) {
	t.Parallel()
	srv, hits := apiServer(t, http.StatusInternalServerError, nil)
	c, _ := bootstrap.New(srv.URL, resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})

	if _, err := c.Create(context.Background(), cardiology); !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("first err = %v, want ErrAllFailed", err)
	}
	_, err := c.Create(context.Background(), cardiology)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("second err = %v, want ErrCircuitOpen", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestCreate_RecordsDuration(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	srv, _ := apiServer(t, http.StatusOK, map[string]string{"conversationId": conversationID})
	c, _ := bootstrap.New(srv.URL, resilience.CircuitBreakerConfig{}, bootstrap.WithMetrics(m))

	if _, err := c.Create(context.Background(), cardiology); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "tutorlink.bootstrap.duration" {
				continue
			}
			h, ok := md.Data.(metricdata.Histogram[float64])
			if !ok || len(h.DataPoints) != 1 || h.DataPoints[0].Count != 1 {
				t.Fatalf("histogram = %+v", md.Data)
			}
			if v, _ := h.DataPoints[0].Attributes.Value("status"); v.AsString() != "ok" {
				t.Errorf("status attribute = %q, want ok", v.AsString())
			}
			return
		}
	}
	t.Fatal("tutorlink.bootstrap.duration not recorded")
}

func TestNew_RequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := bootstrap.New("", resilience.CircuitBreakerConfig{}); err == nil {
		t.Error("New with empty base url succeeded")
	}
}
