package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/zip-weather-tracker/internal/client"
	"github.com/kjstillabower/zip-weather-tracker/internal/observability"
	"github.com/kjstillabower/zip-weather-tracker/internal/traffic"
)

func TestCorrelationIDMiddleware_GeneratesID(t *testing.T) {
	var seen string
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		seen = client.CorrelationID(r.Context())
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	header := w.Header().Get("X-Correlation-ID")
	if header == "" {
		t.Fatal("X-Correlation-ID header missing")
	}
	if seen != header {
		t.Errorf("context correlation id = %q, want header value %q", seen, header)
	}
}

func TestCorrelationIDMiddleware_PropagatesClientID(t *testing.T) {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
}

func TestCorrelationIDMiddleware_ScopedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.New(core)))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		observability.LoggerFromContext(r.Context(), nil).Info("inside handler")
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "abc")
	router.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("inside handler").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["correlation_id"]; got != "abc" {
		t.Errorf("correlation_id = %v, want abc", got)
	}
}

func TestMetricsMiddleware_PreservesStatus(t *testing.T) {
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/teapot", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
	if got := InFlightCount(); got != 0 {
		t.Errorf("InFlightCount() = %d after request, want 0", got)
	}
}

func TestMetricsMiddleware_CountsInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan int64, 1)
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		entered <- InFlightCount()
		<-release
	})

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))
		close(done)
	}()

	if got := <-entered; got < 1 {
		t.Errorf("InFlightCount() during request = %d, want >= 1", got)
	}
	close(release)
	<-done
}

func TestGetRoute(t *testing.T) {
	var route string
	router := mux.NewRouter()
	router.HandleFunc("/forecast/{zip}", func(w http.ResponseWriter, r *http.Request) {
		route = getRoute(r)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/forecast/90210", nil))

	if route != "/forecast/{zip}" {
		t.Errorf("getRoute() = %q, want /forecast/{zip}", route)
	}
}

func TestGetRoute_Unmatched(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	if got := getRoute(req); got != "unmatched" {
		t.Errorf("getRoute() = %q, want unmatched", got)
	}
}

func TestStatusCodeString(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{404, "4xx"},
		{429, "4xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		if got := statusCodeString(tt.code); got != tt.want {
			t.Errorf("statusCodeString(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestStatusRecorder_Unwrap(t *testing.T) {
	w := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	if rec.Unwrap() != w {
		t.Error("Unwrap() did not return the wrapped writer")
	}
	if err := http.NewResponseController(rec).Flush(); err != nil {
		t.Errorf("Flush() through statusRecorder error = %v", err)
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var hasDeadline bool
	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(time.Second))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	if !hasDeadline {
		t.Error("request context has no deadline")
	}
}

func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	var ctxErr error
	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(10 * time.Millisecond))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		ctxErr = r.Context().Err()
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	if ctxErr != context.DeadlineExceeded {
		t.Errorf("ctx.Err() = %v, want context.DeadlineExceeded", ctxErr)
	}
}

func TestTimeoutMiddleware_DisabledWhenZero(t *testing.T) {
	var hasDeadline bool
	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(0))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	if hasDeadline {
		t.Error("request context has a deadline with timeout disabled")
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	traffic.Reset()
	t.Cleanup(traffic.Reset)
	limiter := rate.NewLimiter(rate.Limit(1), 1)
	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(limiter))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/x", nil))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/x", nil))

	if first.Code != http.StatusOK {
		t.Errorf("first status = %d, want %d", first.Code, http.StatusOK)
	}
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want %d", second.Code, http.StatusTooManyRequests)
	}
	var resp map[string]map[string]string
	if err := json.NewDecoder(second.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if resp["error"]["code"] != "RATE_LIMITED" {
		t.Errorf("error code = %q, want RATE_LIMITED", resp["error"]["code"])
	}
	if got := traffic.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount() = %d, want 1", got)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(nil))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
}

// TestNewRouter_HealthBypassesRateLimit verifies only API routes consume the token bucket.
func TestNewRouter_HealthBypassesRateLimit(t *testing.T) {
	// Arrange
	traffic.Reset()
	t.Cleanup(traffic.Reset)
	s := newTestServer(t, &mockWeatherClient{})
	router := NewRouter(s.handler, zap.NewNop(), rate.NewLimiter(rate.Limit(0.001), 1), 0)
	get := func(path string) int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w.Code
	}

	// Act
	firstAPI := get("/locations")
	secondAPI := get("/locations")
	health := get("/health")
	metrics := get("/metrics")

	// Assert
	if firstAPI != http.StatusOK || secondAPI != http.StatusTooManyRequests {
		t.Errorf("API statuses = %d, %d; want 200, 429", firstAPI, secondAPI)
	}
	if health != http.StatusOK {
		t.Errorf("/health status = %d, want 200", health)
	}
	if metrics != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", metrics)
	}
}

// TestNewRouter_MetricsUseRouteTemplate verifies zips never appear as metric labels.
func TestNewRouter_MetricsUseRouteTemplate(t *testing.T) {
	// Arrange
	s := newTestServer(t, &mockWeatherClient{})
	s.do(t, http.MethodGet, "/forecast/90210", "")

	// Act
	w := s.do(t, http.MethodGet, "/metrics", "")

	// Assert
	body := w.Body.String()
	if !strings.Contains(body, `route="/forecast/{zip}"`) {
		t.Error("metrics missing the /forecast/{zip} route label")
	}
	if strings.Contains(body, `route="/forecast/90210"`) {
		t.Error("metrics contain a raw zip as a route label")
	}
}

func TestNewRouter_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &mockWeatherClient{})

	w := s.do(t, http.MethodPatch, "/locations", "")

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}
