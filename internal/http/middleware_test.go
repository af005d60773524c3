package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/forecast-widget/internal/models"
	"github.com/kjstillabower/forecast-widget/internal/observability"
	"github.com/kjstillabower/forecast-widget/internal/traffic"
)

// blockingGetter waits for ctx to end, or for release when set.
type blockingGetter struct {
	release chan struct{}
}

func (b *blockingGetter) GetForecast(ctx context.Context, location string) (models.Forecast, error) {
	select {
	case <-ctx.Done():
		return models.Forecast{}, ctx.Err()
	case <-b.release:
		return berlinForecast, nil
	}
}

func newTestRouter(getter ForecastGetter, opts RouterOptions) http.Handler {
	return NewRouter(NewHandler(getter, nil, opts.Logger, 0, 0), opts)
}

func get(h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestMiddleware_CorrelationIDGenerated(t *testing.T) {
	setServing(t)
	router := newTestRouter(&mockForecastGetter{forecast: berlinForecast}, RouterOptions{})

	w := get(router, "/forecast/Berlin", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Header().Get(CorrelationIDHeader) == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	setServing(t)
	router := newTestRouter(&mockForecastGetter{}, RouterOptions{})

	w := get(router, "/forecast/B", map[string]string{CorrelationIDHeader: "client-provided-id"})
	if got := w.Header().Get(CorrelationIDHeader); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
	var body errorBody
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Error.RequestID != "client-provided-id" {
		t.Errorf("requestId = %q, want client-provided-id", body.Error.RequestID)
	}
}

func TestMiddleware_RequestLoggerCarriesCorrelationID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	var seen string
	handler := CorrelationIDMiddleware(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationID(r.Context())
		observability.LoggerFrom(r.Context(), nil).Info("inside")
	}))

	get(handler, "/", map[string]string{CorrelationIDHeader: "abc"})
	if seen != "abc" {
		t.Errorf("correlation ID in context = %q, want abc", seen)
	}
	entries := logs.FilterMessage("inside").All()
	if len(entries) != 1 || entries[0].ContextMap()["correlation_id"] != "abc" {
		t.Errorf("log entries = %v, want correlation_id=abc", entries)
	}
}

func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	setServing(t)
	getter := &blockingGetter{release: make(chan struct{})}
	defer close(getter.release)
	router := newTestRouter(getter, RouterOptions{RequestTimeout: 50 * time.Millisecond})

	w := get(router, "/forecast/Berlin", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 after timeout", w.Code)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	setServing(t)
	router := newTestRouter(&mockForecastGetter{forecast: berlinForecast}, RouterOptions{Limiter: rate.NewLimiter(1, 2)})

	for i := 0; i < 3; i++ {
		w := get(router, "/forecast/Berlin", nil)
		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		var body errorBody
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode 429 response: %v", err)
		}
		if body.Error.Code != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", body.Error.Code)
		}
	}
	if got := traffic.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount() = %d, want 1", got)
	}
}

// TestRateLimitMiddleware_HealthNotLimited verifies the limiter only guards /forecast.
func TestRateLimitMiddleware_HealthNotLimited(t *testing.T) {
	setServing(t)
	router := newTestRouter(&mockForecastGetter{}, RouterOptions{Limiter: rate.NewLimiter(rate.Limit(0.001), 1)})
	for i := 0; i < 3; i++ {
		if w := get(router, "/health", nil); w.Code != http.StatusOK {
			t.Errorf("health %d: status = %d, want 200", i, w.Code)
		}
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	setServing(t)
	router := newTestRouter(&mockForecastGetter{forecast: berlinForecast}, RouterOptions{})
	for i := 0; i < 5; i++ {
		if w := get(router, "/forecast/Berlin", nil); w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i, w.Code)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	var label string
	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			label = routeLabel(r)
			next.ServeHTTP(w, r)
		})
	})
	router.HandleFunc("/forecast/{location}", func(http.ResponseWriter, *http.Request) {})

	get(router, "/forecast/Berlin", nil)
	if label != "/forecast/{location}" {
		t.Errorf("routeLabel() = %q, want route template", label)
	}
	if got := routeLabel(httptest.NewRequest(http.MethodGet, "/nowhere", nil)); got != "unmatched" {
		t.Errorf("routeLabel(unrouted) = %q, want unmatched", got)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	setServing(t)
	router := newTestRouter(&mockForecastGetter{}, RouterOptions{Metrics: observability.MetricsHandler()})
	if w := get(router, "/metrics", nil); w.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", w.Code)
	}
}

func TestStatusClass(t *testing.T) {
	for code, want := range map[int]string{200: "2xx", 404: "4xx", 429: "4xx", 503: "5xx"} {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
