package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/forecast-widget/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-widget/internal/client"
	"github.com/kjstillabower/forecast-widget/internal/lifecycle"
	"github.com/kjstillabower/forecast-widget/internal/models"
	"github.com/kjstillabower/forecast-widget/internal/resolver"
	"github.com/kjstillabower/forecast-widget/internal/traffic"
)

type mockForecastGetter struct {
	forecast models.Forecast
	err      error
	got      string
}

func (m *mockForecastGetter) GetForecast(ctx context.Context, location string) (models.Forecast, error) {
	m.got = location
	if m.err != nil {
		return models.Forecast{}, m.err
	}
	return m.forecast, nil
}

type fixedCircuits map[string]circuitbreaker.State

func (f fixedCircuits) CircuitStates() map[string]circuitbreaker.State { return f }

var berlinForecast = models.Forecast{
	Place: models.GeoResult{Latitude: 52.52, Longitude: 13.41, Timezone: "Europe/Berlin", Name: "Berlin", CountryCode: "DE"},
	Daily: models.DailyForecast{
		Dates:        []string{"2023-08-01", "2023-08-02"},
		WeatherCodes: []int{0, 61},
		TempMax:      []float64{24.3, 21.0},
		TempMin:      []float64{13.7, 12.1},
	},
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

// serve routes a single request to h without the middleware chain.
func serve(h *Handler, path string) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	router.HandleFunc("/forecast/{location}", h.GetForecast)
	router.HandleFunc("/health", h.GetHealth)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func setServing(t *testing.T) {
	t.Helper()
	lifecycle.SetPhase(lifecycle.PhaseServing)
	traffic.Reset()
	t.Cleanup(func() {
		lifecycle.SetPhase(lifecycle.PhaseStarting)
		traffic.Reset()
	})
}

func TestHandler_GetForecast_Success(t *testing.T) {
	setServing(t)
	svc := &mockForecastGetter{forecast: berlinForecast}
	h := NewHandler(svc, nil, nil, 0, 0)

	w := serve(h, "/forecast/Berlin")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp forecastResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Location != "Berlin" || resp.DisplayName != "Berlin" || resp.CountryCode != "DE" || resp.Timezone != "Europe/Berlin" {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Days) != 2 {
		t.Fatalf("days = %d, want 2", len(resp.Days))
	}
	want := models.DayCard{Date: "2023-08-01", Weekday: "Tue", Icon: "☀️", WeatherCode: 0, Min: 13, Max: 25}
	if resp.Days[0] != want {
		t.Errorf("days[0] = %+v, want %+v", resp.Days[0], want)
	}
	if resp.Days[1].Icon != "🌦" || resp.Days[1].Min != 12 || resp.Days[1].Max != 21 {
		t.Errorf("days[1] = %+v", resp.Days[1])
	}
}

func TestHandler_GetForecast_CachedAndStaleFlags(t *testing.T) {
	setServing(t)
	f := berlinForecast
	f.Cached, f.Stale = true, true
	w := serve(NewHandler(&mockForecastGetter{forecast: f}, nil, nil, 0, 0), "/forecast/Berlin")

	var resp forecastResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Cached || !resp.Stale {
		t.Errorf("cached=%v stale=%v, want both true", resp.Cached, resp.Stale)
	}
}

func TestHandler_GetForecast_InvalidLocation(t *testing.T) {
	setServing(t)
	tests := []struct {
		name string
		path string
	}{
		{"too short", "/forecast/B"},
		{"whitespace", "/forecast/%20%20"},
		{"bad chars", "/forecast/Berlin%3B1"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockForecastGetter{forecast: berlinForecast}
			w := serve(NewHandler(svc, nil, nil, 0, 0), tc.path)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var body errorBody
			_ = json.NewDecoder(w.Body).Decode(&body)
			if body.Error.Code != "INVALID_LOCATION" {
				t.Errorf("code = %q, want INVALID_LOCATION", body.Error.Code)
			}
			if svc.got != "" {
				t.Errorf("service called with %q, want no call", svc.got)
			}
		})
	}
}

func TestHandler_GetForecast_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantErrors int
	}{
		{"not found", fmt.Errorf("geocode: %w", client.ErrLocationNotFound), http.StatusNotFound, "LOCATION_NOT_FOUND", 0},
		{"upstream", client.ErrUpstreamFailure, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", 1},
		{"circuit open", circuitbreaker.ErrOpen, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", 1},
		{"timeout", context.DeadlineExceeded, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", 1},
		{"query too short", fmt.Errorf("lookup: %w", resolver.ErrQueryTooShort), http.StatusBadRequest, "INVALID_LOCATION", 0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			setServing(t)
			w := serve(NewHandler(&mockForecastGetter{err: tc.err}, nil, nil, 0, 0), "/forecast/Berlin")
			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			var body errorBody
			_ = json.NewDecoder(w.Body).Decode(&body)
			if body.Error.Code != tc.wantCode {
				t.Errorf("code = %q, want %q", body.Error.Code, tc.wantCode)
			}
			if errs, _ := traffic.ErrorRate(time.Minute); errs != tc.wantErrors {
				t.Errorf("recorded errors = %d, want %d", errs, tc.wantErrors)
			}
		})
	}
}

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return resp
}

func TestHandler_GetHealth_Healthy(t *testing.T) {
	setServing(t)
	h := NewHandler(&mockForecastGetter{}, &HealthConfig{Version: "1.2.3"}, nil, 0, 0)
	w := serve(h, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decodeHealth(t, w)
	if resp["status"] != "healthy" || resp["service"] != "forecast-widget" || resp["version"] != "1.2.3" {
		t.Errorf("health = %v", resp)
	}
}

func TestHandler_GetHealth_Phases(t *testing.T) {
	tests := []struct {
		phase lifecycle.Phase
		want  string
	}{
		{lifecycle.PhaseStarting, "starting"},
		{lifecycle.PhaseShuttingDown, "shutting-down"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.want, func(t *testing.T) {
			setServing(t)
			lifecycle.SetPhase(tc.phase)
			// Shutting down wins over every other condition.
			cfg := &HealthConfig{Circuits: fixedCircuits{"forecast": circuitbreaker.StateOpen}}
			w := serve(NewHandler(&mockForecastGetter{}, cfg, nil, 0, 0), "/health")
			if w.Code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", w.Code)
			}
			if got := decodeHealth(t, w)["status"]; got != tc.want {
				t.Errorf("status = %v, want %s", got, tc.want)
			}
		})
	}
}

func TestHandler_GetHealth_CircuitOpen(t *testing.T) {
	setServing(t)
	cfg := &HealthConfig{Circuits: fixedCircuits{
		client.EndpointGeocoding: circuitbreaker.StateClosed,
		client.EndpointForecast:  circuitbreaker.StateOpen,
	}}
	w := serve(NewHandler(&mockForecastGetter{}, cfg, nil, 0, 0), "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	resp := decodeHealth(t, w)
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
	checks := resp["checks"].(map[string]any)
	if checks["openMeteo"] != "unhealthy" {
		t.Errorf("checks = %v, want openMeteo unhealthy", checks)
	}
}

func TestHandler_GetHealth_CachePing(t *testing.T) {
	setServing(t)
	cfg := &HealthConfig{CachePing: func() error { return errors.New("dial tcp: refused") }}
	w := serve(NewHandler(&mockForecastGetter{}, cfg, nil, 0, 0), "/health")
	checks := decodeHealth(t, w)["checks"].(map[string]any)
	if checks["cache"] != "unhealthy" {
		t.Errorf("checks = %v, want cache unhealthy", checks)
	}
}

func TestHandler_GetHealth_ErrorRateThreshold(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		errors    int
		want      string
	}{
		{"below threshold", 3, 1, "healthy"},
		{"at threshold", 1, 1, "degraded"},
		{"no traffic", 0, 0, "healthy"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			setServing(t)
			for i := 0; i < tc.successes; i++ {
				traffic.RecordSuccess()
			}
			for i := 0; i < tc.errors; i++ {
				traffic.RecordError()
			}
			cfg := &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}
			w := serve(NewHandler(&mockForecastGetter{}, cfg, nil, 0, 0), "/health")
			if got := decodeHealth(t, w)["status"]; got != tc.want {
				t.Errorf("status = %v, want %s", got, tc.want)
			}
		})
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	setServing(t)
	core, logs := observer.New(zap.DebugLevel)
	cfg := &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}
	h := NewHandler(&mockForecastGetter{}, cfg, zap.New(core), 0, 0)

	traffic.RecordSuccess()
	traffic.RecordSuccess()
	if w := serve(h, "/health"); w.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", w.Code)
	}
	if logs.Len() != 0 {
		t.Fatalf("first call logged %d entries, want none", logs.Len())
	}

	traffic.RecordError()
	traffic.RecordError()
	if w := serve(h, "/health"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("second status = %d, want 503", w.Code)
	}
	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "error_rate_breach" {
		t.Errorf("transition fields = %v", fields)
	}

	serve(h, "/health")
	if logs.Len() != 1 {
		t.Errorf("unchanged status logged again; total = %d", logs.Len())
	}
}
