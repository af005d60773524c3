package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-widget/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-widget/internal/client"
	"github.com/kjstillabower/forecast-widget/internal/lifecycle"
	"github.com/kjstillabower/forecast-widget/internal/models"
	"github.com/kjstillabower/forecast-widget/internal/observability"
	"github.com/kjstillabower/forecast-widget/internal/present"
	"github.com/kjstillabower/forecast-widget/internal/resolver"
	"github.com/kjstillabower/forecast-widget/internal/traffic"
	"github.com/kjstillabower/forecast-widget/internal/validation"
)

// ForecastGetter is the service behind GET /forecast/{location}.
type ForecastGetter interface {
	GetForecast(ctx context.Context, location string) (models.Forecast, error)
}

// CircuitReporter exposes upstream circuit breaker states by endpoint.
type CircuitReporter interface {
	CircuitStates() map[string]circuitbreaker.State
}

// HealthConfig holds thresholds and probes for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// Circuits, when set, reports degraded while any upstream circuit is open.
	Circuits CircuitReporter
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	Version   string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	forecasts    ForecastGetter
	healthConfig *HealthConfig
	logger       *zap.Logger
	minLen       int
	maxLen       int

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. minLen and maxLen bound location length;
// non-positive values take the validation defaults.
func NewHandler(forecasts ForecastGetter, healthConfig *HealthConfig, logger *zap.Logger, minLen, maxLen int) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		forecasts:    forecasts,
		healthConfig: healthConfig,
		logger:       logger,
		minLen:       minLen,
		maxLen:       maxLen,
	}
}

type forecastResponse struct {
	Location    string           `json:"location"`
	DisplayName string           `json:"displayName"`
	CountryCode string           `json:"countryCode"`
	Timezone    string           `json:"timezone"`
	Cached      bool             `json:"cached"`
	Stale       bool             `json:"stale"`
	Days        []models.DayCard `json:"days"`
}

// GetForecast handles GET /forecast/{location}.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	location, err := validation.ValidateLocation(mux.Vars(r)["location"], h.minLen, h.maxLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}

	forecast, err := h.forecasts.GetForecast(r.Context(), location)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, forecastResponse{
		Location:    location,
		DisplayName: forecast.Place.Name,
		CountryCode: forecast.Place.CountryCode,
		Timezone:    forecast.Place.Timezone,
		Cached:      forecast.Cached,
		Stale:       forecast.Stale,
		Days:        present.Cards(forecast.Daily),
	})
}

// writeServiceError maps service errors to responses. Too-short queries and unknown
// locations are the caller's problem and do not count toward the degraded error rate.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFrom(r.Context(), h.logger)
	if errors.Is(err, resolver.ErrQueryTooShort) {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}
	if errors.Is(err, client.ErrLocationNotFound) {
		traffic.RecordSuccess()
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "No location matches the query")
		return
	}
	traffic.RecordError()
	logger.Debug("upstream error",
		zap.String("error_category", string(client.CategorizeError(err))),
		zap.Error(err))
	writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch forecast")
}

type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"openMeteo": "healthy"}
	if result.reason == "circuit_open" || result.reason == "error_rate_breach" {
		checks["openMeteo"] = "unhealthy"
	}
	version := "dev"
	if h.healthConfig != nil {
		if h.healthConfig.CachePing != nil {
			checks["cache"] = "healthy"
			if h.healthConfig.CachePing() != nil {
				checks["cache"] = "unhealthy"
			}
		}
		if h.healthConfig.Version != "" {
			version = h.healthConfig.Version
		}
	}
	writeJSON(w, result.statusCode, map[string]any{
		"status":    result.status,
		"service":   "forecast-widget",
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates, in order: lifecycle phase, open circuits, error
// rate. The first condition that holds decides the status.
func (h *Handler) computeHealthStatus() healthResult {
	switch lifecycle.CurrentPhase() {
	case lifecycle.PhaseShuttingDown:
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	case lifecycle.PhaseStarting:
		return healthResult{"starting", http.StatusServiceUnavailable, "startup"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.healthConfig.Circuits != nil {
		for _, state := range h.healthConfig.Circuits.CircuitStates() {
			if state == circuitbreaker.StateOpen {
				return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}
			}
		}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 && errs*100 >= h.healthConfig.DegradedErrorPct*total {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body, echoing the correlation ID as requestId.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}
