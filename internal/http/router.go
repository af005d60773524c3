package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Logger         *zap.Logger
	Limiter        *rate.Limiter // nil disables rate limiting
	RequestTimeout time.Duration
	InFlight       *InFlightTracker
	Metrics        http.Handler // served at /metrics when set
}

// NewRouter mounts the forecast, health and metrics routes. Rate limiting and the
// request timeout apply to /forecast only.
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := opts.InFlight
	if tracker == nil {
		tracker = &InFlightTracker{}
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(InFlightMiddleware(tracker))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	forecast := router.PathPrefix("/forecast").Subrouter()
	forecast.Use(RateLimitMiddleware(opts.Limiter))
	forecast.Use(TimeoutMiddleware(opts.RequestTimeout))
	forecast.HandleFunc("/{location}", h.GetForecast).Methods(http.MethodGet)
	return router
}
