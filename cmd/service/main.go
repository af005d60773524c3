package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/forecast-widget/internal/cache"
	"github.com/kjstillabower/forecast-widget/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-widget/internal/client"
	"github.com/kjstillabower/forecast-widget/internal/config"
	httphandler "github.com/kjstillabower/forecast-widget/internal/http"
	"github.com/kjstillabower/forecast-widget/internal/lifecycle"
	"github.com/kjstillabower/forecast-widget/internal/observability"
	"github.com/kjstillabower/forecast-widget/internal/resolver"
	"github.com/kjstillabower/forecast-widget/internal/service"
)

var version = "dev"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = observability.Flush(logger) }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	a.warm(cfg)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      a.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	lifecycle.SetPhase(lifecycle.PhaseServing)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetPhase(lifecycle.PhaseShuttingDown)
	a.stopWarming()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", a.inFlight.Count()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := a.inFlight.WaitForZero(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", a.inFlight.Count()))
	}

	if err := a.close(); err != nil {
		logger.Error("memcached close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// app is the wired service: router, in-flight tracker and the resources main
// releases on shutdown.
type app struct {
	router      http.Handler
	inFlight    *httphandler.InFlightTracker
	forecasts   *service.ForecastService
	memcached   *cache.MemcachedCache
	logger      *zap.Logger
	warmCtx     context.Context
	stopWarming context.CancelFunc
}

// newApp builds the client, cache, service and router described by cfg.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	omClient, err := client.NewOpenMeteoClient(client.Options{
		GeocodingURL:   cfg.GeocodingURL,
		ForecastURL:    cfg.ForecastURL,
		Timeout:        cfg.UpstreamTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("open-meteo client: %w", err)
	}

	if cfg.CircuitBreakerEnabled {
		for _, endpoint := range []string{client.EndpointGeocoding, client.EndpointForecast} {
			component := "open_meteo_" + endpoint
			omClient.SetCircuitBreaker(endpoint, circuitbreaker.New(circuitbreaker.Config{
				FailureThreshold: cfg.CircuitBreakerFailureThreshold,
				SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
				Timeout:          cfg.CircuitBreakerTimeout,
				Component:        component,
				IsFailure:        client.CountsAgainstCircuit,
				OnStateChange: func(component string, from, to circuitbreaker.State) {
					observability.RecordCircuitTransition(component, from.String(), to.String(), int(to))
					logger.Warn("circuit breaker transition",
						zap.String("component", component),
						zap.Stringer("from", from),
						zap.Stringer("to", to))
				},
			}))
			observability.CircuitBreakerState.WithLabelValues(component).Set(0)
		}
		logger.Info("circuit breakers enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	a := &app{inFlight: &httphandler.InFlightTracker{}, logger: logger}
	var forecastCache cache.Cache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.StaleCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("memcached cache: %w", err)
		}
		a.memcached = mc
		forecastCache = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		forecastCache = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	a.forecasts = service.NewForecastService(resolver.New(omClient, logger), forecastCache, service.Options{
		TTL:             cfg.CacheTTL,
		StaleTTL:        cfg.StaleCacheTTL,
		Coalesce:        cfg.CoalesceEnabled,
		CoalesceTimeout: cfg.CoalesceTimeout,
	}, logger)

	observability.RegisterRateLimitGauges(cfg.RateLimitWindow)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		Circuits:         omClient,
		Version:          version,
	}
	if a.memcached != nil {
		healthConfig.CachePing = a.memcached.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(a.forecasts, healthConfig, logger, cfg.LocationMinLength, cfg.LocationMaxLength)
	a.router = httphandler.NewRouter(handler, httphandler.RouterOptions{
		Logger:         logger,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		InFlight:       a.inFlight,
		Metrics:        observability.MetricsHandler(),
	})
	a.warmCtx, a.stopWarming = context.WithCancel(context.Background())
	return a, nil
}

// warm prefetches the tracked locations once, then periodically when configured.
func (a *app) warm(cfg *config.Config) {
	if !cfg.WarmCache || len(cfg.TrackedLocations) == 0 {
		return
	}
	warmer := cache.NewCacheWarmer(a.forecasts, a.logger)
	initCtx, initCancel := context.WithTimeout(a.warmCtx, 30*time.Second)
	if err := warmer.Warm(initCtx, cfg.TrackedLocations); err != nil {
		a.logger.Warn("cache warming failed", zap.Error(err))
	}
	initCancel()
	if cfg.WarmInterval > 0 {
		go func() {
			if err := warmer.WarmPeriodic(a.warmCtx, cfg.TrackedLocations, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
	}
}

// close stops warming and releases the memcached client, if any.
func (a *app) close() error {
	a.stopWarming()
	if a.memcached != nil {
		return a.memcached.Close()
	}
	return nil
}
