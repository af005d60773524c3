package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/forecast-widget/internal/cache"
	"github.com/kjstillabower/forecast-widget/internal/client"
	"github.com/kjstillabower/forecast-widget/internal/models"
	"github.com/kjstillabower/forecast-widget/internal/observability"
	"github.com/kjstillabower/forecast-widget/internal/resolver"
)

// Lookuper resolves a location query to a forecast. *resolver.Resolver implements it.
type Lookuper interface {
	Lookup(ctx context.Context, query string, onPlace func(models.GeoResult)) (models.Forecast, error)
}

// Options configures a ForecastService.
type Options struct {
	// TTL is how long a resolved forecast is served from cache.
	TTL time.Duration
	// StaleTTL is the maximum age of a cached forecast served after an upstream
	// failure. Zero disables stale fallback.
	StaleTTL time.Duration
	// Coalesce shares one upstream lookup among concurrent misses for the same key.
	Coalesce bool
	// CoalesceTimeout bounds a shared lookup, which does not inherit any single
	// caller's cancellation.
	CoalesceTimeout time.Duration
}

// ForecastService serves forecasts cache-aside over a Lookuper.
type ForecastService struct {
	lookup Lookuper
	cache  cache.Cache
	opts   Options
	logger *zap.Logger
	group  singleflight.Group
	now    func() time.Time
}

// NewForecastService creates a ForecastService. A nil logger discards output.
func NewForecastService(lookup Lookuper, c cache.Cache, opts Options, logger *zap.Logger) *ForecastService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CoalesceTimeout <= 0 {
		opts.CoalesceTimeout = 10 * time.Second
	}
	return &ForecastService{
		lookup: lookup,
		cache:  c,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// GetForecast returns the forecast for location. Cache hits are marked Cached; a
// forecast served after an upstream failure is marked Stale.
func (s *ForecastService) GetForecast(ctx context.Context, location string) (models.Forecast, error) {
	key := normalizeLocation(location)
	start := s.now()
	logger := observability.LoggerFrom(ctx, s.logger)
	observability.RecordForecastQuery(key)

	cached, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		logger.Warn("cache get failed", zap.String("location", key), zap.Error(err))
	case ok:
		observability.CacheHitsTotal.Inc()
		logger.Debug("forecast served", zap.String("location", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		cached.Cached = true
		return cached, nil
	}
	observability.CacheMissesTotal.Inc()

	forecast, upstreamErr := s.fetch(ctx, key, strings.TrimSpace(location))
	if upstreamErr != nil {
		if stale, ok := s.staleFallback(ctx, key, upstreamErr); ok {
			return stale, nil
		}
		return models.Forecast{}, fmt.Errorf("forecast for %s: %w", key, upstreamErr)
	}

	if err := s.cache.Set(ctx, key, forecast, s.opts.TTL); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		logger.Warn("cache set failed", zap.String("location", key), zap.Error(err))
	}
	logger.Debug("forecast served", zap.String("location", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return forecast, nil
}

// fetch looks up query as typed, sharing the lookup with concurrent callers for the
// same key when coalescing is enabled. A caller whose ctx ends stops waiting; the
// shared lookup carries on for the others.
func (s *ForecastService) fetch(ctx context.Context, key, query string) (models.Forecast, error) {
	if !s.opts.Coalesce {
		return s.lookup.Lookup(ctx, query, nil)
	}

	ch := s.group.DoChan(key, func() (any, error) {
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CoalesceTimeout)
		defer cancel()
		return s.lookup.Lookup(sharedCtx, query, nil)
	})
	select {
	case <-ctx.Done():
		return models.Forecast{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			observability.CoalescedLookupsTotal.Inc()
		}
		if res.Err != nil {
			return models.Forecast{}, res.Err
		}
		return res.Val.(models.Forecast), nil
	}
}

// staleFallback returns a cached forecast within StaleTTL when err is an upstream
// failure. Not-found and invalid queries are never masked.
func (s *ForecastService) staleFallback(ctx context.Context, key string, err error) (models.Forecast, bool) {
	if s.opts.StaleTTL <= 0 || !servableStale(err) {
		return models.Forecast{}, false
	}
	stale, ok, cacheErr := s.cache.GetStale(ctx, key, s.opts.StaleTTL)
	if cacheErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("get_stale").Inc()
		return models.Forecast{}, false
	}
	if !ok {
		return models.Forecast{}, false
	}
	observability.StaleCacheServesTotal.Inc()
	observability.LoggerFrom(ctx, s.logger).Info("serving stale cache",
		zap.String("location", key),
		zap.Duration("age", s.now().Sub(stale.Timestamp)),
		zap.String("error_category", string(client.CategorizeError(err))))
	stale.Stale = true
	stale.Cached = true
	return stale, true
}

func servableStale(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, resolver.ErrQueryTooShort) {
		return false
	}
	switch client.CategorizeError(err) {
	case client.ErrorCategoryLocationNotFound, client.ErrorCategoryBadRequest:
		return false
	}
	return true
}

// normalizeLocation trims and lowercases a location so equivalent inputs share a cache key.
func normalizeLocation(location string) string {
	return strings.ToLower(strings.TrimSpace(location))
}
