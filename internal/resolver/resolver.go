// Package resolver turns a free-text location into a daily forecast: geocode the
// name, take the first result, then fetch the forecast for its coordinates.
//
// Resolve never returns an error. Every failure is logged and yields the empty
// forecast, and progress is reported as Event values so that a renderer can show
// the loading indicator and the place name before the forecast arrives.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-widget/internal/client"
	"github.com/kjstillabower/forecast-widget/internal/models"
	"github.com/kjstillabower/forecast-widget/internal/observability"
)

// MinQueryLength is the shortest query that triggers a lookup.
const MinQueryLength = 2

// ErrQueryTooShort is returned by Lookup for queries below the minimum length.
var ErrQueryTooShort = errors.New("query too short")

// EventKind identifies what an Event carries.
type EventKind int

const (
	// EventCleared: the query is too short; the forecast must be cleared.
	EventCleared EventKind = iota
	// EventLoading: Loading toggled.
	EventLoading
	// EventPlace: the geocoded place is known.
	EventPlace
	// EventForecast: the daily series arrived.
	EventForecast
)

func (k EventKind) String() string {
	switch k {
	case EventCleared:
		return "cleared"
	case EventLoading:
		return "loading"
	case EventPlace:
		return "place"
	case EventForecast:
		return "forecast"
	default:
		return "unknown"
	}
}

// Event is one step of a resolution. Seq identifies the resolution that produced it.
type Event struct {
	Seq     uint64
	Kind    EventKind
	Query   string
	Loading bool
	Place   models.GeoResult
	Daily   models.DailyForecast
}

// DisplayName is the name shown for the resolved place.
func (e Event) DisplayName() string {
	return e.Place.Name
}

// Emitter receives events in order. It is called on the resolving goroutine.
type Emitter func(Event)

// Resolver runs the two-step geocode → forecast pipeline.
type Resolver struct {
	client client.WeatherClient
	logger *zap.Logger
	minLen int
	now    func() time.Time
}

// New returns a Resolver over c. A nil logger discards diagnostics.
func New(c client.WeatherClient, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		client: c,
		logger: logger,
		minLen: MinQueryLength,
		now:    time.Now,
	}
}

// TooShort reports whether query is below the lookup threshold.
func (r *Resolver) TooShort(query string) bool {
	return utf8.RuneCountInString(query) < r.minLen
}

// Lookup resolves query and returns the forecast or the first error. onPlace, when
// set, is called with the geocoded place before the forecast request starts.
func (r *Resolver) Lookup(ctx context.Context, query string, onPlace func(models.GeoResult)) (models.Forecast, error) {
	if r.TooShort(query) {
		return models.Forecast{}, ErrQueryTooShort
	}

	place, err := r.client.Geocode(ctx, query)
	if err != nil {
		return models.Forecast{}, fmt.Errorf("geocode %q: %w", query, err)
	}
	if onPlace != nil {
		onPlace(place)
	}

	daily, err := r.client.Forecast(ctx, place)
	if err != nil {
		return models.Forecast{}, fmt.Errorf("forecast for %s: %w", place.Name, err)
	}

	return models.Forecast{
		Query:     query,
		Place:     place,
		Daily:     daily,
		Timestamp: r.now(),
	}, nil
}

// Resolve runs the pipeline for query and returns the forecast, or the empty
// forecast on any failure. Short queries emit EventCleared and make no request.
// Otherwise Loading(true) is emitted first and Loading(false) exactly once last.
func (r *Resolver) Resolve(ctx context.Context, seq uint64, query string, emit Emitter) models.Forecast {
	if emit == nil {
		emit = func(Event) {}
	}
	if r.TooShort(query) {
		observability.ResolutionsTotal.WithLabelValues("cleared").Inc()
		emit(Event{Seq: seq, Kind: EventCleared, Query: query})
		return models.Forecast{}
	}

	emit(Event{Seq: seq, Kind: EventLoading, Query: query, Loading: true})
	defer emit(Event{Seq: seq, Kind: EventLoading, Query: query, Loading: false})

	start := time.Now()
	forecast, err := r.Lookup(ctx, query, func(place models.GeoResult) {
		emit(Event{Seq: seq, Kind: EventPlace, Query: query, Place: place})
	})
	if err != nil {
		r.logFailure(ctx, seq, query, err)
		return models.Forecast{}
	}

	observability.ResolutionsTotal.WithLabelValues("success").Inc()
	observability.LoggerFrom(ctx, r.logger).Debug("forecast resolved",
		zap.Uint64("seq", seq),
		zap.String("query", query),
		zap.String("place", forecast.Place.Name),
		zap.Int("days", forecast.Daily.Len()),
		zap.Duration("duration", time.Since(start)))

	emit(Event{Seq: seq, Kind: EventForecast, Query: query, Place: forecast.Place, Daily: forecast.Daily})
	return forecast
}

func (r *Resolver) logFailure(ctx context.Context, seq uint64, query string, err error) {
	category := client.CategorizeError(err)
	observability.ResolutionsTotal.WithLabelValues(string(category)).Inc()

	logger := observability.LoggerFrom(ctx, r.logger)
	fields := []zap.Field{
		zap.Uint64("seq", seq),
		zap.String("query", query),
		zap.String("error_category", string(category)),
		zap.Error(err),
	}
	if category == client.ErrorCategoryCanceled {
		logger.Debug("resolution canceled", fields...)
		return
	}
	logger.Warn("resolution failed", fields...)
}
