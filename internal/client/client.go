package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kjstillabower/forecast-widget/internal/circuitbreaker"
	"github.com/kjstillabower/forecast-widget/internal/models"
	"github.com/kjstillabower/forecast-widget/internal/observability"
)

const (
	DefaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
	DefaultForecastURL  = "https://api.open-meteo.com/v1/forecast"

	EndpointGeocoding = "geocoding"
	EndpointForecast  = "forecast"

	dailyFields      = "weathercode,temperature_2m_max,temperature_2m_min"
	maxResponseBytes = 1 << 20
)

// Geocoder resolves a free-text place name to its first geocoding result.
type Geocoder interface {
	Geocode(ctx context.Context, name string) (models.GeoResult, error)
}

// Forecaster fetches the daily forecast series for a resolved place.
type Forecaster interface {
	Forecast(ctx context.Context, place models.GeoResult) (models.DailyForecast, error)
}

// WeatherClient is the full Open-Meteo surface used by the resolver.
type WeatherClient interface {
	Geocoder
	Forecaster
}

var (
	ErrLocationNotFound  = errors.New("location not found")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrBadRequest        = errors.New("bad request")
	ErrMalformedResponse = errors.New("malformed response")
)

// Options configures an OpenMeteoClient. Zero values fall back to defaults.
type Options struct {
	GeocodingURL   string
	ForecastURL    string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	HTTPClient     *http.Client
}

// OpenMeteoClient calls the Open-Meteo geocoding and forecast APIs. No API key is needed.
type OpenMeteoClient struct {
	geocodingURL   *url.URL
	forecastURL    *url.URL
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breakers       map[string]*circuitbreaker.CircuitBreaker
}

// NewOpenMeteoClient validates the endpoint URLs and returns a client.
func NewOpenMeteoClient(opts Options) (*OpenMeteoClient, error) {
	if opts.GeocodingURL == "" {
		opts.GeocodingURL = DefaultGeocodingURL
	}
	if opts.ForecastURL == "" {
		opts.ForecastURL = DefaultForecastURL
	}
	geoURL, err := parseEndpoint(opts.GeocodingURL)
	if err != nil {
		return nil, fmt.Errorf("geocoding url: %w", err)
	}
	fcURL, err := parseEndpoint(opts.ForecastURL)
	if err != nil {
		return nil, fmt.Errorf("forecast url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &OpenMeteoClient{
		geocodingURL:   geoURL,
		forecastURL:    fcURL,
		timeout:        opts.Timeout,
		client:         httpClient,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		breakers:       make(map[string]*circuitbreaker.CircuitBreaker),
	}, nil
}

func parseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return u, nil
}

// SetCircuitBreaker guards calls to endpoint (EndpointGeocoding or EndpointForecast).
// Call before the client is shared between goroutines.
func (c *OpenMeteoClient) SetCircuitBreaker(endpoint string, cb *circuitbreaker.CircuitBreaker) {
	c.breakers[endpoint] = cb
}

// CircuitStates returns the state of every configured breaker, keyed by endpoint.
func (c *OpenMeteoClient) CircuitStates() map[string]circuitbreaker.State {
	out := make(map[string]circuitbreaker.State, len(c.breakers))
	for endpoint, cb := range c.breakers {
		out[endpoint] = cb.State()
	}
	return out
}

type geocodingResponse struct {
	Results []struct {
		Latitude    float64 `json:"latitude"`
		Longitude   float64 `json:"longitude"`
		Timezone    string  `json:"timezone"`
		Name        string  `json:"name"`
		CountryCode string  `json:"country_code"`
	} `json:"results"`
}

type forecastResponse struct {
	Daily *struct {
		Time        []*string  `json:"time"`
		WeatherCode []*int     `json:"weathercode"`
		TempMax     []*float64 `json:"temperature_2m_max"`
		TempMin     []*float64 `json:"temperature_2m_min"`
	} `json:"daily"`
}

// Geocode returns the first geocoding result for name. A response without results
// yields ErrLocationNotFound.
func (c *OpenMeteoClient) Geocode(ctx context.Context, name string) (models.GeoResult, error) {
	params := url.Values{}
	params.Set("name", name)

	var resp geocodingResponse
	if err := c.getJSON(ctx, EndpointGeocoding, c.geocodingURL, params, &resp); err != nil {
		return models.GeoResult{}, err
	}
	if len(resp.Results) == 0 {
		return models.GeoResult{}, fmt.Errorf("%w: %q", ErrLocationNotFound, name)
	}

	first := resp.Results[0]
	return models.GeoResult{
		Latitude:    first.Latitude,
		Longitude:   first.Longitude,
		Timezone:    first.Timezone,
		Name:        first.Name,
		CountryCode: first.CountryCode,
	}, nil
}

// Forecast fetches the daily weather code and min/max temperature series for place.
func (c *OpenMeteoClient) Forecast(ctx context.Context, place models.GeoResult) (models.DailyForecast, error) {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(place.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(place.Longitude, 'f', -1, 64))
	if place.Timezone != "" {
		params.Set("timezone", place.Timezone)
	}
	params.Set("daily", dailyFields)

	var resp forecastResponse
	if err := c.getJSON(ctx, EndpointForecast, c.forecastURL, params, &resp); err != nil {
		return models.DailyForecast{}, err
	}
	if resp.Daily == nil {
		return models.DailyForecast{}, fmt.Errorf("%w: missing daily series", ErrMalformedResponse)
	}

	daily := models.DailyForecast{}
	var err error
	if daily.Dates, err = derefSeries("time", resp.Daily.Time); err != nil {
		return models.DailyForecast{}, err
	}
	if daily.WeatherCodes, err = derefSeries("weathercode", resp.Daily.WeatherCode); err != nil {
		return models.DailyForecast{}, err
	}
	if daily.TempMax, err = derefSeries("temperature_2m_max", resp.Daily.TempMax); err != nil {
		return models.DailyForecast{}, err
	}
	if daily.TempMin, err = derefSeries("temperature_2m_min", resp.Daily.TempMin); err != nil {
		return models.DailyForecast{}, err
	}
	if err := daily.Validate(); err != nil {
		return models.DailyForecast{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return daily, nil
}

// derefSeries copies a daily series. Open-Meteo reports days it has no data for
// as null; a null entry is malformed, never a zero value.
func derefSeries[T any](name string, in []*T) ([]T, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]T, len(in))
	for i, v := range in {
		if v == nil {
			return nil, fmt.Errorf("%w: null %s at index %d", ErrMalformedResponse, name, i)
		}
		out[i] = *v
	}
	return out, nil
}

// getJSON performs a GET with retry and decodes the body into out.
func (c *OpenMeteoClient) getJSON(ctx context.Context, endpoint string, base *url.URL, params url.Values, out any) error {
	u := *base
	u.RawQuery = params.Encode()
	target := u.String()

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(endpoint).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		err := c.guard(ctx, endpoint, func() error {
			return c.callAPI(ctx, endpoint, target, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return err
		}
	}
	if c.retryAttempts == 1 {
		return lastErr
	}
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *OpenMeteoClient) guard(ctx context.Context, endpoint string, fn func() error) error {
	cb, ok := c.breakers[endpoint]
	if !ok {
		return fn()
	}
	return cb.Call(ctx, fn)
}

func (c *OpenMeteoClient) callAPI(ctx context.Context, endpoint, target string, out any) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s request timeout: %w", endpoint, err)
		}
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.UpstreamDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("%s: %w", endpoint, err)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrMalformedResponse, endpoint, err)
	}
	return nil
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrLocationNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: HTTP %d", ErrBadRequest, resp.StatusCode)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
}

// isRetryable reports whether a failed call may succeed on a later attempt.
func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, circuitbreaker.ErrOpen):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamFailure):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *OpenMeteoClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
