package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/forecast-widget/internal/client"
	"github.com/kjstillabower/forecast-widget/internal/models"
)

type mockLookuper struct {
	forecast models.Forecast
	err      error
	calls    atomic.Int32
	// gate, when set, blocks every lookup until closed.
	gate chan struct{}
	// queries records the query each call received.
	mu      sync.Mutex
	queries []string
}

func (m *mockLookuper) Lookup(ctx context.Context, query string, onPlace func(models.GeoResult)) (models.Forecast, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return models.Forecast{}, ctx.Err()
		}
	}
	if m.err != nil {
		return models.Forecast{}, m.err
	}
	out := m.forecast
	out.Query = query
	return out, nil
}

type mockCache struct {
	mu        sync.Mutex
	data      map[string]models.Forecast
	staleData map[string]models.Forecast // expired entries still available to GetStale
	err       error
}

func (m *mockCache) Get(ctx context.Context, key string) (models.Forecast, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.Forecast{}, false, m.err
	}
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *mockCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Forecast, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.Forecast{}, false, m.err
	}
	stale, ok := m.staleData[key]
	if !ok || time.Since(stale.Timestamp) > maxStaleAge {
		return models.Forecast{}, false, nil
	}
	return stale, true, nil
}

func (m *mockCache) Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = make(map[string]models.Forecast)
	}
	m.data[key] = value
	return nil
}

func berlinForecast(at time.Time) models.Forecast {
	return models.Forecast{
		Place: models.GeoResult{Latitude: 52.52, Longitude: 13.41, Timezone: "Europe/Berlin", Name: "Berlin", CountryCode: "DE"},
		Daily: models.DailyForecast{
			Dates:        []string{"2023-08-01", "2023-08-02"},
			WeatherCodes: []int{0, 61},
			TempMax:      []float64{24.3, 21.0},
			TempMin:      []float64{13.7, 12.1},
		},
		Timestamp: at,
	}
}

func TestNormalizeLocation(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trim and lower", " Berlin ", "berlin"},
		{"already normalized", "berlin", "berlin"},
		{"mixed case", "BeRlIn", "berlin"},
		{"inner spaces kept", "  New York  ", "new york"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizeLocation(tc.in); got != tc.want {
				t.Fatalf("normalizeLocation(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestForecastService_CacheHit(t *testing.T) {
	lookup := &mockLookuper{}
	c := &mockCache{data: map[string]models.Forecast{"berlin": berlinForecast(time.Now())}}
	svc := NewForecastService(lookup, c, Options{TTL: 5 * time.Minute}, nil)

	got, err := svc.GetForecast(context.Background(), " Berlin")
	if err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if !got.Cached {
		t.Error("Cached = false, want true")
	}
	if got.Place.Name != "Berlin" {
		t.Errorf("Place.Name = %q, want Berlin", got.Place.Name)
	}
	if lookup.calls.Load() != 0 {
		t.Errorf("lookups = %d, want 0 on cache hit", lookup.calls.Load())
	}
}

func TestForecastService_CacheMissPopulatesCache(t *testing.T) {
	lookup := &mockLookuper{forecast: berlinForecast(time.Now())}
	c := &mockCache{}
	svc := NewForecastService(lookup, c, Options{TTL: 5 * time.Minute}, nil)

	got, err := svc.GetForecast(context.Background(), "  São Paulo ")
	if err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if got.Cached || got.Stale {
		t.Errorf("got Cached=%v Stale=%v, want fresh", got.Cached, got.Stale)
	}
	if lookup.queries[0] != "São Paulo" {
		t.Errorf("lookup query = %q, want trimmed São Paulo with case kept", lookup.queries[0])
	}
	if got.Query != "São Paulo" {
		t.Errorf("Forecast.Query = %q, want São Paulo", got.Query)
	}
	if _, ok, _ := c.Get(context.Background(), "são paulo"); !ok {
		t.Error("cache was not populated under the normalized key")
	}
}

func TestForecastService_UpstreamFailure(t *testing.T) {
	lookup := &mockLookuper{err: client.ErrUpstreamFailure}
	svc := NewForecastService(lookup, &mockCache{}, Options{TTL: time.Minute}, nil)

	_, err := svc.GetForecast(context.Background(), "berlin")
	if !errors.Is(err, client.ErrUpstreamFailure) {
		t.Fatalf("GetForecast() error = %v, want ErrUpstreamFailure", err)
	}
}

func TestForecastService_CacheGetErrorFallsBackToLookup(t *testing.T) {
	lookup := &mockLookuper{forecast: berlinForecast(time.Now())}
	svc := NewForecastService(lookup, &mockCache{err: errors.New("cache down")}, Options{TTL: time.Minute}, nil)

	got, err := svc.GetForecast(context.Background(), "berlin")
	if err != nil {
		t.Fatalf("GetForecast() error = %v, want nil", err)
	}
	if got.Place.Name != "Berlin" {
		t.Errorf("Place.Name = %q, want Berlin", got.Place.Name)
	}
}

func TestForecastService_StaleFallback(t *testing.T) {
	c := &mockCache{staleData: map[string]models.Forecast{"berlin": berlinForecast(time.Now().Add(-30 * time.Minute))}}
	lookup := &mockLookuper{err: client.ErrUpstreamFailure}
	svc := NewForecastService(lookup, c, Options{TTL: 5 * time.Minute, StaleTTL: time.Hour}, nil)

	got, err := svc.GetForecast(context.Background(), "berlin")
	if err != nil {
		t.Fatalf("GetForecast() error = %v, want stale forecast", err)
	}
	if !got.Stale || !got.Cached {
		t.Errorf("Stale=%v Cached=%v, want both true", got.Stale, got.Cached)
	}
}

func TestForecastService_StaleFallbackSkipped(t *testing.T) {
	stale := map[string]models.Forecast{"berlin": berlinForecast(time.Now().Add(-30 * time.Minute))}
	tests := []struct {
		name     string
		err      error
		staleTTL time.Duration
	}{
		{"disabled", client.ErrUpstreamFailure, 0},
		{"not found is not masked", client.ErrLocationNotFound, time.Hour},
		{"too old", client.ErrUpstreamFailure, time.Minute},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			svc := NewForecastService(&mockLookuper{err: tc.err}, &mockCache{staleData: stale},
				Options{TTL: time.Minute, StaleTTL: tc.staleTTL}, nil)
			if _, err := svc.GetForecast(context.Background(), "berlin"); !errors.Is(err, tc.err) {
				t.Fatalf("GetForecast() error = %v, want %v", err, tc.err)
			}
		})
	}
}

// TestForecastService_CoalescesConcurrentMisses verifies that concurrent misses
// for the same key share a single upstream lookup.
func TestForecastService_CoalescesConcurrentMisses(t *testing.T) {
	lookup := &mockLookuper{forecast: berlinForecast(time.Now()), gate: make(chan struct{})}
	svc := NewForecastService(lookup, &mockCache{}, Options{TTL: time.Minute, Coalesce: true, CoalesceTimeout: 5 * time.Second}, nil)

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.GetForecast(context.Background(), "Berlin")
			errs <- err
		}()
	}

	// Let every caller join the in-flight lookup before releasing it.
	deadline := time.Now().Add(2 * time.Second)
	for lookup.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(lookup.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("GetForecast() error = %v", err)
		}
	}
	if n := lookup.calls.Load(); n != 1 {
		t.Errorf("lookups = %d, want 1", n)
	}
}

func TestForecastService_CoalescedCallerCancellation(t *testing.T) {
	lookup := &mockLookuper{forecast: berlinForecast(time.Now()), gate: make(chan struct{})}
	defer close(lookup.gate)
	svc := NewForecastService(lookup, &mockCache{}, Options{TTL: time.Minute, Coalesce: true, CoalesceTimeout: 5 * time.Second}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.GetForecast(ctx, "berlin")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetForecast() error = %v, want context.DeadlineExceeded", err)
	}
}
