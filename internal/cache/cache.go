package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/forecast-widget/internal/models"
)

// Cache stores resolved forecasts by normalized location.
// Get returns entries that have not expired; GetStale also returns expired entries
// whose Timestamp is within maxStaleAge.
type Cache interface {
	Get(ctx context.Context, key string) (models.Forecast, bool, error)
	GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Forecast, bool, error)
	Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error
}

// InMemoryCache implements Cache with a mutex-guarded map. Expired entries are kept
// for GetStale and removed once GetStale finds them too old.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     models.Forecast
	expiresAt time.Time
}

// NewInMemoryCache creates an empty InMemoryCache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get returns (forecast, true, nil) on a hit and (zero, false, nil) on a miss or expiry.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Forecast, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Forecast{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok || c.now().After(entry.expiresAt) {
		return models.Forecast{}, false, nil
	}
	return entry.value, true, nil
}

// GetStale returns the entry regardless of expiry as long as it is at most maxStaleAge old.
func (c *InMemoryCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Forecast, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Forecast{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.Forecast{}, false, nil
	}
	if c.now().Sub(entry.value.Timestamp) > maxStaleAge {
		delete(c.data, key)
		return models.Forecast{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores value until ttl elapses.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
