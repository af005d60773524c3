package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kjstillabower/forecast-widget/internal/models"
)

const (
	keyPrefix = "forecast:"
	// maxRelativeExp is memcached's limit for relative expirations; larger values are read as unix times.
	maxRelativeExp = 30 * 24 * 60 * 60
)

// envelope is the msgpack value stored in memcached. The item lives for
// max(ttl, staleRetention); ExpiresAt marks the end of its fresh window.
type envelope struct {
	Forecast  models.Forecast `msgpack:"f"`
	ExpiresAt int64           `msgpack:"e"`
}

// MemcachedCache implements Cache on memcached.
type MemcachedCache struct {
	client         *memcache.Client
	staleRetention time.Duration
	now            func() time.Time
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero. staleRetention keeps items past their TTL so that
// GetStale can serve them.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, staleRetention time.Duration) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, staleRetention: staleRetention, now: time.Now}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// itemKey maps a location key to a memcached key. Memcached keys cannot contain
// spaces or control characters, so those are replaced.
func itemKey(k string) string {
	return keyPrefix + strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return '_'
		}
		return r
	}, k)
}

func (c *MemcachedCache) load(ctx context.Context, key string) (envelope, bool, error) {
	if err := ctx.Err(); err != nil {
		return envelope{}, false, err
	}
	item, err := c.client.Get(itemKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return envelope{}, false, nil
	}
	if err != nil {
		return envelope{}, false, err
	}
	var env envelope
	if err := msgpack.Unmarshal(item.Value, &env); err != nil {
		return envelope{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return env, true, nil
}

// Get implements Cache.Get.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.Forecast, bool, error) {
	env, ok, err := c.load(ctx, key)
	if err != nil || !ok {
		return models.Forecast{}, false, err
	}
	if c.now().Unix() >= env.ExpiresAt {
		return models.Forecast{}, false, nil
	}
	return env.Forecast, true, nil
}

// GetStale implements Cache.GetStale.
func (c *MemcachedCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Forecast, bool, error) {
	env, ok, err := c.load(ctx, key)
	if err != nil || !ok {
		return models.Forecast{}, false, err
	}
	if c.now().Sub(env.Forecast.Timestamp) > maxStaleAge {
		return models.Forecast{}, false, nil
	}
	return env.Forecast, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := msgpack.Marshal(envelope{
		Forecast:  value,
		ExpiresAt: c.now().Add(ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.client.Set(&memcache.Item{
		Key:        itemKey(key),
		Value:      raw,
		Expiration: expirationSeconds(max(ttl, c.staleRetention)),
	})
}

func expirationSeconds(d time.Duration) int32 {
	sec := int64(d / time.Second)
	if sec <= 0 || sec > maxRelativeExp {
		return 3600
	}
	return int32(sec)
}

// Ping checks that every memcached server is reachable.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes idle client connections.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
