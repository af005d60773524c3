package cache

import (
	"context"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func BenchmarkInMemoryCache_Get_Hit(b *testing.B) {
	c := NewInMemoryCache()
	ctx := context.Background()
	_ = c.Set(ctx, "berlin", testForecast("berlin", time.Now()), 5*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = c.Get(ctx, "berlin")
	}
}

func BenchmarkInMemoryCache_Concurrent(b *testing.B) {
	c := NewInMemoryCache()
	ctx := context.Background()
	_ = c.Set(ctx, "berlin", testForecast("berlin", time.Now()), 5*time.Minute)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _, _ = c.Get(ctx, "berlin")
		}
	})
}

// BenchmarkEnvelope_Msgpack measures the memcached value codec round trip.
func BenchmarkEnvelope_Msgpack(b *testing.B) {
	env := envelope{Forecast: testForecast("berlin", time.Now()), ExpiresAt: time.Now().Unix()}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		raw, err := msgpack.Marshal(env)
		if err != nil {
			b.Fatal(err)
		}
		var out envelope
		if err := msgpack.Unmarshal(raw, &out); err != nil {
			b.Fatal(err)
		}
	}
}
