package alert

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/pkg/cache"
)

// Suppressor decides whether an alert key may be announced now. Allow
// reports true at most once per key per window.
type Suppressor interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
}

// MemorySuppressor keeps suppression state in a TTL cache.
type MemorySuppressor struct {
	entries cache.Cache[time.Time]
}

// NewMemorySuppressor creates an in-process suppressor. Expired keys are
// swept every cleanup interval.
func NewMemorySuppressor(ctx context.Context, defaultWindow, cleanup time.Duration, opts ...cache.Option[time.Time]) (*MemorySuppressor, error) {
	c, err := cache.NewTTL[time.Time](ctx, defaultWindow, cleanup, opts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "MemorySuppressor", "New", "create suppression cache")
	}
	return &MemorySuppressor{entries: c}, nil
}

// Allow implements Suppressor.
func (s *MemorySuppressor) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	return s.entries.SetIfAbsent(key, time.Now(), window)
}

// Close releases the cache.
func (s *MemorySuppressor) Close() error {
	return s.entries.Close()
}

// RedisSuppressor shares suppression state across instances with SET NX PX.
type RedisSuppressor struct {
	client redis.Cmdable
	prefix string
}

// NewRedisSuppressor wraps a Redis client. Keys are stored under prefix.
func NewRedisSuppressor(client redis.Cmdable, prefix string) *RedisSuppressor {
	if prefix == "" {
		prefix = "dockwatch:suppress:"
	}
	return &RedisSuppressor{client: client, prefix: prefix}
}

// Allow implements Suppressor.
func (s *RedisSuppressor) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, time.Now().Unix(), window).Result()
	if err != nil {
		return false, errors.WrapTransient(err, "RedisSuppressor", "Allow", "set suppression key")
	}
	return ok, nil
}
