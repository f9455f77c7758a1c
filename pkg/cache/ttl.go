package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/chazwilder/iqx-dockmonitor/errors"
)

type ttlEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func (e *ttlEntry[V]) expiredAt(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

type ttlCache[V any] struct {
	mu              sync.Mutex
	ttl             time.Duration
	cleanupInterval time.Duration
	items           map[string]*ttlEntry[V]
	stats           *Statistics
	metrics         *cacheMetrics
	evictFn         EvictCallback[V]
	clock           clock.WithTicker

	shutdown chan struct{}
	done     chan struct{}
}

// NewTTL creates a cache whose entries expire after ttl. A background
// goroutine removes expired entries every cleanupInterval until ctx is done
// or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (Cache[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}

	opts := newSettings(options)

	var metrics *cacheMetrics
	if opts.registry != nil {
		var err error
		metrics, err = newCacheMetrics(opts.registry, opts.component)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewTTL", "metrics registration")
		}
	}

	c := &ttlCache[V]{
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*ttlEntry[V]),
		stats:           NewStatistics(),
		metrics:         metrics,
		evictFn:         opts.onEvict,
		clock:           opts.clock,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.cleanup(ctx)

	return c, nil
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.clock.Now()

	c.mu.Lock()
	entry, exists := c.items[key]
	if exists && entry.expiredAt(now) {
		c.evictLocked(key, entry)
		exists = false
	}
	c.mu.Unlock()

	if !exists {
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		return zero, false
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return entry.value, true
}

func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	return c.SetWithTTL(key, value, c.ttl)
}

func (c *ttlCache[V]) SetWithTTL(key string, value V, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.clock.Now()

	c.mu.Lock()
	existing, exists := c.items[key]
	if exists && existing.expiredAt(now) {
		exists = false
	}
	c.items[key] = &ttlEntry[V]{key: key, value: value, expiresAt: now.Add(ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.recordSet(size)
	return !exists, nil
}

func (c *ttlCache[V]) SetIfAbsent(key string, value V, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.clock.Now()

	c.mu.Lock()
	if existing, exists := c.items[key]; exists && !existing.expiredAt(now) {
		c.mu.Unlock()
		return false, nil
	}
	c.items[key] = &ttlEntry[V]{key: key, value: value, expiresAt: now.Add(ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.recordSet(size)
	return true, nil
}

func (c *ttlCache[V]) recordSet(size int) {
	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(size)
	}
}

func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	entry, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if !exists {
		return false, nil
	}
	if c.evictFn != nil {
		c.evictFn(key, entry.value)
	}
	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordDelete()
		c.metrics.updateSize(size)
	}
	return true, nil
}

func (c *ttlCache[V]) Clear() error {
	c.mu.Lock()
	old := c.items
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()

	if c.evictFn != nil {
		for _, entry := range old {
			c.evictFn(entry.key, entry.value)
		}
	}
	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}
	return nil
}

func (c *ttlCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ttlCache[V]) Keys() []string {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for key, entry := range c.items {
		if !entry.expiredAt(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *ttlCache[V]) Stats() *Statistics {
	return c.stats
}

func (c *ttlCache[V]) Close() error {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

// evictLocked removes an expired entry. Caller holds c.mu.
func (c *ttlCache[V]) evictLocked(key string, entry *ttlEntry[V]) {
	delete(c.items, key)
	c.stats.Eviction()
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.recordEviction()
		c.metrics.updateSize(len(c.items))
	}
	if c.evictFn != nil {
		go c.evictFn(key, entry.value)
	}
}

func (c *ttlCache[V]) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := c.clock.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C():
			c.removeExpired()
		}
	}
}

func (c *ttlCache[V]) removeExpired() {
	now := c.clock.Now()
	var expired []*ttlEntry[V]

	c.mu.Lock()
	for key, entry := range c.items {
		if entry.expiredAt(now) {
			expired = append(expired, entry)
			delete(c.items, key)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for _, entry := range expired {
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.recordEviction()
		}
		if c.evictFn != nil {
			c.evictFn(entry.key, entry.value)
		}
	}
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.updateSize(size)
	}
}
