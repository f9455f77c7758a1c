package cache

import (
	"time"

	"github.com/chazwilder/iqx-dockmonitor/errors"
)

// Cache is a string-keyed store whose entries expire.
type Cache[V any] interface {
	// Get returns the value if present and not expired.
	Get(key string) (V, bool)

	// Set stores a value with the default TTL. Returns true if the key was new.
	Set(key string, value V) (bool, error)

	// SetWithTTL stores a value with an explicit TTL.
	SetWithTTL(key string, value V, ttl time.Duration) (bool, error)

	// SetIfAbsent stores the value only if no live entry exists for key.
	// The check and the write are atomic.
	SetIfAbsent(key string, value V, ttl time.Duration) (bool, error)

	// Delete removes a key. Returns true if it existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the number of stored entries, expired or not.
	Size() int

	// Keys returns the keys of live entries.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close stops the cleanup goroutine.
	Close() error
}

// EvictCallback is called when an entry is removed.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
