// Package cache defines the port interface for byte-oriented caching, used
// for the classification verdict cache.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching.
// A zero ttl means the entry lives until evicted.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
