// Package cache declares the key-value store contract used by the tile cache.
package cache

import (
	"context"
	"time"
)

// Lock is a held lease on a cache key.
type Lock interface {
	Release(ctx context.Context) error
}

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	AddToIndex(ctx context.Context, key, member string, ttl time.Duration) error
	DrainIndex(ctx context.Context, key string) (int, error)
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}
