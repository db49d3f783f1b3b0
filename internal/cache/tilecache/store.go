package tilecache

import (
	"context"
	"time"

	cacheiface "github.com/frafra/is-osm-uptodate/internal/cache"
	"github.com/frafra/is-osm-uptodate/internal/cache/redisstore"
)

type storeAdapter struct {
	cli     *redisstore.Client
	timeout time.Duration
	poll    time.Duration
}

// NewRedisStore adapts a redis client to the cache store contract, bounding
// every single-shot operation by timeout.
func NewRedisStore(c *redisstore.Client, timeout time.Duration) cacheiface.Store {
	return &storeAdapter{cli: c, timeout: timeout, poll: 50 * time.Millisecond}
}

// returns context with timeout if set
func (a *storeAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *storeAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return a.cli.Get(ctx, key)
}

func (a *storeAdapter) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return a.cli.Set(ctx, key, val, ttl)
}

func (a *storeAdapter) AddToIndex(ctx context.Context, key, member string, ttl time.Duration) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return a.cli.AddToIndex(ctx, key, member, ttl)
}

func (a *storeAdapter) DrainIndex(ctx context.Context, key string) (int, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return a.cli.DrainIndex(ctx, key)
}

// Acquire waits as long as ctx allows.
func (a *storeAdapter) Acquire(ctx context.Context, key string, ttl time.Duration) (cacheiface.Lock, error) {
	l, err := a.cli.Acquire(ctx, key, ttl, a.poll)
	if err != nil {
		return nil, err
	}
	return &lockAdapter{l: l, a: a}, nil
}

type lockAdapter struct {
	l *redisstore.Lock
	a *storeAdapter
}

func (l *lockAdapter) Release(ctx context.Context) error {
	ctx, cancel := l.a.withTimeout(ctx)
	defer cancel()
	return l.l.Release(ctx)
}
