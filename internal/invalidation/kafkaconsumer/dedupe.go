package kafkaconsumer

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// dedupe remembers the newest event applied per footprint, so redelivered
// or stale events skip the Redis round trip.
type dedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, int64]
}

func newDedupe(size int) *dedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, int64](size)
	return &dedupe{lru: c}
}

func (d *dedupe) seen(key string, ts int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lru.Get(key)
	return ok && ts <= last
}

func (d *dedupe) record(key string, ts int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(key); ok && last >= ts {
		return
	}
	d.lru.Add(key, ts)
}
