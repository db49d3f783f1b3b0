// Package tilecache is the cache-aside layer for per-tile aggregated history.
// Concurrent fills of the same tile are coalesced inside the process and
// serialised across processes by a leased Redis lock.
package tilecache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	cacheiface "github.com/frafra/is-osm-uptodate/internal/cache"
	"github.com/frafra/is-osm-uptodate/internal/cache/codec"
	"github.com/frafra/is-osm-uptodate/internal/cache/keys"
	"github.com/frafra/is-osm-uptodate/internal/core/model"
	"github.com/frafra/is-osm-uptodate/internal/core/observability"
	"github.com/frafra/is-osm-uptodate/internal/geo"
	"github.com/frafra/is-osm-uptodate/internal/history"
	"github.com/frafra/is-osm-uptodate/internal/logger"
	"github.com/frafra/is-osm-uptodate/internal/upstream/ohsome"
)

// Fetcher streams the full history of one bbox.
type Fetcher interface {
	FetchHistory(ctx context.Context, req ohsome.HistoryRequest) (io.ReadCloser, error)
}

type Config struct {
	TTL         time.Duration
	LockTTL     time.Duration
	FillTimeout time.Duration
	Formula     history.Formula
}

type Cache struct {
	store  cacheiface.Store
	up     Fetcher
	cfg    Config
	logger *slog.Logger
	sf     singleflight.Group
}

func New(store cacheiface.Store, up Fetcher, cfg Config, log *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = cfg.LockTTL
	}
	if cfg.Formula == "" {
		cfg.Formula = history.DaysPerEdit
	}
	return &Cache{store: store, up: up, cfg: cfg, logger: log}
}

type Request struct {
	Quadkey string
	Window  model.TemporalWindow
	Filter  string
	Headers http.Header
}

func (c *Cache) Key(req Request) string {
	return keys.TileKey(req.Quadkey, req.Window.Start, req.Window.End, req.Filter, string(c.cfg.Formula))
}

// Get returns the aggregated points of one tile, filling the cache on a
// miss. If ctx ends first Get returns its error, but a fill already started
// runs to completion so the entry still gets stored. The returned slice is
// shared and must not be modified.
func (c *Cache) Get(ctx context.Context, req Request) ([]model.AggregatedPoint, error) {
	if _, err := geo.QuadkeyToTile(req.Quadkey); err != nil {
		return nil, fmt.Errorf("tilecache: %w", err)
	}
	key := c.Key(req)

	fillCtx := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(fillCtx, c.cfg.FillTimeout)
		defer cancel()
		return c.lockedGet(fctx, key, req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]model.AggregatedPoint), nil
	}
}

func (c *Cache) lockedGet(ctx context.Context, key string, req Request) ([]model.AggregatedPoint, error) {
	ctx = logger.WithQuadkey(ctx, req.Quadkey)

	waitStart := time.Now()
	lock, err := c.store.Acquire(ctx, keys.LockKey(key), c.cfg.LockTTL)
	observability.ObserveLockWait(time.Since(waitStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("tilecache: acquire lock: %w", err)
	}
	defer func() {
		// release even when the fill context has expired
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := lock.Release(rctx); rerr != nil {
			c.logger.WarnContext(ctx, "tile lock release failed", "err", rerr)
		}
	}()

	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("tilecache: get: %w", err)
	}
	if ok {
		observability.IncCacheHit()
		c.logger.DebugContext(logger.WithCacheResult(ctx, "hit"), "tile cache hit")
		return codec.Decode(data)
	}
	observability.IncCacheMiss()

	start := time.Now()
	data, n, err := c.fill(ctx, req)
	observability.ObserveTileFill(err, time.Since(start).Seconds(), n)
	if err != nil {
		c.logger.WarnContext(logger.WithCacheResult(ctx, "miss"), "tile fill failed", "err", err)
		return nil, err
	}

	if err := c.store.Set(ctx, key, data, c.cfg.TTL); err != nil {
		c.logger.WarnContext(ctx, "tile cache write failed", "err", err)
	} else if err := c.store.AddToIndex(ctx, keys.IndexKey(req.Quadkey), key, c.cfg.TTL); err != nil {
		c.logger.WarnContext(ctx, "tile index write failed", "err", err)
	}
	c.logger.InfoContext(logger.WithCacheResult(ctx, "miss"), "tile filled",
		"points", n, "bytes", len(data), "duration", time.Since(start))

	return codec.Decode(data)
}

func (c *Cache) fill(ctx context.Context, req Request) ([]byte, int, error) {
	tile, _ := geo.QuadkeyToTile(req.Quadkey)
	body, err := c.up.FetchHistory(ctx, ohsome.HistoryRequest{
		BBox:    geo.BoundToBBox(tile.Bound()),
		Window:  req.Window,
		Filter:  req.Filter,
		Headers: req.Headers,
	})
	if err != nil {
		return nil, 0, err
	}
	defer body.Close()

	points := history.Aggregate(history.Decode(body), req.Window.End, c.cfg.Formula)
	data, n, err := codec.Encode(points)
	if err != nil {
		return nil, 0, fmt.Errorf("tilecache: tile %s: %w", req.Quadkey, err)
	}
	return data, n, nil
}

// Invalidate drops every cached entry, for any window or filter, stored
// under the given quadkeys.
func (c *Cache) Invalidate(ctx context.Context, quadkeys ...string) (int, error) {
	total := 0
	for _, qk := range quadkeys {
		n, err := c.store.DrainIndex(ctx, keys.IndexKey(qk))
		if err != nil {
			return total, fmt.Errorf("tilecache: invalidate %s: %w", qk, err)
		}
		total += n
	}
	return total, nil
}
