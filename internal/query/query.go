// Package query resolves a region into tiles and streams the aggregated
// points that fall inside it.
package query

import (
	"context"
	"iter"
	"log/slog"
	"math"
	"net/http"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/frafra/is-osm-uptodate/internal/cache/tilecache"
	"github.com/frafra/is-osm-uptodate/internal/core/model"
	"github.com/frafra/is-osm-uptodate/internal/geo"
)

// points this close to a tile edge may be returned for both neighbours
const edgeEpsilon = 1e-6

type TileSource interface {
	Get(ctx context.Context, req tilecache.Request) ([]model.AggregatedPoint, error)
}

type Query struct {
	Region  geo.Region
	Window  model.TemporalWindow
	Filter  string
	Headers http.Header
}

type Engine struct {
	tiles   TileSource
	zTarget maptile.Zoom
	logger  *slog.Logger
}

func New(tiles TileSource, zTarget int, log *slog.Logger) *Engine {
	return &Engine{tiles: tiles, zTarget: maptile.Zoom(zTarget), logger: log}
}

// Points streams the region's points tile by tile. Tiles are fetched only
// as the consumer advances; stopping early fetches nothing further. The first
// error ends the sequence.
func (e *Engine) Points(ctx context.Context, q Query) iter.Seq2[model.AggregatedPoint, error] {
	return func(yield func(model.AggregatedPoint, error) bool) {
		if q.Region.IsEmpty() {
			return
		}
		bbox := q.Region.BBox()
		seen := map[int64]struct{}{}

		for tile := range geo.TilesCovering(q.Region.Bound(), e.zTarget) {
			part, ok := q.Region.ClipToTile(tile)
			if !ok {
				continue
			}
			pts, err := e.tiles.Get(ctx, tilecache.Request{
				Quadkey: geo.Quadkey(tile),
				Window:  q.Window,
				Filter:  q.Filter,
				Headers: q.Headers,
			})
			if err != nil {
				yield(model.AggregatedPoint{}, err)
				return
			}
			tb := tile.Bound()
			for _, p := range pts {
				if q.Region.IsRect() {
					if !geo.PointInBBox(bbox, p.Lon, p.Lat) {
						continue
					}
				} else if !part.Contains(p.Lon, p.Lat) {
					continue
				}
				if onEdge(tb, p) {
					if _, dup := seen[p.ID]; dup {
						continue
					}
					seen[p.ID] = struct{}{}
				}
				if !yield(p, nil) {
					return
				}
			}
		}
	}
}

func onEdge(b orb.Bound, p model.AggregatedPoint) bool {
	return math.Abs(p.Lon-b.Min[0]) < edgeEpsilon || math.Abs(p.Lon-b.Max[0]) < edgeEpsilon ||
		math.Abs(p.Lat-b.Min[1]) < edgeEpsilon || math.Abs(p.Lat-b.Max[1]) < edgeEpsilon
}

// Stream is a points sequence whose first element has already been resolved.
type Stream struct {
	next  func() (model.AggregatedPoint, error, bool)
	stop  func()
	first model.AggregatedPoint
	has   bool
}

// Open resolves the sequence up to its first point, its end or its first
// error. An error at this stage is returned here, so callers can answer
// before committing to a response.
func (e *Engine) Open(ctx context.Context, q Query) (*Stream, error) {
	next, stop := iter.Pull2(e.Points(ctx, q))
	p, err, ok := next()
	if err != nil {
		stop()
		return nil, err
	}
	return &Stream{next: next, stop: stop, first: p, has: ok}, nil
}

// Empty reports whether the region holds no points at all.
func (s *Stream) Empty() bool { return !s.has }

// All replays the peeked point and continues with the rest. It may be
// ranged over once.
func (s *Stream) All() iter.Seq2[model.AggregatedPoint, error] {
	return func(yield func(model.AggregatedPoint, error) bool) {
		defer s.stop()
		if !s.has {
			return
		}
		s.has = false
		if !yield(s.first, nil) {
			return
		}
		for {
			p, err, ok := s.next()
			if !ok {
				return
			}
			if !yield(p, err) || err != nil {
				return
			}
		}
	}
}

func (s *Stream) Close() { s.stop() }
