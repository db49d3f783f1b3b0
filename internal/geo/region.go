package geo

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
)

var ErrUnsupportedGeometry = errors.New("geo: region must be a polygon or multipolygon")

// Region is an immutable query area: a rectangle or a (multi)polygon.
type Region struct {
	shape orb.MultiPolygon
	bound orb.Bound
	rect  bool
}

func RegionFromBBox(b model.BBox) Region {
	bound := BBoxToBound(b)
	return Region{
		shape: orb.MultiPolygon{bound.ToPolygon()},
		bound: bound,
		rect:  true,
	}
}

func RegionFromTile(t maptile.Tile) Region {
	return RegionFromBBox(BoundToBBox(t.Bound()))
}

// RegionFromGeometry accepts polygons and multipolygons; anything else is rejected.
func RegionFromGeometry(g orb.Geometry) (Region, error) {
	var mp orb.MultiPolygon
	switch v := g.(type) {
	case orb.Polygon:
		mp = orb.MultiPolygon{v}
	case orb.MultiPolygon:
		mp = v
	case orb.Bound:
		return RegionFromBBox(BoundToBBox(v)), nil
	default:
		return Region{}, fmt.Errorf("%w: got %T", ErrUnsupportedGeometry, g)
	}
	r := Region{shape: mp, bound: mp.Bound()}
	r.rect = isBoundRect(mp, r.bound)
	return r, nil
}

func isBoundRect(mp orb.MultiPolygon, b orb.Bound) bool {
	if len(mp) != 1 || len(mp[0]) != 1 {
		return false
	}
	ring := mp[0][0]
	if len(ring) != 5 || !ring.Closed() {
		return false
	}
	for _, p := range ring {
		if (p[0] != b.Min[0] && p[0] != b.Max[0]) || (p[1] != b.Min[1] && p[1] != b.Max[1]) {
			return false
		}
	}
	return planar.Area(ring) != 0 || b.Min[0] == b.Max[0] || b.Min[1] == b.Max[1]
}

// Intersect clips the region to b. The result may be empty.
func (r Region) Intersect(b model.BBox) Region {
	return r.clip(BBoxToBound(b))
}

// ClipToTile returns the part of the region inside t and whether the tile
// contributes to it. A tile that only touches a region of positive area does
// not: the tiles sharing that edge from the inside cover it.
func (r Region) ClipToTile(t maptile.Tile) (Region, bool) {
	c := r.clip(t.Bound())
	if c.IsEmpty() {
		return c, false
	}
	if degenerate(c.bound) && !degenerate(r.bound) {
		return c, false
	}
	return c, true
}

func degenerate(b orb.Bound) bool {
	return b.Min[0] == b.Max[0] || b.Min[1] == b.Max[1]
}

func (r Region) clip(b orb.Bound) Region {
	if !r.bound.Intersects(b) {
		return Region{}
	}
	if r.rect {
		return RegionFromBBox(model.BBox{
			Left:   max(r.bound.Min[0], b.Min[0]),
			Bottom: max(r.bound.Min[1], b.Min[1]),
			Right:  min(r.bound.Max[0], b.Max[0]),
			Top:    min(r.bound.Max[1], b.Max[1]),
		})
	}
	clipped := clip.MultiPolygon(b, r.shape.Clone())
	if len(clipped) == 0 {
		return Region{}
	}
	out := Region{shape: clipped, bound: clipped.Bound()}
	out.rect = isBoundRect(clipped, out.bound)
	return out
}

func (r Region) IsEmpty() bool {
	return len(r.shape) == 0
}

func (r Region) IsRect() bool { return r.rect }

func (r Region) Bound() orb.Bound { return r.bound }

func (r Region) BBox() model.BBox { return BoundToBBox(r.bound) }

// Contains is exact containment; rectangles include their edges.
func (r Region) Contains(lon, lat float64) bool {
	if r.IsEmpty() {
		return false
	}
	if r.rect {
		return PointInBBox(r.BBox(), lon, lat)
	}
	p := orb.Point{lon, lat}
	if !r.bound.Contains(p) {
		return false
	}
	return planar.MultiPolygonContains(r.shape, p)
}

// Geometry exposes the region shape, typically for logging or re-serialisation.
func (r Region) Geometry() orb.Geometry {
	if r.rect {
		return r.bound.ToPolygon()
	}
	return r.shape
}
