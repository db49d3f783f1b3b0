// Package geo holds the quadtree tile arithmetic and region geometry used to
// partition queries into cacheable tiles.
package geo

import (
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
)

const maxLat = 85.0511287798066

// TileAt returns the tile at zoom z containing lon/lat. Coordinates outside
// the web mercator range snap to the edge tiles.
func TileAt(lon, lat float64, z maptile.Zoom) maptile.Tile {
	n := float64(uint64(1) << z)
	lat = math.Max(-maxLat, math.Min(maxLat, lat))
	lon = math.Max(-180, math.Min(180, lon))

	x := math.Floor((lon + 180) / 360 * n)
	rad := lat * math.Pi / 180
	y := math.Floor((1 - math.Asinh(math.Tan(rad))/math.Pi) / 2 * n)

	return maptile.New(clampIndex(x, n), clampIndex(y, n), z)
}

func clampIndex(v, n float64) uint32 {
	if v < 0 {
		return 0
	}
	if v > n-1 {
		return uint32(n - 1)
	}
	return uint32(v)
}

// BoundingTile is the smallest tile at zoom <= z whose bounds contain b.
func BoundingTile(b orb.Bound, z maptile.Zoom) maptile.Tile {
	lo := TileAt(b.Min[0], b.Max[1], z)
	hi := TileAt(b.Max[0], b.Min[1], z)
	for lo != hi && lo.Z > 0 {
		lo, hi = lo.Parent(), hi.Parent()
	}
	return lo
}

// TilesCovering enumerates, lazily and without duplicates, every tile at
// zTarget whose bounds intersect b. Edges count as intersecting.
func TilesCovering(b orb.Bound, zTarget maptile.Zoom) iter.Seq[maptile.Tile] {
	return func(yield func(maptile.Tile) bool) {
		walk(BoundingTile(b, zTarget), b, zTarget, yield)
	}
}

func walk(t maptile.Tile, b orb.Bound, zTarget maptile.Zoom, yield func(maptile.Tile) bool) bool {
	if !t.Bound().Intersects(b) {
		return true
	}
	if t.Z >= zTarget {
		return yield(t)
	}
	for _, c := range t.Children() {
		if !walk(c, b, zTarget, yield) {
			return false
		}
	}
	return true
}

// Quadkey encodes t as a base-4 string, one digit per zoom level.
func Quadkey(t maptile.Tile) string {
	var sb strings.Builder
	sb.Grow(int(t.Z))
	for i := t.Z; i > 0; i-- {
		mask := uint32(1) << (i - 1)
		digit := byte('0')
		if t.X&mask != 0 {
			digit++
		}
		if t.Y&mask != 0 {
			digit += 2
		}
		sb.WriteByte(digit)
	}
	return sb.String()
}

// QuadkeyToTile is the inverse of Quadkey.
func QuadkeyToTile(qk string) (maptile.Tile, error) {
	if len(qk) > 32 {
		return maptile.Tile{}, fmt.Errorf("quadkey %q too long", qk)
	}
	var x, y uint32
	z := maptile.Zoom(len(qk))
	for i := range len(qk) {
		mask := uint32(1) << (int(z) - i - 1)
		switch qk[i] {
		case '0':
		case '1':
			x |= mask
		case '2':
			y |= mask
		case '3':
			x |= mask
			y |= mask
		default:
			return maptile.Tile{}, fmt.Errorf("invalid quadkey digit %q in %q", qk[i], qk)
		}
	}
	return maptile.New(x, y, z), nil
}

// PointInBBox reports whether lon/lat lies in b, edges included.
func PointInBBox(b model.BBox, lon, lat float64) bool {
	return b.Left <= lon && lon <= b.Right && b.Bottom <= lat && lat <= b.Top
}

func BoundToBBox(b orb.Bound) model.BBox {
	return model.BBox{Left: b.Min[0], Bottom: b.Min[1], Right: b.Max[0], Top: b.Max[1]}
}

func BBoxToBound(b model.BBox) orb.Bound {
	return orb.Bound{Min: orb.Point{b.Left, b.Bottom}, Max: orb.Point{b.Right, b.Top}}
}
