package geo

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
)

// bbox from the upstream README example (central Milan)
var milan = model.BBox{Left: 9.188302, Bottom: 45.464227, Right: 9.190245, Top: 45.465010}

func TestQuadkeyRoundTrip(t *testing.T) {
	for z := maptile.Zoom(0); z <= 14; z++ {
		n := uint32(1) << z
		for _, xy := range [][2]uint32{{0, 0}, {n - 1, n - 1}, {n / 2, n / 3}, {n / 7, n - 1}} {
			tile := maptile.New(xy[0], xy[1], z)
			qk := Quadkey(tile)
			if len(qk) != int(z) {
				t.Fatalf("z=%d: quadkey %q has wrong length", z, qk)
			}
			back, err := QuadkeyToTile(qk)
			if err != nil {
				t.Fatalf("QuadkeyToTile(%q): %v", qk, err)
			}
			if back != tile {
				t.Fatalf("round trip: %v -> %q -> %v", tile, qk, back)
			}
		}
	}
}

func TestQuadkeyKnownValue(t *testing.T) {
	// tile 3/3/5 is the classic Bing example "213"
	if got := Quadkey(maptile.New(3, 5, 3)); got != "213" {
		t.Fatalf("got %q want 213", got)
	}
}

func TestQuadkeyToTile_InvalidDigit(t *testing.T) {
	if _, err := QuadkeyToTile("0124"); err == nil {
		t.Fatalf("expected error for digit 4")
	}
}

func TestQuadkeyPrefixIsParent(t *testing.T) {
	tile := TileAt(9.19, 45.46, 12)
	qk := Quadkey(tile)
	if Quadkey(tile.Parent()) != qk[:len(qk)-1] {
		t.Fatalf("parent quadkey is not a prefix")
	}
}

func collect(b orb.Bound, z maptile.Zoom) []maptile.Tile {
	var out []maptile.Tile
	for tile := range TilesCovering(b, z) {
		out = append(out, tile)
	}
	return out
}

func TestTilesCovering_NonOverlapAndCoverage(t *testing.T) {
	boxes := []model.BBox{
		milan,
		{Left: 9.0, Bottom: 45.3, Right: 9.4, Top: 45.6},
		{Left: 10.5, Bottom: 59.8, Right: 10.9, Top: 60.0},
		{Left: -0.2, Bottom: 51.4, Right: 0.1, Top: 51.6},
	}
	const z = 12
	for _, b := range boxes {
		bound := BBoxToBound(b)
		tiles := collect(bound, z)
		if len(tiles) == 0 {
			t.Fatalf("%v: no tiles", b)
		}
		seen := map[maptile.Tile]bool{}
		for _, tile := range tiles {
			if tile.Z != z {
				t.Fatalf("tile %v not at target zoom", tile)
			}
			if seen[tile] {
				t.Fatalf("duplicate tile %v", tile)
			}
			seen[tile] = true
			if !tile.Bound().Intersects(bound) {
				t.Fatalf("tile %v does not intersect %v", tile, b)
			}
		}
		// every corner and the centre must fall inside some yielded tile
		for _, p := range []orb.Point{bound.Min, bound.Max, {b.Left, b.Top}, {b.Right, b.Bottom}, bound.Center()} {
			if !seen[TileAt(p[0], p[1], z)] {
				t.Fatalf("%v: point %v not covered", b, p)
			}
		}
	}
}

func TestTilesCovering_DegenerateBBox(t *testing.T) {
	b := orb.Bound{Min: orb.Point{9.19, 45.46}, Max: orb.Point{9.19, 45.46}}
	tiles := collect(b, 12)
	if len(tiles) != 1 || tiles[0] != TileAt(9.19, 45.46, 12) {
		t.Fatalf("unexpected tiles %v", tiles)
	}
}

func TestTilesCovering_EarlyStop(t *testing.T) {
	b := BBoxToBound(model.BBox{Left: 9.0, Bottom: 45.3, Right: 9.4, Top: 45.6})
	n := 0
	for range TilesCovering(b, 12) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("iteration did not stop")
	}
}

func TestPointInBBox_Inclusive(t *testing.T) {
	if !PointInBBox(milan, milan.Left, milan.Top) || !PointInBBox(milan, milan.Right, milan.Bottom) {
		t.Fatalf("edges must be inside")
	}
	if PointInBBox(milan, milan.Right+1e-7, milan.Top) {
		t.Fatalf("outside point reported inside")
	}
}
