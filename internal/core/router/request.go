package router

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
	"github.com/frafra/is-osm-uptodate/internal/geo"
	"github.com/frafra/is-osm-uptodate/internal/render"
)

const maxGeoJSONBytes = 8 << 20

var errMissingRegion = errors.New("missing region: give minx,miny,maxx,maxy or a geojson field")

// ParseBBox reads minx,miny,maxx,maxy rounded to 7 decimals, the precision
// of OSM node coordinates. nil means no bbox was given.
func ParseBBox(v url.Values) (*model.BBox, error) {
	names := [4]string{"minx", "miny", "maxx", "maxy"}
	var vals [4]float64
	given := 0
	for i, n := range names {
		raw := strings.TrimSpace(v.Get(n))
		if raw == "" {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("invalid %s: %q", n, raw)
		}
		vals[i] = math.Round(f*1e7) / 1e7
		given++
	}
	switch given {
	case 0:
		return nil, nil
	case 4:
	default:
		return nil, errors.New("bbox needs all of minx, miny, maxx, maxy")
	}

	b := model.BBox{Left: vals[0], Bottom: vals[1], Right: vals[2], Top: vals[3]}
	if !(b.Left >= -180 && b.Right <= 180) {
		return nil, errors.New("longitude must be in [-180,180]")
	}
	if !(b.Bottom >= -90 && b.Top <= 90) {
		return nil, errors.New("latitude must be in [-90,90]")
	}
	if !b.Valid() {
		return nil, errors.New("coordinates must satisfy maxx>=minx and maxy>=miny")
	}
	return &b, nil
}

// ParseGeometry accepts a GeoJSON geometry, Feature or FeatureCollection
// and returns its polygonal shape.
func ParseGeometry(raw []byte) (orb.Geometry, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}
	switch head.Type {
	case "Feature":
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return nil, fmt.Errorf("parse geojson feature: %w", err)
		}
		return f.Geometry, nil
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(raw)
		if err != nil {
			return nil, fmt.Errorf("parse geojson collection: %w", err)
		}
		var mp orb.MultiPolygon
		for i, f := range fc.Features {
			switch g := f.Geometry.(type) {
			case orb.Polygon:
				mp = append(mp, g)
			case orb.MultiPolygon:
				mp = append(mp, g...)
			default:
				return nil, fmt.Errorf("feature %d: %w: got %T", i, geo.ErrUnsupportedGeometry, f.Geometry)
			}
		}
		return mp, nil
	default:
		g, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, fmt.Errorf("parse geojson geometry: %w", err)
		}
		return g.Geometry(), nil
	}
}

// geojsonField reads the optional geojson form field, sent either as a
// plain value or as an uploaded file.
func geojsonField(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Method != http.MethodPost {
		return nil, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxGeoJSONBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxGeoJSONBytes); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		if f, _, err := r.FormFile("geojson"); err == nil {
			defer f.Close()
			b, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("read geojson upload: %w", err)
			}
			return b, nil
		}
	}
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}
	return []byte(strings.TrimSpace(r.PostForm.Get("geojson"))), nil
}

// regionFor intersects the geojson field, if any, with rect. Either side
// may be missing but not both.
func regionFor(w http.ResponseWriter, r *http.Request, rect *model.BBox) (geo.Region, error) {
	raw, err := geojsonField(w, r)
	if err != nil {
		return geo.Region{}, err
	}
	if len(raw) == 0 {
		if rect == nil {
			return geo.Region{}, errMissingRegion
		}
		return geo.RegionFromBBox(*rect), nil
	}
	g, err := ParseGeometry(raw)
	if err != nil {
		return geo.Region{}, err
	}
	region, err := geo.RegionFromGeometry(g)
	if err != nil {
		return geo.Region{}, err
	}
	if rect != nil {
		region = region.Intersect(*rect)
	}
	return region, nil
}

// parseTile reads slippy tile coordinates; y may carry a file extension.
func parseTile(zs, xs, ys string) (maptile.Tile, error) {
	z, err := strconv.ParseUint(zs, 10, 32)
	if err != nil || z > 30 {
		return maptile.Tile{}, fmt.Errorf("invalid zoom %q", zs)
	}
	n := uint64(1) << z
	x, err := strconv.ParseUint(xs, 10, 32)
	if err != nil || x >= n {
		return maptile.Tile{}, fmt.Errorf("invalid x %q", xs)
	}
	y, err := strconv.ParseUint(strings.TrimSuffix(ys, ".png"), 10, 32)
	if err != nil || y >= n {
		return maptile.Tile{}, fmt.Errorf("invalid y %q", ys)
	}
	return maptile.New(uint32(x), uint32(y), maptile.Zoom(z)), nil
}

func renderParams(v url.Values) (render.Params, error) {
	p := render.DefaultParams()
	mode, err := render.ParseMode(v.Get("mode"))
	if err != nil {
		return p, err
	}
	p.Mode = mode

	if p.ScaleMin, err = optionalFloat(v, "scale_min"); err != nil {
		return p, err
	}
	if p.ScaleMax, err = optionalFloat(v, "scale_max"); err != nil {
		return p, err
	}
	if s := v.Get("percentile"); s != "" {
		if p.Percentile, err = strconv.Atoi(s); err != nil {
			return p, fmt.Errorf("%w: percentile %q", render.ErrInvalidParameter, s)
		}
	}
	if s := v.Get("resolution"); s != "" {
		if p.Resolution, err = strconv.Atoi(s); err != nil {
			return p, fmt.Errorf("%w: resolution %q", render.ErrInvalidParameter, s)
		}
	}
	return p, nil
}

func optionalFloat(v url.Values, name string) (*float64, error) {
	s := v.Get(name)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q", render.ErrInvalidParameter, name, s)
	}
	return &f, nil
}
