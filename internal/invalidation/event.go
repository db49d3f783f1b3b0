// Package invalidation describes the change events that evict cached tiles.
package invalidation

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
	"github.com/frafra/is-osm-uptodate/internal/geo"
)

// Event announces that OSM data changed inside a footprint.
type Event struct {
	Version  int             `json:"version"`
	Op       string          `json:"op"`
	TS       time.Time       `json:"ts"`
	Source   string          `json:"source,omitempty"`
	BBox     *BBox           `json:"bbox,omitempty"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
}

type BBox struct {
	MinX float64 `json:"minx"`
	MinY float64 `json:"miny"`
	MaxX float64 `json:"maxx"`
	MaxY float64 `json:"maxy"`
}

func Decode(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("invalidation: decode: %w", err)
	}
	return ev, ev.Validate()
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return errors.New("version must be 1")
	}
	switch e.Op {
	case "create", "modify", "delete":
	default:
		return errors.New("op must be create|modify|delete")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	hasBBox := e.BBox != nil
	hasGeom := len(e.Geometry) > 0
	if hasBBox == hasGeom {
		return errors.New("exactly one of bbox or geometry is required")
	}
	if hasBBox {
		bb := *e.BBox
		if !(bb.MinX >= -180 && bb.MinX <= 180 && bb.MaxX >= -180 && bb.MaxX <= 180) {
			return errors.New("bbox longitude out of range")
		}
		if !(bb.MinY >= -90 && bb.MinY <= 90 && bb.MaxY >= -90 && bb.MaxY <= 90) {
			return errors.New("bbox latitude out of range")
		}
		// a single edited node is a point, so degenerate boxes are fine
		if bb.MaxX < bb.MinX || bb.MaxY < bb.MinY {
			return errors.New("bbox must satisfy maxx>=minx and maxy>=miny")
		}
		return nil
	}
	if _, err := geojson.UnmarshalGeometry(e.Geometry); err != nil {
		return fmt.Errorf("geometry parse: %w", err)
	}
	return nil
}

// Footprint is the bounding box of the changed area.
func (e Event) Footprint() (orb.Bound, error) {
	if e.BBox != nil {
		return geo.BBoxToBound(model.BBox{Left: e.BBox.MinX, Bottom: e.BBox.MinY, Right: e.BBox.MaxX, Top: e.BBox.MaxY}), nil
	}
	g, err := geojson.UnmarshalGeometry(e.Geometry)
	if err != nil {
		return orb.Bound{}, fmt.Errorf("geometry parse: %w", err)
	}
	return g.Geometry().Bound(), nil
}

// Quadkeys lists the tiles at zoom z whose cached data the event may affect.
func (e Event) Quadkeys(z int) ([]string, error) {
	b, err := e.Footprint()
	if err != nil {
		return nil, err
	}
	var out []string
	for t := range geo.TilesCovering(b, maptile.Zoom(z)) {
		out = append(out, geo.Quadkey(t))
	}
	return out, nil
}
