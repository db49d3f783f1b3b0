// Package render draws aggregated points into small percentile-binned PNG
// tiles coloured with the viridis ramp.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"iter"
	"math"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
	"github.com/frafra/is-osm-uptodate/internal/query"
	"github.com/frafra/is-osm-uptodate/internal/stats"
)

var ErrInvalidParameter = errors.New("render: invalid parameter")

type Mode string

const (
	ModeCreation  Mode = "creation"
	ModeLastEdit  Mode = "lastedit"
	ModeRevisions Mode = "revisions"
	ModeStaleness Mode = "staleness"
)

// ParseMode accepts the mode names plus "frequency", the historical name
// for staleness. Empty means lastedit.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeLastEdit, nil
	case "frequency":
		return ModeStaleness, nil
	case ModeCreation, ModeLastEdit, ModeRevisions, ModeStaleness:
		return m, nil
	default:
		return "", fmt.Errorf("%w: mode %q", ErrInvalidParameter, s)
	}
}

// Params selects what a tile shows. Nil scale bounds pick the mode default.
type Params struct {
	Mode       Mode `validate:"oneof=creation lastedit revisions staleness"`
	ScaleMin   *float64
	ScaleMax   *float64
	Percentile int
	Resolution int `validate:"min=1,max=256"`
}

func DefaultParams() Params {
	return Params{Mode: ModeLastEdit, Percentile: 50, Resolution: 8}
}

type PointSource interface {
	Points(ctx context.Context, q query.Query) iter.Seq2[model.AggregatedPoint, error]
}

type Renderer struct {
	points   PointSource
	validate *validator.Validate
}

func New(points PointSource) *Renderer {
	return &Renderer{points: points, validate: validator.New()}
}

// RenderTile bins the query's points into a resolution x resolution grid over
// the region's bounding box and encodes it as PNG. A percentile outside
// [0,100] yields InvalidTile instead of an error.
func (r *Renderer) RenderTile(ctx context.Context, q query.Query, p Params) ([]byte, error) {
	if p.Percentile < 0 || p.Percentile > 100 {
		return InvalidTile(), nil
	}
	if err := r.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	lo, hi := scale(p, q.Window)
	value := field(p.Mode)

	res := p.Resolution
	cells := make([][]float64, res*res)
	bbox := q.Region.BBox()
	for pt, err := range r.points.Points(ctx, q) {
		if err != nil {
			return nil, err
		}
		row := cellIndex(bbox.Top-pt.Lat, bbox.Top-bbox.Bottom, res)
		col := cellIndex(pt.Lon-bbox.Left, bbox.Right-bbox.Left, res)
		cells[row*res+col] = append(cells[row*res+col], (value(pt)-lo)/(hi-lo))
	}

	img := image.NewRGBA(image.Rect(0, 0, res, res))
	for i, vals := range cells {
		x, y := i%res, i/res
		if len(vals) == 0 {
			img.SetRGBA(x, y, color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff})
			continue
		}
		img.SetRGBA(x, y, colorFor(stats.Percentile(vals, p.Percentile)))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("render: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func cellIndex(offset, span float64, res int) int {
	if span <= 0 {
		return 0
	}
	i := int(math.Floor(float64(res) * offset / span))
	return max(0, min(res-1, i))
}

func scale(p Params, w model.TemporalWindow) (lo, hi float64) {
	switch p.Mode {
	case ModeCreation, ModeLastEdit:
		lo, hi = float64(w.Start.Unix()), float64(w.End.Unix())
	case ModeRevisions:
		lo, hi = 1, 10
	default:
		lo, hi = 7, 700
	}
	if p.ScaleMin != nil {
		lo = *p.ScaleMin
	}
	if p.ScaleMax != nil {
		hi = *p.ScaleMax
	}
	if lo == hi {
		hi++
	}
	return lo, hi
}

func field(m Mode) func(model.AggregatedPoint) float64 {
	switch m {
	case ModeCreation:
		return func(p model.AggregatedPoint) float64 { return float64(p.CreatedAt.Unix()) }
	case ModeLastEdit:
		return func(p model.AggregatedPoint) float64 { return float64(p.LastEditAt.Unix()) }
	case ModeRevisions:
		return func(p model.AggregatedPoint) float64 { return float64(p.VersionCount) }
	default:
		return func(p model.AggregatedPoint) float64 { return p.Staleness }
	}
}

var invalidTile = sync.OnceValue(func() []byte {
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	img.SetGray(0, 0, color.Gray{Y: 0xff})
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
})

// InvalidTile is the 1x1 white greyscale marker served for out of range
// percentiles. Callers must not modify the returned slice.
func InvalidTile() []byte { return invalidTile() }
