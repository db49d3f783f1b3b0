// Package export serialises aggregated points as a streamed GeoJSON
// FeatureCollection.
package export

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
)

const (
	collectionHead = `{"type":"FeatureCollection","features":[`
	collectionTail = "]}\n"
)

// Feature converts p into a GeoJSON point feature. Times are unix seconds.
func Feature(p model.AggregatedPoint) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{p.Lon, p.Lat})
	f.Properties = geojson.Properties{
		"id":        p.ID,
		"creation":  p.CreatedAt.Unix(),
		"lastedit":  p.LastEditAt.Unix(),
		"version":   p.VersionCount,
		"staleness": p.Staleness,
	}
	return f
}

// WriteFeatureCollection streams points into w one feature at a time. On a
// sequence error the document is left unterminated and the error returned,
// so a truncated body never parses as a complete collection.
func WriteFeatureCollection(w io.Writer, points iter.Seq2[model.AggregatedPoint, error]) (int, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(collectionHead); err != nil {
		return 0, fmt.Errorf("write collection: %w", err)
	}
	n := 0
	for p, err := range points {
		if err != nil {
			_ = bw.Flush()
			return n, err
		}
		b, err := json.Marshal(Feature(p))
		if err != nil {
			return n, fmt.Errorf("marshal feature %d: %w", p.ID, err)
		}
		if n > 0 {
			if err := bw.WriteByte(','); err != nil {
				return n, fmt.Errorf("write feature: %w", err)
			}
		}
		if _, err := bw.Write(b); err != nil {
			return n, fmt.Errorf("write feature: %w", err)
		}
		n++
	}
	if _, err := bw.WriteString(collectionTail); err != nil {
		return n, fmt.Errorf("write collection: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("flush collection: %w", err)
	}
	return n, nil
}

// ShortTimestamp renders t compactly for file names: 2023-06-01T12:30:00Z
// becomes 20230601T1230.
func ShortTimestamp(t time.Time) string {
	s := t.UTC().Format("2006-01-02T15:04:05Z")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.TrimSuffix(s, "Z")
	s = strings.ReplaceAll(s, ":00", "")
	s = strings.ReplaceAll(s, ":", "")
	return strings.TrimSuffix(s, "T")
}

func DataFilename(w model.TemporalWindow) string {
	return fmt.Sprintf("is-osm-uptodate_%s_%s.geojson", ShortTimestamp(w.Start), ShortTimestamp(w.End))
}

func StatsFilename(b model.BBox, w model.TemporalWindow) string {
	parts := []string{
		strconv.FormatFloat(b.Left, 'f', -1, 64),
		strconv.FormatFloat(b.Bottom, 'f', -1, 64),
		strconv.FormatFloat(b.Right, 'f', -1, 64),
		strconv.FormatFloat(b.Top, 'f', -1, 64),
	}
	return fmt.Sprintf("is-osm-uptodate_%s_%s_%s.json",
		strings.Join(parts, "_"), ShortTimestamp(w.Start), ShortTimestamp(w.End))
}

// ContentDisposition builds an attachment header value for name.
func ContentDisposition(name string) string {
	return `attachment; filename="` + strings.ReplaceAll(name, ":", "") + `"`
}
