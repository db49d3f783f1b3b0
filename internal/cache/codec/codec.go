// Package codec serialises aggregated points for the tile cache: one JSON
// object per line, zlib-compressed.
package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zlib"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
)

type line struct {
	Lon       float64 `json:"lon"`
	Lat       float64 `json:"lat"`
	ID        int64   `json:"id"`
	Created   int64   `json:"c"`
	LastEdit  int64   `json:"e"`
	Version   int     `json:"v"`
	Staleness float64 `json:"s"`
}

// Encode drains points into a compressed buffer. Any error from the sequence
// aborts encoding and is returned unchanged.
func Encode(points iter.Seq2[model.AggregatedPoint, error]) ([]byte, int, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	enc := json.NewEncoder(zw)

	n := 0
	for p, err := range points {
		if err != nil {
			_ = zw.Close()
			return nil, 0, err
		}
		// Encoder.Encode terminates every value with a newline
		if err := enc.Encode(line{
			Lon:       p.Lon,
			Lat:       p.Lat,
			ID:        p.ID,
			Created:   p.CreatedAt.Unix(),
			LastEdit:  p.LastEditAt.Unix(),
			Version:   p.VersionCount,
			Staleness: p.Staleness,
		}); err != nil {
			_ = zw.Close()
			return nil, 0, fmt.Errorf("codec: encode point %d: %w", p.ID, err)
		}
		n++
	}
	if err := zw.Close(); err != nil {
		return nil, 0, fmt.Errorf("codec: flush: %w", err)
	}
	return buf.Bytes(), n, nil
}

func EncodeSlice(points []model.AggregatedPoint) ([]byte, error) {
	b, _, err := Encode(func(yield func(model.AggregatedPoint, error) bool) {
		for _, p := range points {
			if !yield(p, nil) {
				return
			}
		}
	})
	return b, err
}

func Decode(data []byte) ([]model.AggregatedPoint, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: open: %w", err)
	}
	defer zr.Close()

	var out []model.AggregatedPoint
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(b, &l); err != nil {
			return nil, fmt.Errorf("codec: decode line %d: %w", len(out)+1, err)
		}
		out = append(out, model.AggregatedPoint{
			Lon:          l.Lon,
			Lat:          l.Lat,
			ID:           l.ID,
			CreatedAt:    time.Unix(l.Created, 0).UTC(),
			LastEditAt:   time.Unix(l.LastEdit, 0).UTC(),
			VersionCount: l.Version,
			Staleness:    l.Staleness,
		})
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("codec: read: %w", err)
	}
	return out, nil
}
