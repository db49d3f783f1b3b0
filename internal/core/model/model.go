// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"time"
)

// BBox is an axis-aligned lon/lat rectangle in degrees. It may be degenerate.
type BBox struct {
	Left, Bottom float64
	Right, Top   float64
}

// String representation matching the ohsome bboxes parameter
func (b BBox) String() string {
	return fmt.Sprintf("%s,%s,%s,%s", coord(b.Left), coord(b.Bottom), coord(b.Right), coord(b.Top))
}

func (b BBox) Valid() bool {
	return b.Left <= b.Right && b.Bottom <= b.Top
}

func coord(v float64) string {
	return fmt.Sprintf("%.7f", v)
}

// TemporalWindow is the span of history available upstream.
type TemporalWindow struct {
	Start time.Time
	End   time.Time
}

// VersionRecord is one historical version of a feature, as delivered upstream.
// Records of the same OSMID arrive contiguously.
type VersionRecord struct {
	OSMID     string
	ID        int64
	Lon, Lat  float64
	ValidFrom time.Time
	ValidTo   time.Time
	Version   int
}

// AggregatedPoint collapses the version chain of a single live feature.
type AggregatedPoint struct {
	Lon          float64   `json:"lon"`
	Lat          float64   `json:"lat"`
	ID           int64     `json:"id"`
	CreatedAt    time.Time `json:"created"`
	LastEditAt   time.Time `json:"lastedit"`
	VersionCount int       `json:"version"`
	Staleness    float64   `json:"staleness"`
}
