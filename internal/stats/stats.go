// Package stats computes descriptive statistics over aggregated points.
package stats

import (
	"slices"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
)

// Quantiles returns the n-1 cut points splitting sorted into n groups,
// interpolating linearly between samples (the "inclusive" method, where the
// minimum and maximum are the 0th and 100th percentiles). sorted must hold
// at least two values.
func Quantiles(sorted []float64, n int) []float64 {
	m := len(sorted) - 1
	out := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		j := i * m / n
		delta := i*m - j*n
		out = append(out, (sorted[j]*float64(n-delta)+sorted[j+1]*float64(delta))/float64(n))
	}
	return out
}

// Percentile picks entry p of [min, q1 .. q99, max] over values. A single
// value is returned as is. values is sorted in place.
func Percentile(values []float64, p int) float64 {
	switch len(values) {
	case 0:
		return 0
	case 1:
		return values[0]
	}
	slices.Sort(values)
	switch p {
	case 0:
		return values[0]
	case 100:
		return values[len(values)-1]
	}
	return Quantiles(values, 100)[p-1]
}

// Summary of one parameter. Quartiles are present from two values on.
type Summary struct {
	Min    float64  `json:"min"`
	Q1     *float64 `json:"1st quartile,omitempty"`
	Median *float64 `json:"median,omitempty"`
	Q3     *float64 `json:"3rd quartile,omitempty"`
	Max    float64  `json:"max"`
}

func Summarize(values []float64) (Summary, bool) {
	if len(values) == 0 {
		return Summary{}, false
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	s := Summary{Min: sorted[0], Max: sorted[len(sorted)-1]}
	if len(sorted) >= 2 {
		q := Quantiles(sorted, 4)
		s.Q1, s.Median, s.Q3 = &q[0], &q[1], &q[2]
	}
	return s, true
}

// Report is keyed by parameter; parameters without values are omitted.
type Report struct {
	Creation  *Summary `json:"creation,omitempty"`
	LastEdit  *Summary `json:"lastedit,omitempty"`
	Revisions *Summary `json:"revisions,omitempty"`
	Staleness *Summary `json:"staleness,omitempty"`
}

// Collector accumulates per-parameter values. Zero values carry no
// information for any parameter and are skipped.
type Collector struct {
	creation, lastEdit, revisions, staleness []float64
}

func (c *Collector) Add(p model.AggregatedPoint) {
	c.creation = appendNonZero(c.creation, float64(p.CreatedAt.Unix()))
	c.lastEdit = appendNonZero(c.lastEdit, float64(p.LastEditAt.Unix()))
	c.revisions = appendNonZero(c.revisions, float64(p.VersionCount))
	c.staleness = appendNonZero(c.staleness, p.Staleness)
}

func appendNonZero(dst []float64, v float64) []float64 {
	if v == 0 {
		return dst
	}
	return append(dst, v)
}

func (c *Collector) Report() Report {
	return Report{
		Creation:  summaryPtr(c.creation),
		LastEdit:  summaryPtr(c.lastEdit),
		Revisions: summaryPtr(c.revisions),
		Staleness: summaryPtr(c.staleness),
	}
}

func summaryPtr(values []float64) *Summary {
	s, ok := Summarize(values)
	if !ok {
		return nil
	}
	return &s
}
