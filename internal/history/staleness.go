package history

import (
	"fmt"
	"time"
)

// Formula names how the staleness metric is derived. The name is part of
// every cache key.
type Formula string

const (
	// DaysPerEdit is days between the last edit and the window end, divided by the version count.
	DaysPerEdit Formula = "days_per_edit"
	// EditsPerYear is the version count divided by years since creation.
	EditsPerYear Formula = "edits_per_year"
)

const day = 24 * time.Hour

func ParseFormula(s string) (Formula, error) {
	switch f := Formula(s); f {
	case DaysPerEdit, EditsPerYear:
		return f, nil
	case "":
		return DaysPerEdit, nil
	default:
		return "", fmt.Errorf("history: unknown staleness formula %q", s)
	}
}

// Compute returns the metric for a feature observed at windowEnd.
func (f Formula) Compute(createdAt, lastEditAt time.Time, versions int, windowEnd time.Time) float64 {
	if versions < 1 {
		versions = 1
	}
	switch f {
	case EditsPerYear:
		age := windowEnd.Sub(createdAt)
		if age < day {
			age = day
		}
		return float64(versions) / (age.Hours() / 24 / 365)
	default:
		since := windowEnd.Sub(lastEditAt)
		if since < 0 {
			since = 0
		}
		return since.Hours() / 24 / float64(versions)
	}
}
