package history

import (
	"iter"
	"time"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
)

// Aggregate collapses contiguous runs of records sharing an OSMID. A run whose
// last record does not reach windowEnd describes a deleted feature and is
// dropped. First and last are taken in arrival order.
func Aggregate(records iter.Seq2[model.VersionRecord, error], windowEnd time.Time, f Formula) iter.Seq2[model.AggregatedPoint, error] {
	return func(yield func(model.AggregatedPoint, error) bool) {
		var (
			first, last model.VersionRecord
			open        bool
		)
		flush := func() bool {
			if !open {
				return true
			}
			open = false
			p, ok := closeGroup(first, last, windowEnd, f)
			if !ok {
				return true
			}
			return yield(p, nil)
		}

		for rec, err := range records {
			if err != nil {
				yield(model.AggregatedPoint{}, err)
				return
			}
			if open && rec.OSMID == first.OSMID {
				last = rec
				continue
			}
			if !flush() {
				return
			}
			first, last, open = rec, rec, true
		}
		flush()
	}
}

func closeGroup(first, last model.VersionRecord, windowEnd time.Time, f Formula) (model.AggregatedPoint, bool) {
	if !last.ValidTo.Equal(windowEnd) {
		return model.AggregatedPoint{}, false
	}
	return model.AggregatedPoint{
		Lon:          last.Lon,
		Lat:          last.Lat,
		ID:           first.ID,
		CreatedAt:    first.ValidFrom,
		LastEditAt:   last.ValidFrom,
		VersionCount: last.Version,
		Staleness:    f.Compute(first.ValidFrom, last.ValidFrom, last.Version, windowEnd),
	}, true
}
