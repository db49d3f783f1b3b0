// Package history turns the upstream full-history feature stream into one
// aggregated point per live feature.
package history

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
)

var ErrMalformedRecord = errors.New("history: malformed record")

// RecordError locates a malformed record in the stream.
type RecordError struct {
	Index  int
	Reason string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("history: malformed record #%d: %s", e.Index, e.Reason)
}

func (e *RecordError) Unwrap() error { return ErrMalformedRecord }

type rawGeometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

type rawProperties struct {
	OSMID     string `json:"@osmId"`
	ValidFrom string `json:"@validFrom"`
	ValidTo   string `json:"@validTo"`
	Version   *int   `json:"@version"`
}

type rawFeature struct {
	Geometry   *rawGeometry   `json:"geometry"`
	Properties *rawProperties `json:"properties"`
}

// Decode streams VersionRecords out of a GeoJSON FeatureCollection without
// buffering the document. The sequence stops at the first error.
func Decode(r io.Reader) iter.Seq2[model.VersionRecord, error] {
	return func(yield func(model.VersionRecord, error) bool) {
		dec := json.NewDecoder(r)
		if err := expectDelim(dec, '{'); err != nil {
			yield(model.VersionRecord{}, err)
			return
		}
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				yield(model.VersionRecord{}, fmt.Errorf("history: read key: %w", err))
				return
			}
			key, _ := tok.(string)
			if key != "features" {
				var skip json.RawMessage
				if err := dec.Decode(&skip); err != nil {
					yield(model.VersionRecord{}, fmt.Errorf("history: skip %q: %w", key, err))
					return
				}
				continue
			}
			if !decodeFeatures(dec, yield) {
				return
			}
		}
	}
}

func decodeFeatures(dec *json.Decoder, yield func(model.VersionRecord, error) bool) bool {
	if err := expectDelim(dec, '['); err != nil {
		yield(model.VersionRecord{}, err)
		return false
	}
	for i := 0; dec.More(); i++ {
		var f rawFeature
		if err := dec.Decode(&f); err != nil {
			yield(model.VersionRecord{}, fmt.Errorf("history: decode feature #%d: %w", i, err))
			return false
		}
		rec, err := parseRecord(i, f)
		if err != nil {
			yield(model.VersionRecord{}, err)
			return false
		}
		if !yield(rec, nil) {
			return false
		}
	}
	if _, err := dec.Token(); err != nil {
		yield(model.VersionRecord{}, fmt.Errorf("history: close features: %w", err))
		return false
	}
	return true
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("history: read %q: %w", want, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("history: expected %q, got %v", want, tok)
	}
	return nil
}

func parseRecord(i int, f rawFeature) (model.VersionRecord, error) {
	fail := func(reason string) (model.VersionRecord, error) {
		return model.VersionRecord{}, &RecordError{Index: i, Reason: reason}
	}
	if f.Geometry == nil {
		return fail("missing geometry")
	}
	if f.Geometry.Type != "Point" || len(f.Geometry.Coordinates) < 2 {
		return fail(fmt.Sprintf("unsupported geometry %q", f.Geometry.Type))
	}
	p := f.Properties
	if p == nil {
		return fail("missing properties")
	}
	if p.OSMID == "" || p.ValidFrom == "" || p.ValidTo == "" || p.Version == nil {
		return fail("missing metadata properties")
	}
	from, err := time.Parse(time.RFC3339, p.ValidFrom)
	if err != nil {
		return fail("bad @validFrom " + p.ValidFrom)
	}
	to, err := time.Parse(time.RFC3339, p.ValidTo)
	if err != nil {
		return fail("bad @validTo " + p.ValidTo)
	}
	id, ok := numericID(p.OSMID)
	if !ok {
		return fail("bad @osmId " + p.OSMID)
	}
	return model.VersionRecord{
		OSMID:     p.OSMID,
		ID:        id,
		Lon:       f.Geometry.Coordinates[0],
		Lat:       f.Geometry.Coordinates[1],
		ValidFrom: from,
		ValidTo:   to,
		Version:   *p.Version,
	}, nil
}

// numericID extracts 123 from "node/123".
func numericID(osmID string) (int64, bool) {
	_, num, ok := strings.Cut(osmID, "/")
	if !ok {
		num = osmID
	}
	id, err := strconv.ParseInt(num, 10, 64)
	return id, err == nil
}
