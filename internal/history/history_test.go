package history

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
)

const windowEnd = "2024-01-01T00:00:00Z"

func feature(id, from, to string, version int, lon, lat float64) string {
	return fmt.Sprintf(`{"type":"Feature","geometry":{"type":"Point","coordinates":[%v,%v]},`+
		`"properties":{"@osmId":"node/%s","@validFrom":%q,"@validTo":%q,"@version":%d,"@changesetId":1}}`,
		lon, lat, id, from, to, version)
}

func collection(features ...string) string {
	return `{"type":"FeatureCollection","metadata":{"x":1},"features":[` + strings.Join(features, ",") + `]}`
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func run(t *testing.T, body string) ([]model.AggregatedPoint, error) {
	t.Helper()
	var out []model.AggregatedPoint
	for p, err := range Aggregate(Decode(strings.NewReader(body)), mustTime(t, windowEnd), DaysPerEdit) {
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

func TestAggregate_SingleVersionGroup(t *testing.T) {
	pts, err := run(t, collection(feature("42", "2020-01-01T00:00:00Z", windowEnd, 1, 9.19, 45.46)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pts) != 1 {
		t.Fatalf("want 1 point, got %d", len(pts))
	}
	p := pts[0]
	if p.ID != 42 || p.VersionCount != 1 {
		t.Fatalf("unexpected point %+v", p)
	}
	if !p.CreatedAt.Equal(p.LastEditAt) {
		t.Fatalf("createdAt and lastEditAt must match for a single version")
	}
	if p.Lon != 9.19 || p.Lat != 45.46 {
		t.Fatalf("coordinates: %v %v", p.Lon, p.Lat)
	}
}

func TestAggregate_FirstAndLastArriving(t *testing.T) {
	body := collection(
		feature("7", "2015-01-01T00:00:00Z", "2018-01-01T00:00:00Z", 1, 1, 1),
		feature("7", "2018-01-01T00:00:00Z", "2021-01-01T00:00:00Z", 2, 2, 2),
		feature("7", "2021-01-01T00:00:00Z", windowEnd, 3, 3, 3),
	)
	pts, err := run(t, body)
	if err != nil || len(pts) != 1 {
		t.Fatalf("got %v, %v", pts, err)
	}
	p := pts[0]
	if !p.CreatedAt.Equal(mustTime(t, "2015-01-01T00:00:00Z")) {
		t.Fatalf("createdAt: %v", p.CreatedAt)
	}
	if !p.LastEditAt.Equal(mustTime(t, "2021-01-01T00:00:00Z")) {
		t.Fatalf("lastEditAt: %v", p.LastEditAt)
	}
	if p.VersionCount != 3 || p.Lon != 3 || p.Lat != 3 {
		t.Fatalf("last record fields not used: %+v", p)
	}
	// 1095 days since 2021-01-01 over three versions
	if math.Abs(p.Staleness-365) > 1e-9 {
		t.Fatalf("staleness: %v", p.Staleness)
	}
}

func TestAggregate_DeletedFeatureDropped(t *testing.T) {
	body := collection(
		feature("1", "2015-01-01T00:00:00Z", "2019-01-01T00:00:00Z", 1, 1, 1),
		feature("2", "2016-01-01T00:00:00Z", windowEnd, 1, 2, 2),
		feature("3", "2017-01-01T00:00:00Z", "2020-01-01T00:00:00Z", 1, 3, 3),
	)
	pts, err := run(t, body)
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) != 1 || pts[0].ID != 2 {
		t.Fatalf("only feature 2 is alive, got %+v", pts)
	}
}

func TestAggregate_GroupsInArrivalOrder(t *testing.T) {
	body := collection(
		feature("9", "2020-01-01T00:00:00Z", windowEnd, 1, 0, 0),
		feature("3", "2020-01-01T00:00:00Z", windowEnd, 1, 0, 0),
		feature("5", "2020-01-01T00:00:00Z", windowEnd, 1, 0, 0),
	)
	pts, err := run(t, body)
	if err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for _, p := range pts {
		ids = append(ids, p.ID)
	}
	if fmt.Sprint(ids) != "[9 3 5]" {
		t.Fatalf("order: %v", ids)
	}
}

func TestAggregate_MalformedFailsWholeStream(t *testing.T) {
	bad := `{"type":"Feature","geometry":{"type":"Point","coordinates":[1,1]}}`
	body := collection(
		feature("1", "2020-01-01T00:00:00Z", windowEnd, 1, 1, 1),
		bad,
		feature("2", "2020-01-01T00:00:00Z", windowEnd, 1, 1, 1),
	)
	_, err := run(t, body)
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("want ErrMalformedRecord, got %v", err)
	}
	var re *RecordError
	if !errors.As(err, &re) || re.Index != 1 {
		t.Fatalf("want RecordError at index 1, got %v", err)
	}
}

func TestAggregate_BadOSMIDReportsItsIndex(t *testing.T) {
	body := collection(
		feature("1", "2020-01-01T00:00:00Z", windowEnd, 1, 1, 1),
		feature("2", "2020-01-01T00:00:00Z", windowEnd, 1, 1, 1),
		feature("x3", "2020-01-01T00:00:00Z", windowEnd, 1, 1, 1),
	)
	_, err := run(t, body)
	var re *RecordError
	if !errors.As(err, &re) || re.Index != 2 {
		t.Fatalf("want RecordError at index 2, got %v", err)
	}
	if !strings.Contains(re.Reason, "node/x3") {
		t.Fatalf("reason %q should name the id", re.Reason)
	}
}

func TestDecode_MissingGeometry(t *testing.T) {
	body := collection(`{"type":"Feature","geometry":null,"properties":{"@osmId":"node/1","@validFrom":"2020-01-01T00:00:00Z","@validTo":"2020-01-01T00:00:00Z","@version":1}}`)
	for _, err := range Decode(strings.NewReader(body)) {
		if !errors.Is(err, ErrMalformedRecord) {
			t.Fatalf("want malformed, got %v", err)
		}
		return
	}
	t.Fatalf("decoder yielded nothing")
}

func TestDecode_TruncatedStream(t *testing.T) {
	body := collection(feature("1", "2020-01-01T00:00:00Z", windowEnd, 1, 1, 1))
	body = body[:len(body)-20]
	var gotErr error
	for _, err := range Decode(strings.NewReader(body)) {
		if err != nil {
			gotErr = err
		}
	}
	if gotErr == nil {
		t.Fatalf("expected error for truncated document")
	}
}

func TestDecode_EmptyCollection(t *testing.T) {
	n := 0
	for _, err := range Decode(strings.NewReader(collection())) {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 0 {
		t.Fatalf("expected no records, got %d", n)
	}
}

func TestAggregate_EarlyStop(t *testing.T) {
	body := collection(
		feature("1", "2020-01-01T00:00:00Z", windowEnd, 1, 0, 0),
		feature("2", "2020-01-01T00:00:00Z", windowEnd, 1, 0, 0),
		feature("3", "2020-01-01T00:00:00Z", windowEnd, 1, 0, 0),
	)
	n := 0
	for range Aggregate(Decode(strings.NewReader(body)), mustTime(t, windowEnd), DaysPerEdit) {
		n++
		break
	}
	if n != 1 {
		t.Fatalf("n=%d", n)
	}
}

func TestFormula_EditsPerYear(t *testing.T) {
	end := mustTime(t, windowEnd)
	created := end.AddDate(-2, 0, 0)
	got := EditsPerYear.Compute(created, end, 4, end)
	// 730 days, slightly more than two 365-day years
	if math.Abs(got-4/(730.0/365)) > 1e-9 {
		t.Fatalf("edits per year: %v", got)
	}
	if v := EditsPerYear.Compute(end, end, 1, end); math.IsInf(v, 0) {
		t.Fatalf("zero age must not divide by zero")
	}
}

func TestParseFormula(t *testing.T) {
	if f, err := ParseFormula(""); err != nil || f != DaysPerEdit {
		t.Fatalf("default: %v %v", f, err)
	}
	if _, err := ParseFormula("nope"); err == nil {
		t.Fatalf("expected error")
	}
}
