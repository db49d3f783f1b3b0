package ohsome

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
	"github.com/frafra/is-osm-uptodate/internal/logger"
)

func newClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Options{
		BaseURL:        srv.URL,
		UserAgent:      "is-osm-uptodate/test",
		DefaultReferer: "http://localhost:8000/",
		RPS:            1000,
		Burst:          100,
	}, srv.Client(), logger.Discard())
	return c, srv
}

func writeGzip(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Type", "application/geo+json")
	zw := gzip.NewWriter(w)
	_, _ = io.WriteString(zw, body)
	_ = zw.Close()
}

var window = model.TemporalWindow{
	Start: time.Date(2007, 10, 8, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC),
}

func TestFetchHistory_QueryHeadersAndGzip(t *testing.T) {
	var gotQuery, gotUA, gotRef, gotAE string
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != historyPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		gotUA = r.Header.Get("User-Agent")
		gotRef = r.Header.Get("Referer")
		gotAE = r.Header.Get("Accept-Encoding")
		writeGzip(w, `{"features":[]}`)
	})

	body, err := c.FetchHistory(context.Background(), HistoryRequest{
		BBox:   model.BBox{Left: 9.1, Bottom: 45.4, Right: 9.2, Top: 45.5},
		Window: window,
		Filter: "type:node",
	})
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	raw, _ := io.ReadAll(body)
	_ = body.Close()
	if string(raw) != `{"features":[]}` {
		t.Fatalf("body not decompressed: %q", raw)
	}

	want := "bboxes=9.1000000%2C45.4000000%2C9.2000000%2C45.5000000" +
		"&filter=type%3Anode&properties=metadata&showMetadata=true" +
		"&time=2007-10-08T00%3A00%3A00Z%2C2024-05-01T20%3A00%3A00Z"
	if gotQuery != want {
		t.Fatalf("query:\n got %s\nwant %s", gotQuery, want)
	}
	if gotUA != "is-osm-uptodate/test" || gotRef != "http://localhost:8000/" || gotAE != "gzip" {
		t.Fatalf("headers: ua=%q ref=%q ae=%q", gotUA, gotRef, gotAE)
	}
}

func TestFetchHistory_RefererPassthrough(t *testing.T) {
	var gotRef string
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotRef = r.Header.Get("Referer")
		writeGzip(w, `{}`)
	})
	h := http.Header{}
	h.Set("Referer", "https://example.org/map")
	body, err := c.FetchHistory(context.Background(), HistoryRequest{Window: window, Headers: h})
	if err != nil {
		t.Fatal(err)
	}
	_ = body.Close()
	if gotRef != "https://example.org/map" {
		t.Fatalf("referer: %q", gotRef)
	}
}

func TestFetchHistory_ErrorTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusServiceUnavailable, ErrUnavailable},
		{http.StatusBadRequest, ErrRejected},
		{http.StatusInternalServerError, ErrRejected},
	}
	for _, tc := range cases {
		c, _ := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tc.status)
		})
		_, err := c.FetchHistory(context.Background(), HistoryRequest{Window: window})
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: want %v, got %v", tc.status, tc.want, err)
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Code != tc.status {
			t.Fatalf("status %d: missing StatusError in %v", tc.status, err)
		}
	}
}

func TestFetchHistory_NetworkFailureIsUnavailable(t *testing.T) {
	c, srv := newClient(t, func(http.ResponseWriter, *http.Request) {})
	srv.Close()
	_, err := c.FetchHistory(context.Background(), HistoryRequest{Window: window})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestBreaker_OpensOnRepeatedUnavailable(t *testing.T) {
	var calls atomic.Int32
	c, _ := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	for range 8 {
		_, err := c.FetchHistory(context.Background(), HistoryRequest{Window: window})
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("want ErrUnavailable, got %v", err)
		}
	}
	if n := calls.Load(); n != 5 {
		t.Fatalf("breaker should stop calls after 5 failures, upstream saw %d", n)
	}
}

func TestBreaker_IgnoresRejections(t *testing.T) {
	var calls atomic.Int32
	c, _ := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})
	for range 8 {
		_, _ = c.FetchHistory(context.Background(), HistoryRequest{Window: window})
	}
	if n := calls.Load(); n != 8 {
		t.Fatalf("rejections must not trip the breaker, upstream saw %d", n)
	}
}

func TestMetadata_MinutePrecisionWorkaround(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != metadataPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"extractRegion":{"temporalExtent":{"fromTimestamp":"2007-10-08T00:00:00Z","toTimestamp":"2024-05-01T20:00Z"}}}`)
	})
	win, err := c.Metadata(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !win.Start.Equal(window.Start) || !win.End.Equal(window.End) {
		t.Fatalf("window: %+v", win)
	}
}

func TestWindowCache_FetchesOncePerTTL(t *testing.T) {
	var calls atomic.Int32
	c, _ := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"extractRegion":{"temporalExtent":{"fromTimestamp":"2007-10-08T00:00:00Z","toTimestamp":"2024-05-01T20:00:00Z"}}}`)
	})
	wc := NewWindowCache(c, time.Hour)
	for range 3 {
		if _, err := wc.Window(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("metadata fetched %d times", n)
	}
}

func TestWindowCache_ErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	c, _ := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"extractRegion":{"temporalExtent":{"fromTimestamp":"2007-10-08T00:00:00Z","toTimestamp":"2024-05-01T20:00:00Z"}}}`)
	})
	wc := NewWindowCache(c, time.Hour)
	if _, err := wc.Window(context.Background()); err == nil {
		t.Fatalf("expected first call to fail")
	}
	if _, err := wc.Window(context.Background()); err != nil {
		t.Fatalf("second call: %v", err)
	}
}

func TestCombineFilters(t *testing.T) {
	if got := CombineFilters("", "type:node"); got != "type:node" {
		t.Fatalf("got %q", got)
	}
	if got := CombineFilters("amenity=bench or leisure=park", "type:node"); got != "(amenity=bench or leisure=park) and (type:node)" {
		t.Fatalf("got %q", got)
	}
	if got := CombineFilters(); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestParseTimestamp(t *testing.T) {
	for _, s := range []string{"2024-05-01T20:00Z", "2024-05-01T20:00:00Z"} {
		ts, err := ParseTimestamp(s)
		if err != nil || !ts.Equal(window.End) {
			t.Fatalf("%s: %v %v", s, ts, err)
		}
	}
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatalf("expected error")
	}
}
