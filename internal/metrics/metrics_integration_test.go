package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/frafra/is-osm-uptodate/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_AppMetrics_ThroughProvider(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "test"}})

	observability.IncCacheHit()
	observability.IncCacheMiss()
	observability.ObserveCacheOp("get", nil, 0.002)
	observability.ObserveUpstream("ohsome", errors.New("503"), 0.5)
	observability.ObserveTileFill(nil, 1.2, 40)
	observability.SetBreakerState("ohsome", 2)
	observability.IncInvalidation(nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()

	assertHasMetricLine(t, body, "cache_results_total", `outcome="hit"`)
	assertHasMetricLine(t, body, "cache_results_total", `outcome="miss"`)
	assertHasMetricLine(t, body, "cache_ops_total", `op="get"`, `result="ok"`)
	assertHasMetricLine(t, body, "upstream_latency_seconds_count", `upstream="ohsome"`, `outcome="error"`)
	assertHasMetricLine(t, body, "tile_fill_duration_seconds_count", `outcome="ok"`)
	assertHasMetricLine(t, body, "upstream_breaker_state", `upstream="ohsome"`)
	assertHasMetricLine(t, body, "invalidation_events_total", `result="ok"`)
}
