package redisstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/frafra/is-osm-uptodate/internal/metrics"
)

// creates new client connected to miniredis for testing
func newMini(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestSetGetDel_HappyPath(t *testing.T) {
	rc, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := rc.Set(ctx, "k1", []byte("v1"), 5*time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := rc.Get(ctx, "k1")
	if err != nil || !ok || string(got) != "v1" {
		t.Fatalf("Get: %q %v %v", got, ok, err)
	}
	if _, ok, err := rc.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := rc.Del(ctx, "k1"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, _ := rc.Get(ctx, "k1"); ok {
		t.Fatalf("key survived Del")
	}
}

func TestContextDeadline_IsRespected(t *testing.T) {
	rc, _ := newMini(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rc.Set(ctx, "k", []byte("v"), time.Second); err == nil {
		t.Fatalf("expected error on Set with canceled context")
	}
	if _, _, err := rc.Get(ctx, "k"); err == nil {
		t.Fatalf("expected error on Get with canceled context")
	}
	if err := rc.Del(ctx, "k"); err == nil {
		t.Fatalf("expected error on Del with canceled context")
	}
}

func TestLock_MutualExclusionAndRelease(t *testing.T) {
	rc, _ := newMini(t)
	ctx := context.Background()

	l1, err := rc.Acquire(ctx, "lk", time.Minute, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := rc.Acquire(short, "lk", time.Minute, 5*time.Millisecond); err == nil {
		t.Fatalf("second holder acquired a held lock")
	}

	if err := l1.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l2, err := rc.Acquire(ctx, "lk", time.Minute, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = l2.Release(ctx)
}

func TestLock_LeaseExpires(t *testing.T) {
	rc, mr := newMini(t)
	ctx := context.Background()

	stale, err := rc.Acquire(ctx, "lk", 2*time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(3 * time.Second)

	fresh, err := rc.Acquire(ctx, "lk", time.Minute, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("lease did not expire: %v", err)
	}
	// the expired owner must not delete the new holder's lock
	if err := stale.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("lk") {
		t.Fatalf("stale release removed a lock it no longer owns")
	}
	_ = fresh.Release(ctx)
	if mr.Exists("lk") {
		t.Fatalf("owner release did not remove lock")
	}
}

func TestIndex_AddAndDrain(t *testing.T) {
	rc, mr := newMini(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b"} {
		if err := rc.Set(ctx, k, []byte("x"), time.Hour); err != nil {
			t.Fatal(err)
		}
		if err := rc.AddToIndex(ctx, "idx", k, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	if ttl := mr.TTL("idx"); ttl != time.Hour {
		t.Fatalf("index ttl: %s", ttl)
	}
	n, err := rc.DrainIndex(ctx, "idx")
	if err != nil || n != 2 {
		t.Fatalf("DrainIndex: n=%d err=%v", n, err)
	}
	for _, k := range []string{"a", "b", "idx"} {
		if mr.Exists(k) {
			t.Fatalf("%s survived drain", k)
		}
	}
	if n, err := rc.DrainIndex(ctx, "idx"); err != nil || n != 0 {
		t.Fatalf("draining an empty index: n=%d err=%v", n, err)
	}
}

func TestMetrics_Incremented(t *testing.T) {
	p := metrics.Init(metrics.Config{Build: metrics.BuildInfo{Version: "test"}})

	rc, _ := newMini(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_ = rc.Set(ctx, "m1", []byte("x"), time.Minute)
	_, _, _ = rc.Get(ctx, "m1")
	_ = rc.Del(ctx, "m1")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, op := range []string{"set", "get", "del"} {
		if !strings.Contains(body, `cache_ops_total{op="`+op+`"`) {
			t.Fatalf("missing cache_ops_total for %s; got:\n%s", op, body)
		}
	}
	if !strings.Contains(body, `cache_op_duration_seconds_bucket{op="set"`) {
		t.Fatalf("missing cache_op_duration_seconds histogram; got:\n%s", body)
	}
}
