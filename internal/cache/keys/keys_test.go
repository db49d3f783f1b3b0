package keys

import (
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode"
)

var (
	start = time.Date(2007, 10, 8, 0, 0, 0, 0, time.UTC)
	end   = time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
)

func TestDeterminism_SameInputsSameKey(t *testing.T) {
	k1 := TileKey("120210233", start, end, "amenity=bench and type:node", "days_per_edit")
	k2 := TileKey("120210233", start, end, "amenity=bench and type:node", "days_per_edit")
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
}

func TestNormalization_SpacingVariantsProduceSameKey(t *testing.T) {
	fA := "  amenity  =    bench   and  type : node  "
	fB := "amenity=bench and type:node"
	k1 := TileKey("120210233", start, end, fA, "days_per_edit")
	k2 := TileKey("120210233", start, end, fB, "days_per_edit")
	if k1 != k2 {
		t.Fatalf("normalized keys differ:\n k1=%s\n k2=%s", k1, k2)
	}
	if !regexp.MustCompile(`^[A-Za-z0-9:_=\-]+$`).MatchString(k1) {
		t.Fatalf("key contains disallowed characters: %s", k1)
	}
}

func TestNormalization_QuotedValuesKeepTheirSpacing(t *testing.T) {
	pairs := [][2]string{
		{`(name="Via  Roma") and (type:node)`, `(name="Via Roma") and (type:node)`},
		{`name="a : b"`, `name="a:b"`},
		{`name="x\" y" and type:way`, `name="x\"y" and type:way`},
	}
	for _, p := range pairs {
		if NormalizeFilter(p[0]) == NormalizeFilter(p[1]) {
			t.Fatalf("%q and %q normalize to %q", p[0], p[1], NormalizeFilter(p[0]))
		}
		if TileKey("120210233", start, end, p[0], "days_per_edit") == TileKey("120210233", start, end, p[1], "days_per_edit") {
			t.Fatalf("%q and %q share a cache key", p[0], p[1])
		}
	}

	got := NormalizeFilter(`  name  =  "Via  Roma"   and  type : node `)
	if want := `name="Via  Roma" and type:node`; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestDifference_EveryComponentMatters(t *testing.T) {
	base := TileKey("120210233", start, end, "type:node", "days_per_edit")
	variants := []string{
		TileKey("120210232", start, end, "type:node", "days_per_edit"),
		TileKey("120210233", start.Add(time.Second), end, "type:node", "days_per_edit"),
		TileKey("120210233", start, end.Add(time.Hour), "type:node", "days_per_edit"),
		TileKey("120210233", start, end, "type:way", "days_per_edit"),
		TileKey("120210233", start, end, "type:node", "edits_per_year"),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collides with base key %s", i, base)
		}
	}
}

func TestUnicodeSafety_NoPanicAndHashSuffixPresent(t *testing.T) {
	f := "name = 'Göteborg' and note = '雪'"
	k := TileKey("0", start, end, f, "days_per_edit")

	for _, r := range k {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into key: %q in %s", r, k)
		}
	}

	m := regexp.MustCompile(`:f=([0-9a-f]{16})$`).FindStringSubmatch(k)
	if len(m) != 2 {
		t.Fatalf("missing or invalid :f=<hex64> suffix in key: %s", k)
	}

	if !strings.Contains(k, ":filters=") {
		t.Fatalf("missing filters= segment in key: %s", k)
	}
}

func TestLockAndIndexKeys(t *testing.T) {
	k := TileKey("1202", start, end, "type:node", "days_per_edit")
	if LockKey(k) == k || !strings.HasPrefix(LockKey(k), k) {
		t.Fatalf("lock key %q must extend tile key", LockKey(k))
	}
	if IndexKey("1202") != "uptodate:idx:1202" {
		t.Fatalf("index key: %s", IndexKey("1202"))
	}
	if !strings.Contains(k, ":1202:20071008T000000Z:20240501T200000Z:") {
		t.Fatalf("quadkey and window not visible in key: %s", k)
	}
}
