// Command loadgen replays a Zipf-skewed mix of tile and getData requests
// against a running service and reports latency percentiles.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/frafra/is-osm-uptodate/internal/stats"
)

type Config struct {
	BaseURL        string
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	Zoom           int
	Targets        int
	DataRatio      float64
	Mode           string
	OutputPrefix   string
	RequestTimeout time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "target", "http://localhost:8000", "Service base URL")
	flag.IntVar(&cfg.Concurrency, "concurrency", 8, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.Zoom, "zoom", 14, "Zoom of the requested map tiles")
	flag.IntVar(&cfg.Targets, "targets", 64, "Distinct tiles in the pool")
	flag.Float64Var(&cfg.DataRatio, "data-ratio", 0.1, "Share of requests sent to /api/getData")
	flag.StringVar(&cfg.Mode, "mode", "lastedit", "Tile render mode")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/loadgen", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 2*time.Minute, "Per-request timeout")
	flag.Parse()
	return cfg
}

var hotspots = []orb.Point{
	{9.1900, 45.4642},  // Milan
	{10.7522, 59.9139}, // Oslo
	{11.2558, 43.7696}, // Florence
	{2.3522, 48.8566},  // Paris
}

// makeTiles walks outward from each hotspot so low Zipf ranks hit the
// busiest tiles.
func makeTiles(count int, z maptile.Zoom) []maptile.Tile {
	seen := map[maptile.Tile]bool{}
	tiles := make([]maptile.Tile, 0, count)
	for ring := uint32(0); len(tiles) < count && ring < 64; ring++ {
		for _, c := range hotspots {
			center := maptile.At(c, z)
			for dx := -int64(ring); dx <= int64(ring); dx++ {
				for dy := -int64(ring); dy <= int64(ring); dy++ {
					x, y := int64(center.X)+dx, int64(center.Y)+dy
					if x < 0 || y < 0 || x >= 1<<z || y >= 1<<z {
						continue
					}
					t := maptile.New(uint32(x), uint32(y), z)
					if seen[t] || len(tiles) >= count {
						continue
					}
					seen[t] = true
					tiles = append(tiles, t)
				}
			}
		}
	}
	return tiles
}

type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Kind      string
	Status    int
	ErrorMsg  string
	Target    string
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	ZipfS         float64   `json:"zipf_s"`
	Targets       int       `json:"targets"`
	BaseURL       string    `json:"target"`
}

type aggregatedResult struct {
	total   int64
	success int64
	errors  int64
	latMs   []float64
}

func requestURL(base string, t maptile.Tile, data bool, mode string) string {
	if !data {
		q := url.Values{"mode": {mode}}
		return fmt.Sprintf("%s/tiles/%d/%d/%d.png?%s", base, t.Z, t.X, t.Y, q.Encode())
	}
	b := t.Bound()
	q := url.Values{}
	q.Set("minx", strconv.FormatFloat(b.Min.X(), 'f', 7, 64))
	q.Set("miny", strconv.FormatFloat(b.Min.Y(), 'f', 7, 64))
	q.Set("maxx", strconv.FormatFloat(b.Max.X(), 'f', 7, 64))
	q.Set("maxy", strconv.FormatFloat(b.Max.Y(), 'f', 7, 64))
	return base + "/api/getData?" + q.Encode()
}

func main() {
	cfg := loadConfig()
	if cfg.Targets < 1 || cfg.Concurrency < 1 {
		log.Fatalf("targets and concurrency must be positive")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	prefix := fmt.Sprintf("%s_%s", cfg.OutputPrefix, time.Now().UTC().Format("20060102_150405Z"))

	tiles := makeTiles(cfg.Targets, maptile.Zoom(cfg.Zoom))
	if len(tiles) == 0 {
		log.Fatalf("no tiles generated")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	imax := uint64(len(tiles)) - 1
	seed := time.Now().UnixNano()

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Fatalf("open csv: %v", err)
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	samples := make(chan sample, 1024)
	results := make(chan aggregatedResult, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "latency_ms", "kind", "status", "error", "target"})
		var agg aggregatedResult
		for s := range samples {
			agg.total++
			ms := float64(s.Latency.Microseconds()) / 1000.0
			if s.ErrorMsg == "" {
				agg.success++
				agg.latMs = append(agg.latMs, ms)
			} else {
				agg.errors++
			}
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				strconv.FormatFloat(ms, 'f', 3, 64),
				s.Kind,
				strconv.Itoa(s.Status),
				s.ErrorMsg,
				s.Target,
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		results <- agg
	}()

	startTime := time.Now()
	log.Printf("loadgen start target=%s dur=%s conc=%d zipf(s=%.2f,v=%.2f) tiles=%d z=%d",
		base, cfg.Duration, cfg.Concurrency, cfg.ZipfS, cfg.ZipfV, len(tiles), cfg.Zoom)

	var wg sync.WaitGroup
	for id := range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, imax)
			for ctx.Err() == nil {
				t := tiles[zipf.Uint64()]
				data := r.Float64() < cfg.DataRatio
				s := fire(ctx, httpClient, requestURL(base, t, data, cfg.Mode))
				s.Kind = "tile"
				if data {
					s.Kind = "data"
				}
				select {
				case samples <- s:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(samples)
	}()

	agg := <-results
	endTime := time.Now()
	elapsed := endTime.Sub(startTime).Seconds()

	out := summary{
		StartTime:     startTime.UTC(),
		EndTime:       endTime.UTC(),
		DurationSec:   elapsed,
		TotalRequests: agg.total,
		SuccessCount:  agg.success,
		ErrorCount:    agg.errors,
		ThroughputRPS: float64(agg.total) / elapsed,
		P50Ms:         percentile(agg.latMs, 50),
		P95Ms:         percentile(agg.latMs, 95),
		P99Ms:         percentile(agg.latMs, 99),
		Concurrency:   cfg.Concurrency,
		ZipfS:         cfg.ZipfS,
		Targets:       len(tiles),
		BaseURL:       base,
	}
	if b, err := json.MarshalIndent(out, "", "  "); err == nil {
		if err := os.WriteFile(filepath.Clean(jsonPath), b, 0o600); err != nil {
			log.Printf("write summary: %v", err)
		}
	}

	log.Printf("done: total=%d succ=%d err=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		out.TotalRequests, out.SuccessCount, out.ErrorCount, out.ThroughputRPS, out.P50Ms, out.P95Ms, out.P99Ms)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

func fire(ctx context.Context, hc *http.Client, target string) sample {
	s := sample{Timestamp: time.Now(), Target: target}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	resp, err := hc.Do(req)
	if err != nil {
		s.Latency = time.Since(s.Timestamp)
		s.ErrorMsg = err.Error()
		return s
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	s.Latency = time.Since(s.Timestamp)
	s.Status = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		s.ErrorMsg = "status=" + strconv.Itoa(resp.StatusCode)
	}
	return s
}

func percentile(values []float64, p int) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return stats.Percentile(values, p)
}
