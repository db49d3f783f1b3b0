// Package ohsome is the client for the ohsome full-history API and its
// metadata endpoint.
package ohsome

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
	"github.com/frafra/is-osm-uptodate/internal/core/observability"
)

const (
	historyPath  = "/v1/elementsFullHistory/geometry"
	metadataPath = "/v1/metadata"
	upstreamName = "ohsome"
)

type Options struct {
	BaseURL        string
	UserAgent      string
	DefaultReferer string
	RPS            float64
	Burst          int
}

type Client struct {
	base    string
	opts    Options
	hc      *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[*http.Response]
	log     *slog.Logger
}

func New(opts Options, hc *http.Client, log *slog.Logger) *Client {
	if opts.RPS <= 0 {
		opts.RPS = 4
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	c := &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		opts:    opts,
		hc:      hc,
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		log:     log,
	}
	observability.SetBreakerState(upstreamName, 0)
	c.cb = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        upstreamName,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// a rejected query says nothing about upstream health
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state change", "upstream", name, "from", from.String(), "to", to.String())
			observability.SetBreakerState(name, int(to))
		},
	})
	return c
}

// HistoryRequest describes one tile's full-history query.
type HistoryRequest struct {
	BBox    model.BBox
	Window  model.TemporalWindow
	Filter  string
	Headers http.Header
}

// FetchHistory issues the full-history query and returns the decompressed
// response body. The caller must close it.
func (c *Client) FetchHistory(ctx context.Context, req HistoryRequest) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("bboxes", req.BBox.String())
	q.Set("time", FormatTime(req.Window.Start)+","+FormatTime(req.Window.End))
	q.Set("filter", req.Filter)
	q.Set("properties", "metadata")
	q.Set("showMetadata", "true")

	resp, err := c.do(ctx, c.base+historyPath+"?"+q.Encode(), req.Headers)
	if err != nil {
		return nil, err
	}
	return decodeBody(resp)
}

func (c *Client) do(ctx context.Context, target string, headers http.Header) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ohsome: rate limit wait: %w", err)
	}
	start := time.Now()
	resp, err := c.cb.Execute(func() (*http.Response, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("ohsome: build request: %w", err)
		}
		c.setHeaders(r, headers)
		resp, err := c.hc.Do(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			_ = resp.Body.Close()
			return nil, statusError(resp)
		}
		return resp, nil
	})
	observability.ObserveUpstream(upstreamName, err, time.Since(start).Seconds())
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err != nil {
		c.log.WarnContext(ctx, "ohsome request failed", "err", err)
		return nil, err
	}
	return resp, nil
}

func (c *Client) setHeaders(r *http.Request, extra http.Header) {
	for k, vs := range extra {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	if c.opts.UserAgent != "" {
		r.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if r.Header.Get("Referer") == "" && c.opts.DefaultReferer != "" {
		r.Header.Set("Referer", c.opts.DefaultReferer)
	}
	r.Header.Set("Accept-Encoding", "gzip")
}

type gzipBody struct {
	*gzip.Reader
	raw io.Closer
}

func (g gzipBody) Close() error {
	gerr := g.Reader.Close()
	if err := g.raw.Close(); err != nil {
		return err
	}
	return gerr
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return resp.Body, nil
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: gzip: %w", ErrUnavailable, err)
	}
	return gzipBody{Reader: zr, raw: resp.Body}, nil
}

// FormatTime renders timestamps the way ohsome reports them.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
