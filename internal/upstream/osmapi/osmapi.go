// Package osmapi proxies single-element lookups to the OpenStreetMap API.
package osmapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/frafra/is-osm-uptodate/internal/core/observability"
)

var ErrInvalidFeature = errors.New("osmapi: invalid feature reference")

var featureTypes = map[string]bool{"node": true, "way": true, "relation": true}

type Client struct {
	base      string
	userAgent string
	hc        *http.Client
}

func New(base, userAgent string, hc *http.Client) *Client {
	return &Client{base: strings.TrimRight(base, "/"), userAgent: userAgent, hc: hc}
}

// Response is the upstream answer relayed verbatim to the caller.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

func (c *Client) Feature(ctx context.Context, featureType, featureID string) (Response, error) {
	if !featureTypes[featureType] {
		return Response{}, fmt.Errorf("%w: type %q", ErrInvalidFeature, featureType)
	}
	if _, err := strconv.ParseUint(featureID, 10, 64); err != nil {
		return Response{}, fmt.Errorf("%w: id %q", ErrInvalidFeature, featureID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s/%s.json", c.base, featureType, featureID), nil)
	if err != nil {
		return Response{}, fmt.Errorf("osmapi: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "gzip")

	start := time.Now()
	resp, err := c.hc.Do(req)
	observability.ObserveUpstream("osmapi", err, time.Since(start).Seconds())
	if err != nil {
		return Response{}, fmt.Errorf("osmapi: %w", err)
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return Response{}, fmt.Errorf("osmapi: gzip: %w", err)
		}
		defer zr.Close()
		body = zr
	}
	b, err := io.ReadAll(io.LimitReader(body, 8<<20))
	if err != nil {
		return Response{}, fmt.Errorf("osmapi: read body: %w", err)
	}
	return Response{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: b}, nil
}
