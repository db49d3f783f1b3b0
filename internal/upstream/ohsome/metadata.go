package ohsome

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
)

type metadataDoc struct {
	ExtractRegion struct {
		TemporalExtent struct {
			FromTimestamp string `json:"fromTimestamp"`
			ToTimestamp   string `json:"toTimestamp"`
		} `json:"temporalExtent"`
	} `json:"extractRegion"`
}

// Metadata fetches the temporal extent currently served by ohsome.
func (c *Client) Metadata(ctx context.Context) (model.TemporalWindow, error) {
	resp, err := c.do(ctx, c.base+metadataPath, http.Header{})
	if err != nil {
		return model.TemporalWindow{}, err
	}
	body, err := decodeBody(resp)
	if err != nil {
		return model.TemporalWindow{}, err
	}
	defer body.Close()

	var doc metadataDoc
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return model.TemporalWindow{}, fmt.Errorf("ohsome: decode metadata: %w", err)
	}
	ext := doc.ExtractRegion.TemporalExtent
	start, err := ParseTimestamp(ext.FromTimestamp)
	if err != nil {
		return model.TemporalWindow{}, err
	}
	end, err := ParseTimestamp(ext.ToTimestamp)
	if err != nil {
		return model.TemporalWindow{}, err
	}
	return model.TemporalWindow{Start: start, End: end}, nil
}

// ParseTimestamp accepts "2024-05-01T20:00Z" as well as full second precision.
func ParseTimestamp(s string) (time.Time, error) {
	if strings.HasSuffix(s, "Z") && strings.Count(s, ":") == 1 {
		s = strings.TrimSuffix(s, "Z") + ":00Z"
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ohsome: bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

type windowSource interface {
	Metadata(ctx context.Context) (model.TemporalWindow, error)
}

// WindowCache memoises the temporal window per process for ttl.
type WindowCache struct {
	src   windowSource
	cache *expirable.LRU[string, model.TemporalWindow]
	sf    singleflight.Group
}

func NewWindowCache(src windowSource, ttl time.Duration) *WindowCache {
	return &WindowCache{
		src:   src,
		cache: expirable.NewLRU[string, model.TemporalWindow](1, nil, ttl),
	}
}

func (w *WindowCache) Window(ctx context.Context) (model.TemporalWindow, error) {
	if win, ok := w.cache.Get("window"); ok {
		return win, nil
	}
	v, err, _ := w.sf.Do("window", func() (any, error) {
		win, err := w.src.Metadata(ctx)
		if err != nil {
			return nil, err
		}
		w.cache.Add("window", win)
		return win, nil
	})
	if err != nil {
		return model.TemporalWindow{}, err
	}
	return v.(model.TemporalWindow), nil
}
