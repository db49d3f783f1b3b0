// Package router holds the HTTP handlers of the public API.
package router

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/frafra/is-osm-uptodate/internal/core/model"
	"github.com/frafra/is-osm-uptodate/internal/export"
	"github.com/frafra/is-osm-uptodate/internal/geo"
	"github.com/frafra/is-osm-uptodate/internal/query"
	"github.com/frafra/is-osm-uptodate/internal/render"
	"github.com/frafra/is-osm-uptodate/internal/stats"
	"github.com/frafra/is-osm-uptodate/internal/upstream/ohsome"
	"github.com/frafra/is-osm-uptodate/internal/upstream/osmapi"
)

type Engine interface {
	Open(ctx context.Context, q query.Query) (*query.Stream, error)
	Points(ctx context.Context, q query.Query) iter.Seq2[model.AggregatedPoint, error]
}

type TileRenderer interface {
	RenderTile(ctx context.Context, q query.Query, p render.Params) ([]byte, error)
}

type WindowSource interface {
	Window(ctx context.Context) (model.TemporalWindow, error)
}

type FeatureLookup interface {
	Feature(ctx context.Context, featureType, featureID string) (osmapi.Response, error)
}

type Deps struct {
	Engine        Engine
	Renderer      TileRenderer
	Window        WindowSource
	Features      FeatureLookup
	DefaultFilter string
	Logger        *slog.Logger
}

type Handlers struct {
	engine        Engine
	renderer      TileRenderer
	window        WindowSource
	features      FeatureLookup
	defaultFilter string
	logger        *slog.Logger
}

func New(d Deps) *Handlers {
	return &Handlers{
		engine:        d.Engine,
		renderer:      d.Renderer,
		window:        d.Window,
		features:      d.Features,
		defaultFilter: d.DefaultFilter,
		logger:        d.Logger,
	}
}

// query assembles the common part of every data request: window, combined
// filter and the headers relayed upstream.
func (h *Handlers) query(r *http.Request, region geo.Region) (query.Query, error) {
	win, err := h.window.Window(r.Context())
	if err != nil {
		return query.Query{}, err
	}
	hdr := http.Header{}
	if ref := r.Referer(); ref != "" {
		hdr.Set("Referer", ref)
	}
	return query.Query{
		Region:  region,
		Window:  win,
		Filter:  ohsome.CombineFilters(r.URL.Query().Get("filter"), h.defaultFilter),
		Headers: hdr,
	}, nil
}

// GetData streams the region as a GeoJSON FeatureCollection. Upstream
// failures on the first tile become a plain error response; later ones abort
// the connection so the client never sees a complete looking document.
func (h *Handlers) GetData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rect, err := ParseBBox(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	region, err := regionFor(w, r, rect)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q, err := h.query(r, region)
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}

	s, err := h.engine.Open(ctx, q)
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}
	defer s.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", export.ContentDisposition(export.DataFilename(q.Window)))
	w.WriteHeader(http.StatusOK)
	n, err := export.WriteFeatureCollection(w, s.All())
	if err != nil {
		h.logger.ErrorContext(ctx, "getData aborted mid-stream", "err", err, "features", n)
		panic(http.ErrAbortHandler)
	}
	h.logger.DebugContext(ctx, "getData done", "features", n)
}

// GetStats summarises the bbox per parameter.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	rect, err := ParseBBox(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rect == nil {
		http.Error(w, errMissingRegion.Error(), http.StatusBadRequest)
		return
	}
	q, err := h.query(r, geo.RegionFromBBox(*rect))
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}

	var c stats.Collector
	for p, err := range h.engine.Points(r.Context(), q) {
		if err != nil {
			h.upstreamError(w, r, err)
			return
		}
		c.Add(p)
	}
	body, err := json.Marshal(c.Report())
	if err != nil {
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", export.ContentDisposition(export.StatsFilename(*rect, q.Window)))
	_, _ = w.Write(body)
}

// Tile renders /tiles/{z}/{x}/{y}.png, optionally clipped by a geojson field.
func (h *Handlers) Tile(w http.ResponseWriter, r *http.Request) {
	t, err := parseTile(chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := renderParams(r.URL.Query())
	if err != nil {
		http.Error(w, "Invalid param", http.StatusBadRequest)
		return
	}
	rect := geo.BoundToBBox(t.Bound())
	region, err := regionFor(w, r, &rect)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q, err := h.query(r, region)
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}

	png, err := h.renderer.RenderTile(r.Context(), q, p)
	if errors.Is(err, render.ErrInvalidParameter) {
		http.Error(w, "Invalid param", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.upstreamError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// GetFeature relays a single element from the OSM API.
func (h *Handlers) GetFeature(w http.ResponseWriter, r *http.Request) {
	ft := r.URL.Query().Get("feature_type")
	if ft == "" {
		ft = "node"
	}
	resp, err := h.features.Feature(r.Context(), ft, r.URL.Query().Get("feature_id"))
	if errors.Is(err, osmapi.ErrInvalidFeature) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.WarnContext(r.Context(), "osm api lookup failed", "err", err)
		http.Error(w, "osm api", http.StatusBadGateway)
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// upstreamError maps the failure taxonomy onto a response: unavailable is a
// 503 reading "ohsome", a rejection relays the upstream status and reason.
func (h *Handlers) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var se *ohsome.StatusError
	switch {
	case errors.Is(err, ohsome.ErrUnavailable):
		h.logger.WarnContext(r.Context(), "upstream unavailable", "err", err)
		http.Error(w, "ohsome", http.StatusServiceUnavailable)
	case errors.As(err, &se):
		h.logger.WarnContext(r.Context(), "upstream rejected request", "status", se.Code, "reason", se.Reason)
		http.Error(w, se.Reason, se.Code)
	case errors.Is(err, context.Canceled):
		h.logger.DebugContext(r.Context(), "request canceled", "err", err)
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "err", err)
		http.Error(w, "", http.StatusInternalServerError)
	}
}
