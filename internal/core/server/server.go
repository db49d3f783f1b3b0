package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/frafra/is-osm-uptodate/internal/core/config"
	"github.com/frafra/is-osm-uptodate/internal/core/health"
	middleware "github.com/frafra/is-osm-uptodate/internal/core/middleware"
	"github.com/frafra/is-osm-uptodate/internal/core/router"
)

// Probes are the operational endpoints; a nil handler leaves its route out.
type Probes struct {
	Ready   http.Handler
	Metrics http.Handler
}

// NewHandler wires the API routes and middleware.
func NewHandler(cfg config.Config, logger *slog.Logger, api *router.Handlers, probes Probes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	if probes.Ready != nil {
		r.Method(http.MethodGet, "/readyz", probes.Ready)
	}
	if probes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", probes.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/api/getData", api.GetData)
		r.Post("/api/getData", api.GetData)
		r.Get("/api/getStats", api.GetStats)
		r.Get("/api/getFeature", api.GetFeature)
		r.Get("/tiles/{z}/{x}/{y}.png", api.Tile)
		r.Post("/tiles/{z}/{x}/{y}.png", api.Tile)
	})
	return r
}

// Run serves handler on cfg.Addr until ctx ends. There is no write timeout:
// data responses stream for as long as the upstream fetches take.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, handler http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
