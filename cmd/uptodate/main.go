package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/frafra/is-osm-uptodate/internal/cache/redisstore"
	"github.com/frafra/is-osm-uptodate/internal/cache/tilecache"
	"github.com/frafra/is-osm-uptodate/internal/core/config"
	"github.com/frafra/is-osm-uptodate/internal/core/health"
	"github.com/frafra/is-osm-uptodate/internal/core/httpclient"
	"github.com/frafra/is-osm-uptodate/internal/core/router"
	"github.com/frafra/is-osm-uptodate/internal/core/server"
	"github.com/frafra/is-osm-uptodate/internal/history"
	"github.com/frafra/is-osm-uptodate/internal/invalidation/kafkaconsumer"
	"github.com/frafra/is-osm-uptodate/internal/logger"
	"github.com/frafra/is-osm-uptodate/internal/metrics"
	"github.com/frafra/is-osm-uptodate/internal/query"
	"github.com/frafra/is-osm-uptodate/internal/render"
	"github.com/frafra/is-osm-uptodate/internal/upstream/ohsome"
	"github.com/frafra/is-osm-uptodate/internal/upstream/osmapi"
)

var (
	Version   = "dev"
	Revision  = ""
	Branch    = ""
	BuildDate = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	// a missing .env is fine
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		zl := logger.Build(logger.Config{Level: "error", Service: "uptodate"}, os.Stderr)
		zl.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "uptodate",
		Component: "api",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting is-osm-uptodate",
		"addr", cfg.Addr,
		"version", Version,
		"api_server", cfg.APIServer,
		"z_target", cfg.ZTarget,
		"staleness", cfg.StalenessFormula)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	formula, err := history.ParseFormula(cfg.StalenessFormula)
	if err != nil {
		appLog.Error("invalid staleness formula", "err", err)
		return 1
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	rc, err := redisstore.New(connectCtx, cfg.RedisAddr,
		redisstore.WithPoolSize(cfg.RedisPoolSize),
		redisstore.WithDialTimeout(cfg.CacheOpTimeout),
		redisstore.WithReadTimeout(cfg.CacheOpTimeout),
		redisstore.WithWriteTimeout(cfg.CacheOpTimeout),
	)
	cancel()
	if err != nil {
		appLog.Error("redis unavailable", "addr", cfg.RedisAddr, "err", err)
		return 1
	}
	defer func() { _ = rc.Close() }()

	userAgent := "is-osm-uptodate/" + Version
	hc := httpclient.NewOutbound(cfg.UpstreamTimeout)
	upstream := ohsome.New(ohsome.Options{
		BaseURL:        cfg.APIServer,
		UserAgent:      userAgent,
		DefaultReferer: cfg.DefaultReferer,
		RPS:            cfg.UpstreamRPS,
		Burst:          cfg.UpstreamBurst,
	}, hc, appLog)

	tiles := tilecache.New(tilecache.NewRedisStore(rc, cfg.CacheOpTimeout), upstream, tilecache.Config{
		TTL:         cfg.CacheTTL,
		LockTTL:     cfg.LockTTL,
		FillTimeout: cfg.UpstreamTimeout,
		Formula:     formula,
	}, appLog)
	engine := query.New(tiles, cfg.ZTarget, appLog)

	api := router.New(router.Deps{
		Engine:        engine,
		Renderer:      render.New(engine),
		Window:        ohsome.NewWindowCache(upstream, cfg.MetadataTTL),
		Features:      osmapi.New(cfg.OSMAPI, userAgent, hc),
		DefaultFilter: cfg.DefaultFilter,
		Logger:        appLog,
	})

	probes := server.Probes{
		Ready: health.Readiness(2*time.Second, map[string]health.Pinger{"redis": rc}),
	}
	if cfg.MetricsEnabled {
		p := metrics.Init(metrics.Config{
			Build: metrics.BuildInfo{Version: Version, Revision: Revision, Branch: Branch, BuildDate: BuildDate},
		})
		p.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "uptodate_redis_pool_connections",
			Help: "Open connections in the Redis pool.",
		}, func() float64 { return float64(rc.PoolStats().TotalConns) }))
		probes.Metrics = p.Handler()
	}

	if cfg.Invalidation.Enabled {
		consumer := kafkaconsumer.New(kafkaconsumer.ConfigFrom(cfg.Invalidation), appLog, tiles, cfg.ZTarget)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
		}()
	}

	handler := server.NewHandler(cfg, appLog, api, probes)
	if err := server.Run(ctx, cfg, appLog, handler); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
