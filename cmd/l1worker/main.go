// Package main runs the L1 worker: it turns scheduler seed jobs into
// credential-attached, provider-ready URL batches for L2.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shopindexer/pipeline/internal/adapter/repo/cache"
	"github.com/shopindexer/pipeline/internal/adapter/repo/postgres"
	"github.com/shopindexer/pipeline/internal/broker"
	"github.com/shopindexer/pipeline/internal/config"
	"github.com/shopindexer/pipeline/internal/domain"
	"github.com/shopindexer/pipeline/internal/observability"
	"github.com/shopindexer/pipeline/internal/runtime"
	"github.com/shopindexer/pipeline/internal/worker/dataprep"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.Register()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("l1 worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := runtime.SignalContext()
	defer stop()

	b, pool, err := runtime.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DBURL)
	if err != nil {
		slog.Error("connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = b.Close() }()
	defer pool.Close()

	stage := broker.StageL1.WithJobLimit(cfg.L1JobLimit).WithEnvelopeTTL(cfg.L1EnvelopeTTL)
	if err := b.EnsureGroup(ctx, stage); err != nil {
		slog.Error("ensure group failed", slog.Any("error", err))
		os.Exit(1)
	}

	var shops domain.ShopRepository = postgres.NewShopRepo(pool)
	if cfg.AuthCacheSize > 0 {
		cached, err := cache.NewCachedShopRepo(shops, cfg.AuthCacheSize)
		if err != nil {
			slog.Error("shop cache init failed", slog.Any("error", err))
			os.Exit(1)
		}
		shops = cached
	}

	processor := &dataprep.Processor{
		Broker:              b,
		Shops:               shops,
		UrlEntry:            postgres.NewUrlEntryRepo(pool),
		HeadroomMultiplier:  cfg.L1HeadroomMultiplier,
		FilterGoogleIndexed: false,
		L2EnvelopeTTL:       cfg.L2EnvelopeTTL,
		Logger:              logger,
	}

	consumer := broker.NewConsumer(b, stage, cfg.BrokerBlockTimeout)
	go broker.RunRecoveryLoop(ctx, b, stage, consumer.Name(), cfg.RecoveryIdleThreshold, cfg.RecoveryInterval, cfg.RecoveryBatchSize,
		runtime.RecoveryHandler(b, stage, processor.Handle, logger))

	slog.Info("starting l1 worker", slog.String("env", cfg.AppEnv), slog.Int("job_limit", stage.JobLimit))
	runtime.RunWorkerLoop(ctx, consumer, stage, stage.JobLimit, processor.Handle, logger)
	slog.Info("l1 worker shut down cleanly")
}
