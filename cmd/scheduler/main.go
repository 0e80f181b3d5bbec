// Package main runs the scheduler process: it ticks on an interval and
// seeds an L1 job for every shop eligible for a fresh indexing run.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shopindexer/pipeline/internal/adapter/repo/postgres"
	"github.com/shopindexer/pipeline/internal/config"
	"github.com/shopindexer/pipeline/internal/observability"
	"github.com/shopindexer/pipeline/internal/runtime"
	"github.com/shopindexer/pipeline/internal/scheduler"
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
			slog.Error("scheduler metrics server error", slog.Any("error", err))
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

	shops := postgres.NewShopRepo(pool)

	s := scheduler.New(b, shops, cfg.MinHoursBetweenRuns, cfg.MaxRunsPerDay, cfg.SchedulerJobTTL, cfg.SchedulerInterval, logger)

	slog.Info("starting scheduler", slog.String("env", cfg.AppEnv), slog.Duration("interval", cfg.SchedulerInterval))
	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("scheduler exited", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("scheduler shut down cleanly")
}
