// Package main runs the L2 worker: it dispatches prepared batches to
// Google and Bing and emits a merged result envelope for L3.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shopindexer/pipeline/internal/adapter/provider/bing"
	"github.com/shopindexer/pipeline/internal/adapter/provider/google"
	"github.com/shopindexer/pipeline/internal/broker"
	"github.com/shopindexer/pipeline/internal/config"
	"github.com/shopindexer/pipeline/internal/crypto"
	"github.com/shopindexer/pipeline/internal/observability"
	"github.com/shopindexer/pipeline/internal/runtime"
	"github.com/shopindexer/pipeline/internal/worker/indexer"
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
			slog.Error("l2 worker metrics server error", slog.Any("error", err))
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

	stage := broker.StageL2.WithJobLimit(cfg.L2JobLimit).WithEnvelopeTTL(cfg.L2EnvelopeTTL)
	if err := b.EnsureGroup(ctx, stage); err != nil {
		slog.Error("ensure group failed", slog.Any("error", err))
		os.Exit(1)
	}

	decryptor, err := crypto.NewDecryptor(cfg.EncryptionKey)
	if err != nil {
		slog.Error("decryptor init failed", slog.Any("error", err))
		os.Exit(1)
	}

	googleClient := google.New(decryptor)
	googleClient.ChunkSize = cfg.GoogleChunkSize

	bingClient := bing.New(decryptor)
	bingClient.ChunkSize = cfg.BingChunkSize
	bingClient.MaxConcurrent = cfg.BingConcurrency
	bingClient.DefaultRetryLimit = cfg.ProviderRetryLimit
	if cfg.BingRequestTimeout > 0 {
		bingClient.HTTPClient.Timeout = cfg.BingRequestTimeout
	}

	processor := &indexer.Processor{
		Broker:              b,
		Google:              googleClient,
		Bing:                bingClient,
		L3EnvelopeTTL:       cfg.L3EnvelopeTTL,
		MinCredentialLength: cfg.CredentialMinLength,
		Logger:              logger,
	}

	consumer := broker.NewConsumer(b, stage, cfg.BrokerBlockTimeout)
	go broker.RunRecoveryLoop(ctx, b, stage, consumer.Name(), cfg.RecoveryIdleThreshold, cfg.RecoveryInterval, cfg.RecoveryBatchSize,
		runtime.RecoveryHandler(b, stage, processor.Handle, logger))

	slog.Info("starting l2 worker", slog.String("env", cfg.AppEnv), slog.Int("job_limit", stage.JobLimit))
	runtime.RunWorkerLoop(ctx, consumer, stage, stage.JobLimit, processor.Handle, logger)
	slog.Info("l2 worker shut down cleanly")
}
