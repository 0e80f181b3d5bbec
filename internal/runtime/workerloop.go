package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopindexer/pipeline/internal/broker"
	"github.com/shopindexer/pipeline/internal/observability"
)

// Handler processes one delivered job. Errors are logged by the loop but
// never cause a redelivery: per-job terminal status (success or failure) is
// the caller's responsibility to write to the envelope before returning.
type Handler func(ctx context.Context, d *broker.Delivery)

// RecoveryHandler adapts a Handler to the broker's RunRecoveryLoop callback
// shape: it re-fetches the reclaimed job's envelope payload and replays it
// through the same handler a fresh delivery would use. A ghost reclaim
// (envelope evicted since the idle check) is logged and ack'd without
// calling handle.
func RecoveryHandler(client *broker.Client, stage broker.Stage, handle Handler, logger *slog.Logger) func(context.Context, broker.Reclaimed) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, r broker.Reclaimed) {
		data, err := client.GetEnvelopeData(ctx, stage, r.JobID)
		if err != nil {
			logger.Error("recovery envelope lookup failed", slog.String("stage", stage.Name), slog.String("job_id", r.JobID), slog.Any("error", err))
			return
		}
		if data == nil {
			logger.Warn("ghost job reclaimed: envelope missing", slog.String("stage", stage.Name), slog.String("job_id", r.JobID))
			if ackErr := client.Ack(ctx, stage, r.MsgID); ackErr != nil {
				logger.Error("ack failed for ghost reclaim", slog.String("job_id", r.JobID), slog.Any("error", ackErr))
			}
			return
		}
		observability.JobsRecoveredTotal.WithLabelValues(stage.Name).Inc()
		handle(ctx, &broker.Delivery{MsgID: r.MsgID, JobID: r.JobID, Shop: r.Shop, Data: data, Stream: r.Stream})
	}
}

// RunWorkerLoop drives a stage's single reader task plus up to jobLimit
// concurrent handler invocations, matching the one-reader/N-processor model
// described for each pipeline stage. It blocks until ctx is cancelled or the
// consecutive-error breaker trips.
func RunWorkerLoop(ctx context.Context, consumer *broker.Consumer, stage broker.Stage, jobLimit int, handle Handler, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	sem := make(chan struct{}, jobLimit)
	breaker := NewErrorBreaker(10)
	var wg sync.WaitGroup

	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if !DrainGroup(drainCtx, &wg) {
			logger.Warn("graceful shutdown timed out with jobs still in flight", slog.String("stage", stage.Name))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d, err := consumer.ReadOne(ctx)
		if err != nil {
			observability.JobsConsumedTotal.WithLabelValues(stage.Name, "read_error").Inc()
			logger.Error("broker read failed", slog.String("stage", stage.Name), slog.Any("error", err))
			if breaker.RecordFailure() {
				logger.Error("consecutive error limit reached, shutting down", slog.String("stage", stage.Name))
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		breaker.RecordSuccess()
		if d == nil {
			continue // read timeout; loop and re-check shutdown
		}

		observability.JobsConsumedTotal.WithLabelValues(stage.Name, "ok").Inc()
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		observability.JobsInFlight.WithLabelValues(stage.Name).Inc()
		go func(delivery *broker.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			defer observability.JobsInFlight.WithLabelValues(stage.Name).Dec()
			start := time.Now()
			handle(ctx, delivery)
			observability.JobDuration.WithLabelValues(stage.Name).Observe(time.Since(start).Seconds())
		}(d)
	}
}
