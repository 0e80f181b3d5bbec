// Package reconciler implements the L3 worker: it folds a provider result
// envelope back into the relational store, promoting each url's indexed
// flags and completion ledger.
package reconciler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shopindexer/pipeline/internal/broker"
	"github.com/shopindexer/pipeline/internal/domain"
)

// Processor consumes L3 result envelopes and promotes url_entries/index_tasks
// state for every url that a provider reported success for.
type Processor struct {
	Broker    *broker.Client
	UrlEntry  domain.UrlEntryRepository
	IndexTask domain.IndexTaskRepository

	RetryMultiplier float64
	RetryMinDelay   time.Duration
	RetryMaxDelay   time.Duration
	RetryMaxTries   int

	Logger *slog.Logger
}

// Handle processes one L3 delivery: it partitions successful urls by which
// provider(s) confirmed them and issues one bulk update per partition.
func (p *Processor) Handle(ctx domain.Context, d *broker.Delivery) {
	var result domain.ResultEnvelope
	if err := json.Unmarshal(d.Data, &result); err != nil {
		p.fail(ctx, d, fmt.Errorf("op=reconciler.decode_result: %w", err))
		return
	}

	googleURLs := successfulURLs(result.Google)
	bingURLs := successfulURLs(result.Bing)

	both, googleOnly, bingOnly := partition(googleURLs, bingURLs)

	now := time.Now().UTC()
	if len(both) > 0 {
		if err := p.retry(ctx, func() error { return p.UrlEntry.PromoteBoth(ctx, result.Shop, both, now) }); err != nil {
			p.fail(ctx, d, fmt.Errorf("op=reconciler.promote_both: %w", err))
			return
		}
	}
	if len(googleOnly) > 0 {
		if err := p.retry(ctx, func() error { return p.UrlEntry.PromoteGoogleOnly(ctx, result.Shop, googleOnly, now) }); err != nil {
			p.fail(ctx, d, fmt.Errorf("op=reconciler.promote_google_only: %w", err))
			return
		}
	}
	if len(bingOnly) > 0 {
		if err := p.retry(ctx, func() error { return p.UrlEntry.PromoteBingOnly(ctx, result.Shop, bingOnly, now) }); err != nil {
			p.fail(ctx, d, fmt.Errorf("op=reconciler.promote_bing_only: %w", err))
			return
		}
	}

	completed := append(append([]string{}, both...), googleOnly...)
	completed = append(completed, bingOnly...)
	if len(completed) > 0 {
		if err := p.retry(ctx, func() error { return p.IndexTask.MarkCompleted(ctx, result.Shop, completed, now) }); err != nil {
			p.fail(ctx, d, fmt.Errorf("op=reconciler.mark_completed: %w", err))
			return
		}
	}

	p.logger().Info("L3 job reconciled",
		slog.String("shop", result.Shop),
		slog.Int("both", len(both)),
		slog.Int("google_only", len(googleOnly)),
		slog.Int("bing_only", len(bingOnly)))

	p.complete(ctx, d)
}

// retry wraps a repository call with a short exponential backoff.
func (p *Processor) retry(ctx domain.Context, op func() error) error {
	minDelay, maxDelay, multiplier, maxTries := p.RetryMinDelay, p.RetryMaxDelay, p.RetryMultiplier, p.RetryMaxTries
	if minDelay <= 0 {
		minDelay = 4 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	if maxTries <= 0 {
		maxTries = 3
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = minDelay
	expo.MaxInterval = maxDelay
	expo.Multiplier = multiplier
	expo.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(maxTries-1)), ctx)
	return backoff.Retry(op, bo)
}

// successfulURLs extracts the urls a provider outcome reported with a
// success status and HTTP 200; unsuccessful, unattempted, or partial
// outcomes contribute nothing.
func successfulURLs(outcome domain.ProviderOutcome) []string {
	if !outcome.Executed || outcome.Success == nil || !*outcome.Success || len(outcome.Result) == 0 {
		return nil
	}

	var urls []string

	var google domain.GoogleBatchResult
	if err := json.Unmarshal(outcome.Result, &google); err == nil && len(google.Results) > 0 {
		for _, r := range google.Results {
			if r.Status == domain.ResultSuccess && r.HTTPStatus == 200 {
				urls = append(urls, r.WebURL)
			}
		}
		return urls
	}

	var bing domain.BingDispatchResult
	if err := json.Unmarshal(outcome.Result, &bing); err == nil {
		for _, batch := range bing.Batches {
			if batch.Status == domain.ResultSuccess && batch.HTTPStatus == 200 {
				urls = append(urls, batch.URLs...)
			}
		}
	}
	return urls
}

// partition splits two success sets into urls confirmed by both providers,
// urls confirmed by Google only, and urls confirmed by Bing only.
func partition(google, bing []string) (both, googleOnly, bingOnly []string) {
	googleSet := map[string]bool{}
	for _, u := range google {
		googleSet[u] = true
	}
	bingSet := map[string]bool{}
	for _, u := range bing {
		bingSet[u] = true
	}

	for u := range googleSet {
		if bingSet[u] {
			both = append(both, u)
		} else {
			googleOnly = append(googleOnly, u)
		}
	}
	for u := range bingSet {
		if !googleSet[u] {
			bingOnly = append(bingOnly, u)
		}
	}
	return both, googleOnly, bingOnly
}

func (p *Processor) complete(ctx domain.Context, d *broker.Delivery) {
	logger := p.logger()
	if err := p.Broker.CompleteEnvelope(ctx, broker.StageL3, d.JobID, ""); err != nil {
		logger.Error("failed to complete envelope", slog.String("job_id", d.JobID), slog.Any("error", err))
	}
	if err := p.Broker.Ack(ctx, broker.StageL3, d.MsgID); err != nil {
		logger.Error("ack failed", slog.String("job_id", d.JobID), slog.Any("error", err))
	}
}

func (p *Processor) fail(ctx domain.Context, d *broker.Delivery, cause error) {
	logger := p.logger()
	logger.Error("L3 job failed", slog.String("job_id", d.JobID), slog.String("shop", d.Shop), slog.Any("error", cause))
	if err := p.Broker.FailEnvelope(ctx, broker.StageL3, d.JobID, cause); err != nil {
		logger.Error("failed to fail envelope", slog.String("job_id", d.JobID), slog.Any("error", err))
	}
	if err := p.Broker.Ack(ctx, broker.StageL3, d.MsgID); err != nil {
		logger.Error("ack failed", slog.String("job_id", d.JobID), slog.Any("error", err))
	}
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
