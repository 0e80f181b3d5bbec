// Package indexer implements the L2 worker: it dispatches a prepared batch
// to Google, Bing, or both, and emits a merged result envelope for L3.
package indexer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/shopindexer/pipeline/internal/adapter/provider/bing"
	"github.com/shopindexer/pipeline/internal/adapter/provider/google"
	"github.com/shopindexer/pipeline/internal/broker"
	"github.com/shopindexer/pipeline/internal/domain"
)

// minCredentialLength is the lower bound on a non-empty, plausibly-real
// encrypted credential string; values of this length or shorter are treated
// as absent.
const minCredentialLength = 10

// GoogleDispatcher submits a batch job to the Google Indexing API.
type GoogleDispatcher interface {
	Dispatch(ctx domain.Context, job domain.UrlIndexBatchJob) (domain.GoogleBatchResult, error)
}

// BingDispatcher submits a batch job to the Bing SubmitUrlbatch API.
type BingDispatcher interface {
	Dispatch(ctx domain.Context, job domain.UrlIndexBatchJob) (domain.BingDispatchResult, error)
}

var (
	_ GoogleDispatcher = (*google.Client)(nil)
	_ BingDispatcher   = (*bing.Client)(nil)
)

// Processor consumes L2 batch envelopes, dispatches to whichever providers
// hold valid credentials, and emits the merged outcome to L3.
type Processor struct {
	Broker *broker.Client
	Google GoogleDispatcher
	Bing   BingDispatcher

	L3EnvelopeTTL time.Duration

	// MinCredentialLength overrides the lower bound used to treat a
	// still-encrypted credential string as present (its length must exceed
	// the bound); zero keeps the package default.
	MinCredentialLength int

	Logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func (p *Processor) minCredentialLength() int {
	if p.MinCredentialLength > 0 {
		return p.MinCredentialLength
	}
	return minCredentialLength
}

// Handle processes one L2 delivery: it gates on credential validity,
// dispatches to Google and Bing independently (one provider's failure never
// suppresses the other), and forwards a merged ResultEnvelope to L3.
func (p *Processor) Handle(ctx domain.Context, d *broker.Delivery) {
	logger := p.logger()

	var job domain.UrlIndexBatchJob
	if err := json.Unmarshal(d.Data, &job); err != nil {
		p.fail(ctx, d, fmt.Errorf("op=indexer.decode_batch: %w", err))
		return
	}

	minLen := p.minCredentialLength()
	hasGoogle := len(job.Auth.GoogleConfig) > minLen
	hasBing := len(job.Auth.BingAPIKey) > minLen

	if !hasGoogle && !hasBing {
		p.emitResult(ctx, d, job, domain.ProviderOutcome{Executed: false, Reason: "No valid credentials"}, domain.ProviderOutcome{Executed: false, Reason: "No valid credentials"})
		return
	}

	var wg sync.WaitGroup
	var googleOutcome, bingOutcome domain.ProviderOutcome

	if hasGoogle {
		wg.Add(1)
		go func() {
			defer wg.Done()
			googleOutcome = p.dispatchGoogle(ctx, job)
		}()
	} else {
		googleOutcome = domain.ProviderOutcome{Executed: false, Reason: "No valid credentials"}
	}

	if hasBing {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bingOutcome = p.dispatchBing(ctx, job)
		}()
	} else {
		bingOutcome = domain.ProviderOutcome{Executed: false, Reason: "No valid credentials"}
	}

	wg.Wait()
	logger.Info("L2 job dispatched", slog.String("shop", job.Shop), slog.Bool("google", hasGoogle), slog.Bool("bing", hasBing))

	p.emitResult(ctx, d, job, googleOutcome, bingOutcome)
}

func (p *Processor) dispatchGoogle(ctx domain.Context, job domain.UrlIndexBatchJob) domain.ProviderOutcome {
	cb := p.breakerFor(job.Shop, "google")
	out, err := cb.Execute(func() (interface{}, error) {
		return p.Google.Dispatch(ctx, job)
	})
	if err != nil {
		p.logger().Error("google dispatch failed", slog.String("shop", job.Shop), slog.Any("error", err))
		success := false
		return domain.ProviderOutcome{Executed: true, Success: &success, Reason: err.Error()}
	}
	result := out.(domain.GoogleBatchResult)
	raw, _ := json.Marshal(result)
	success := true
	return domain.ProviderOutcome{Executed: true, Success: &success, Result: raw}
}

func (p *Processor) dispatchBing(ctx domain.Context, job domain.UrlIndexBatchJob) domain.ProviderOutcome {
	cb := p.breakerFor(job.Shop, "bing")
	out, err := cb.Execute(func() (interface{}, error) {
		return p.Bing.Dispatch(ctx, job)
	})
	if err != nil {
		p.logger().Error("bing dispatch failed", slog.String("shop", job.Shop), slog.Any("error", err))
		success := false
		return domain.ProviderOutcome{Executed: true, Success: &success, Reason: err.Error()}
	}
	result := out.(domain.BingDispatchResult)
	raw, _ := json.Marshal(result)
	success := true
	return domain.ProviderOutcome{Executed: true, Success: &success, Result: raw}
}

// breakerFor lazily creates a per-shop-per-provider circuit breaker that
// trips after 5 consecutive dispatch failures and probes again after 30s.
func (p *Processor) breakerFor(shop, provider string) *gobreaker.CircuitBreaker {
	key := shop + ":" + provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.breakers == nil {
		p.breakers = map[string]*gobreaker.CircuitBreaker{}
	}
	if cb, ok := p.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	p.breakers[key] = cb
	return cb
}

func (p *Processor) emitResult(ctx domain.Context, d *broker.Delivery, job domain.UrlIndexBatchJob, googleOutcome, bingOutcome domain.ProviderOutcome) {
	logger := p.logger()

	l3JobID := uuid.New().String()
	result := domain.ResultEnvelope{
		Shop:        job.Shop,
		JobID:       l3JobID,
		ProcessedAt: time.Now().UTC(),
		Google:      googleOutcome,
		Bing:        bingOutcome,
	}

	if err := p.Broker.CreateEnvelope(ctx, broker.StageL3.WithEnvelopeTTL(p.L3EnvelopeTTL), l3JobID, result); err != nil {
		p.fail(ctx, d, fmt.Errorf("op=indexer.create_l3_envelope: %w", err))
		return
	}
	if err := p.Broker.Publish(ctx, broker.StageL3, domain.StreamEntry{JobID: l3JobID, Shop: job.Shop}); err != nil {
		p.fail(ctx, d, fmt.Errorf("op=indexer.publish_l3: %w", err))
		return
	}

	if err := p.Broker.CompleteEnvelope(ctx, broker.StageL2, d.JobID, ""); err != nil {
		logger.Error("failed to complete envelope", slog.String("job_id", d.JobID), slog.Any("error", err))
	}
	if err := p.Broker.Ack(ctx, broker.StageL2, d.MsgID); err != nil {
		logger.Error("ack failed", slog.String("job_id", d.JobID), slog.Any("error", err))
	}
}

func (p *Processor) fail(ctx domain.Context, d *broker.Delivery, cause error) {
	logger := p.logger()
	logger.Error("L2 job failed", slog.String("job_id", d.JobID), slog.String("shop", d.Shop), slog.Any("error", cause))
	if err := p.Broker.FailEnvelope(ctx, broker.StageL2, d.JobID, cause); err != nil {
		logger.Error("failed to fail envelope", slog.String("job_id", d.JobID), slog.Any("error", err))
	}
	if err := p.Broker.Ack(ctx, broker.StageL2, d.MsgID); err != nil {
		logger.Error("ack failed", slog.String("job_id", d.JobID), slog.Any("error", err))
	}
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
