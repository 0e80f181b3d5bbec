// Package dataprep implements the L1 worker: it turns a scheduler seed job
// into a credential-attached, provider-ready URL batch for L2.
package dataprep

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/shopindexer/pipeline/internal/broker"
	"github.com/shopindexer/pipeline/internal/domain"
)

// Processor consumes seed envelopes and emits UrlIndexBatchJob envelopes to L2.
type Processor struct {
	Broker   *broker.Client
	Shops    domain.ShopRepository
	UrlEntry domain.UrlEntryRepository

	HeadroomMultiplier  float64
	FilterGoogleIndexed bool
	L2EnvelopeTTL       time.Duration

	Logger *slog.Logger
}

// Handle processes one L1 delivery: loads auth, computes the query limit,
// partitions pending urls, and emits the batch job to L2.
func (p *Processor) Handle(ctx domain.Context, d *broker.Delivery) {
	logger := p.logger()
	var seed domain.SeedPayload
	if err := json.Unmarshal(d.Data, &seed); err != nil {
		p.fail(ctx, d, fmt.Errorf("op=dataprep.decode_seed: %w", err))
		return
	}

	shop, err := p.Shops.Get(ctx, d.Shop)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			p.complete(ctx, d, "No Auth")
			return
		}
		p.fail(ctx, d, fmt.Errorf("op=dataprep.load_auth: %w", err))
		return
	}

	finalLimit := int(math.Ceil(p.HeadroomMultiplier * float64(maxInt(shop.Settings.BingLimit, shop.Settings.GoogleLimit))))
	if finalLimit <= 0 {
		p.complete(ctx, d, "No URLs to process")
		return
	}

	entries, err := p.UrlEntry.PendingForShop(ctx, d.Shop, finalLimit, p.FilterGoogleIndexed)
	if err != nil {
		p.fail(ctx, d, fmt.Errorf("op=dataprep.pending_for_shop: %w", err))
		return
	}
	if len(entries) == 0 {
		p.complete(ctx, d, "No URLs to process")
		return
	}

	actions := map[string][]domain.UrlItem{}
	for _, e := range entries {
		switch e.IndexAction {
		case domain.ActionIndex:
			actions["INDEX"] = append(actions["INDEX"], domain.UrlItem{WebURL: e.WebURL, Attempts: e.Attempts})
		case domain.ActionDelete:
			actions["DELETE"] = append(actions["DELETE"], domain.UrlItem{WebURL: e.WebURL, Attempts: e.Attempts})
		}
	}
	if len(actions) == 0 {
		p.complete(ctx, d, "No URLs to process")
		return
	}

	batch := domain.UrlIndexBatchJob{
		JobType: "URL_INDEXING_BATCH",
		Version: 1,
		Shop:    d.Shop,
		Auth: domain.ShopAuthPayload{
			Shop:         shop.Shop,
			Settings:     shop.Settings,
			GoogleConfig: shop.GoogleConfig,
			BingAPIKey:   shop.BingAPIKey,
		},
		Actions: actions,
	}

	l2JobID := uuid.New().String()
	if err := p.Broker.CreateEnvelope(ctx, broker.StageL2.WithEnvelopeTTL(p.L2EnvelopeTTL), l2JobID, batch); err != nil {
		p.fail(ctx, d, fmt.Errorf("op=dataprep.create_l2_envelope: %w", err))
		return
	}
	if err := p.Broker.Publish(ctx, broker.StageL2, domain.StreamEntry{JobID: l2JobID, Shop: d.Shop}); err != nil {
		p.fail(ctx, d, fmt.Errorf("op=dataprep.publish_l2: %w", err))
		return
	}

	count := 0
	for _, v := range actions {
		count += len(v)
	}
	if err := p.Broker.SetEnvelopeURLsProcessed(ctx, broker.StageL1, d.JobID, count); err != nil {
		logger.Warn("failed to record urls_processed", slog.String("job_id", d.JobID), slog.Any("error", err))
	}
	p.complete(ctx, d, "")
}

func (p *Processor) complete(ctx domain.Context, d *broker.Delivery, message string) {
	logger := p.logger()
	if err := p.Broker.CompleteEnvelope(ctx, broker.StageL1, d.JobID, message); err != nil {
		logger.Error("failed to complete envelope", slog.String("job_id", d.JobID), slog.Any("error", err))
	}
	if err := p.Broker.Ack(ctx, broker.StageL1, d.MsgID); err != nil {
		logger.Error("ack failed", slog.String("job_id", d.JobID), slog.Any("error", err))
	}
}

func (p *Processor) fail(ctx domain.Context, d *broker.Delivery, cause error) {
	logger := p.logger()
	logger.Error("L1 job failed", slog.String("job_id", d.JobID), slog.String("shop", d.Shop), slog.Any("error", cause))
	if err := p.Broker.FailEnvelope(ctx, broker.StageL1, d.JobID, cause); err != nil {
		logger.Error("failed to fail envelope", slog.String("job_id", d.JobID), slog.Any("error", err))
	}
	if err := p.Broker.Ack(ctx, broker.StageL1, d.MsgID); err != nil {
		logger.Error("ack failed", slog.String("job_id", d.JobID), slog.Any("error", err))
	}
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
