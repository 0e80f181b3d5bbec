// Package scheduler periodically seeds an index job per eligible shop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shopindexer/pipeline/internal/broker"
	"github.com/shopindexer/pipeline/internal/domain"
)

// Scheduler emits seed jobs for eligible shops on a fixed interval.
type Scheduler struct {
	Broker   *broker.Client
	Shops    domain.ShopRepository
	State    *StateStore
	Interval time.Duration

	MinHoursBetweenRuns int
	MaxRunsPerDay       int
	EnvelopeTTL         time.Duration

	Logger *slog.Logger
}

// New constructs a Scheduler.
func New(b *broker.Client, shops domain.ShopRepository, minHours, maxRuns int, ttl, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Broker:              b,
		Shops:               shops,
		State:               NewStateStore(b),
		Interval:            interval,
		MinHoursBetweenRuns: minHours,
		MaxRunsPerDay:       maxRuns,
		EnvelopeTTL:         ttl,
		Logger:              logger,
	}
}

// Run loops on a ticker until ctx is cancelled, running one cycle per tick
// (continuous mode).
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if err := s.RunOnce(ctx); err != nil {
			s.Logger.Error("scheduler cycle failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce evaluates eligibility for every known shop and seeds an L1 job
// for each one found eligible (single-cycle mode).
func (s *Scheduler) RunOnce(ctx context.Context) error {
	shops, err := s.Shops.ListShops(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.list_shops: %w", err)
	}

	now := time.Now().UTC()
	var scheduled, skipped int
	for _, shop := range shops {
		eligible, err := s.State.IsEligible(ctx, shop, now, s.MinHoursBetweenRuns, s.MaxRunsPerDay)
		if err != nil {
			s.Logger.Error("eligibility check failed", slog.String("shop", shop), slog.Any("error", err))
			skipped++
			continue
		}
		if !eligible {
			skipped++
			continue
		}
		if err := s.seed(ctx, shop, "normal", now); err != nil {
			s.Logger.Error("seed failed", slog.String("shop", shop), slog.Any("error", err))
			skipped++
			continue
		}
		if err := s.State.MarkRun(ctx, shop, now); err != nil {
			s.Logger.Error("mark run failed", slog.String("shop", shop), slog.Any("error", err))
		}
		scheduled++
	}

	if err := s.State.RecordCycle(ctx, now, scheduled, skipped); err != nil {
		s.Logger.Warn("failed to record cycle stats", slog.Any("error", err))
	}
	if err := s.State.ReapDailyRuns(ctx, now); err != nil {
		s.Logger.Warn("failed to reap daily run counters", slog.Any("error", err))
	}
	return nil
}

// RunManual seeds a single shop's job bypassing the eligibility predicate
// (manual mode).
func (s *Scheduler) RunManual(ctx context.Context, shop string) error {
	now := time.Now().UTC()
	if err := s.seed(ctx, shop, "manual", now); err != nil {
		return fmt.Errorf("op=scheduler.run_manual: %w", err)
	}
	return s.State.MarkRun(ctx, shop, now)
}

func (s *Scheduler) seed(ctx domain.Context, shop, priority string, now time.Time) error {
	jobID := uuid.New().String()
	payload := domain.SeedPayload{
		Shop:        shop,
		Action:      "index.urls",
		Priority:    priority,
		ScheduledAt: now,
	}
	if err := s.Broker.CreateEnvelope(ctx, broker.StageL1.WithEnvelopeTTL(s.EnvelopeTTL), jobID, payload); err != nil {
		return fmt.Errorf("op=scheduler.create_envelope: %w", err)
	}
	if err := s.Broker.Publish(ctx, broker.StageL1, domain.StreamEntry{JobID: jobID, Shop: shop, Action: payload.Action}); err != nil {
		return fmt.Errorf("op=scheduler.publish: %w", err)
	}
	s.Logger.Info("seeded index job", slog.String("shop", shop), slog.String("job_id", jobID))
	return nil
}
