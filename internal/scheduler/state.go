package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shopindexer/pipeline/internal/domain"
)

const (
	stateKey      = "scheduler:state"
	dailyRunsKey  = "scheduler:daily_runs"
	statsKey      = "scheduler:stats"
	dailyRunsTTL  = 49 * time.Hour // reap window: entries older than 2 days
	dateFormat    = "2006-01-02"
)

// StateStore holds the scheduler's shared eligibility state in Redis hashes
// so that multiple scheduler instances (though only one is expected) would
// converge on the same decisions.
type StateStore struct {
	rdb redisClient
}

type redisClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HKeys(ctx context.Context, key string) *redis.StringSliceCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

// rawRedis exposes the underlying *redis.Client from a broker.Client for use
// by StateStore. Defined here rather than in package broker to avoid
// widening that package's public surface for a scheduler-only need.
type rawRedis interface {
	Raw() *redis.Client
}

// NewStateStore builds a StateStore against the broker's Redis connection.
func NewStateStore(b rawRedis) *StateStore {
	return &StateStore{rdb: b.Raw()}
}

// IsEligible implements the eligibility predicate: (now - last_run) >=
// minHours (absence counts as eligible) AND daily_runs[shop,today] < maxRuns.
func (s *StateStore) IsEligible(ctx context.Context, shop string, now time.Time, minHours, maxRuns int) (bool, error) {
	lastRunRaw, err := s.rdb.HGet(ctx, stateKey, shop).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("op=scheduler.state.last_run: %w", err)
	}
	if err == nil {
		lastRun, perr := time.Parse(time.RFC3339, lastRunRaw)
		if perr == nil && now.Sub(lastRun) < time.Duration(minHours)*time.Hour {
			return false, nil
		}
	}

	field := dailyRunField(shop, now)
	countRaw, err := s.rdb.HGet(ctx, dailyRunsKey, field).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("op=scheduler.state.daily_runs: %w", err)
	}
	if err == nil {
		count, _ := strconv.Atoi(countRaw)
		if count >= maxRuns {
			return false, nil
		}
	}
	return true, nil
}

// MarkRun records shop's run at now and increments its daily counter.
func (s *StateStore) MarkRun(ctx context.Context, shop string, now time.Time) error {
	if err := s.rdb.HSet(ctx, stateKey, shop, now.Format(time.RFC3339)).Err(); err != nil {
		return fmt.Errorf("op=scheduler.state.mark_run: %w", err)
	}
	field := dailyRunField(shop, now)
	if err := s.rdb.HIncrBy(ctx, dailyRunsKey, field, 1).Err(); err != nil {
		return fmt.Errorf("op=scheduler.state.incr_daily_runs: %w", err)
	}
	return nil
}

// RecordCycle writes summary stats for the most recent cycle and folds
// scheduled into the cumulative run counter.
func (s *StateStore) RecordCycle(ctx context.Context, now time.Time, scheduled, skipped int) error {
	err := s.rdb.HSet(ctx, statsKey,
		"last_cycle_at", now.Format(time.RFC3339),
		"last_cycle_scheduled", strconv.Itoa(scheduled),
		"last_cycle_skipped", strconv.Itoa(skipped),
	).Err()
	if err != nil {
		return fmt.Errorf("op=scheduler.state.record_cycle: %w", err)
	}
	if scheduled > 0 {
		if err := s.rdb.HIncrBy(ctx, statsKey, "cumulative_run_count", int64(scheduled)).Err(); err != nil {
			return fmt.Errorf("op=scheduler.state.incr_cumulative: %w", err)
		}
	}
	return nil
}

// Stats reads back the current scheduler:stats hash.
func (s *StateStore) Stats(ctx context.Context) (domain.SchedulerStats, error) {
	var stats domain.SchedulerStats

	lastCycleAt, err := s.rdb.HGet(ctx, statsKey, "last_cycle_at").Result()
	if err != nil && err != redis.Nil {
		return stats, fmt.Errorf("op=scheduler.state.stats_last_cycle_at: %w", err)
	}
	if lastCycleAt != "" {
		if parsed, perr := time.Parse(time.RFC3339, lastCycleAt); perr == nil {
			stats.LastCycleAt = parsed
		}
	}

	scheduled, err := s.rdb.HGet(ctx, statsKey, "last_cycle_scheduled").Result()
	if err != nil && err != redis.Nil {
		return stats, fmt.Errorf("op=scheduler.state.stats_scheduled: %w", err)
	}
	stats.LastScheduledCount, _ = strconv.Atoi(scheduled)

	skipped, err := s.rdb.HGet(ctx, statsKey, "last_cycle_skipped").Result()
	if err != nil && err != redis.Nil {
		return stats, fmt.Errorf("op=scheduler.state.stats_skipped: %w", err)
	}
	stats.LastSkippedCount, _ = strconv.Atoi(skipped)

	cumulative, err := s.rdb.HGet(ctx, statsKey, "cumulative_run_count").Result()
	if err != nil && err != redis.Nil {
		return stats, fmt.Errorf("op=scheduler.state.stats_cumulative: %w", err)
	}
	stats.CumulativeRunCount, _ = strconv.ParseInt(cumulative, 10, 64)

	return stats, nil
}

// ReapDailyRuns deletes daily_runs fields whose date is older than two days.
func (s *StateStore) ReapDailyRuns(ctx context.Context, now time.Time) error {
	fields, err := s.rdb.HKeys(ctx, dailyRunsKey).Result()
	if err != nil {
		return fmt.Errorf("op=scheduler.state.reap_list: %w", err)
	}
	cutoff := now.Add(-dailyRunsTTL)
	var stale []string
	for _, f := range fields {
		idx := len(f) - len(dateFormat)
		if idx < 0 {
			continue
		}
		dateStr := f[idx:]
		d, perr := time.Parse(dateFormat, dateStr)
		if perr != nil {
			continue
		}
		if d.Before(cutoff) {
			stale = append(stale, f)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, dailyRunsKey, stale...).Err(); err != nil {
		return fmt.Errorf("op=scheduler.state.reap_del: %w", err)
	}
	return nil
}

func dailyRunField(shop string, at time.Time) string {
	return fmt.Sprintf("%s:%s", shop, at.UTC().Format(dateFormat))
}
