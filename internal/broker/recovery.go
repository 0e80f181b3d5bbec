package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reclaimed is one pending message claimed by the recovery loop for retry.
type Reclaimed struct {
	MsgID  string
	JobID  string
	Shop   string
	Stream string
}

// RecoverPending lists up to batchSize pending entries for the stage's
// group and reclaims any idle longer than idleThreshold to consumerName.
// A message already ack'd by the time this runs will not appear in the
// pending list:
// recovery only catches genuine stalls (worker crash between delivery and
// ack), never a race with ack-on-failure.
func (c *Client) RecoverPending(ctx context.Context, stage Stage, consumerName string, idleThreshold time.Duration, batchSize int64) ([]Reclaimed, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stage.Stream,
		Group:  stage.Group,
		Idle:   idleThreshold,
		Start:  "-",
		End:    "+",
		Count:  batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("op=broker.RecoverPending: xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stage.Stream,
		Group:    stage.Group,
		Consumer: consumerName,
		MinIdle:  idleThreshold,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("op=broker.RecoverPending: xclaim: %w", err)
	}

	out := make([]Reclaimed, 0, len(claimed))
	for _, msg := range claimed {
		jobID, _ := msg.Values["job_id"].(string)
		shop, _ := msg.Values["shop"].(string)
		out = append(out, Reclaimed{MsgID: msg.ID, JobID: jobID, Shop: shop, Stream: stage.Stream})
	}
	return out, nil
}

// RunRecoveryLoop ticks every interval and invokes RecoverPending, handing
// any reclaimed entries to handle. It runs until ctx is cancelled. Each
// worker runs this as a sibling goroutine alongside its main consume loop.
func RunRecoveryLoop(ctx context.Context, client *Client, stage Stage, consumerName string, idleThreshold, interval time.Duration, batchSize int64, handle func(context.Context, Reclaimed)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := client.RecoverPending(ctx, stage, consumerName, idleThreshold, batchSize)
			if err != nil {
				slog.Error("recovery loop error", slog.String("stage", stage.Name), slog.Any("error", err))
				continue
			}
			for _, r := range reclaimed {
				handle(ctx, r)
			}
		}
	}
}
