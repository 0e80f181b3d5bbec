package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Delivery is one message delivered to a consumer, already joined with its
// envelope payload. Ghost jobs (envelope missing) are acked and dropped
// before a Delivery is built.
type Delivery struct {
	MsgID  string
	JobID  string
	Shop   string
	Data   json.RawMessage
	Stream string
}

// Consumer reads a stage's stream under a consumer group one entry at a
// time and acks entries; dispatching deliveries to a handler and bounding
// their concurrency is left to the caller.
type Consumer struct {
	client *Client
	stage  Stage
	name   string
	block  time.Duration
}

// NewConsumer builds a Consumer identified as "{host}-{8 hex of uuid}", a
// name unique enough to diagnose which process holds a pending entry.
func NewConsumer(client *Client, stage Stage, block time.Duration) *Consumer {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	name := fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	return &Consumer{client: client, stage: stage, name: name, block: block}
}

// Name returns this consumer's identity within its group.
func (c *Consumer) Name() string { return c.name }

// ReadOne issues a single blocking XREADGROUP for one undelivered entry,
// resolving its envelope payload. It returns (nil, nil) on a read timeout
// (no entries within the block window) so callers can loop and check
// shutdown/cancellation between reads.
func (c *Consumer) ReadOne(ctx context.Context) (*Delivery, error) {
	res, err := c.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.stage.Group,
		Consumer: c.name,
		Streams:  []string{c.stage.Stream, ">"},
		Count:    1,
		Block:    c.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=broker.ReadOne: %w", err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}

	msg := res[0].Messages[0]
	jobID, _ := msg.Values["job_id"].(string)
	shop, _ := msg.Values["shop"].(string)

	if jobID == "" {
		// Malformed message: log, ack, drop.
		slog.Warn("malformed stream entry missing job_id", slog.String("stage", c.stage.Name), slog.String("msg_id", msg.ID))
		if ackErr := c.Ack(ctx, msg.ID); ackErr != nil {
			return nil, ackErr
		}
		return c.ReadOne(ctx)
	}

	data, err := c.client.GetEnvelopeData(ctx, c.stage, jobID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		// Ghost job: envelope evicted or never existed. Ack immediately and drop.
		slog.Warn("ghost job: envelope missing", slog.String("stage", c.stage.Name), slog.String("job_id", jobID))
		if ackErr := c.Ack(ctx, msg.ID); ackErr != nil {
			return nil, ackErr
		}
		return c.ReadOne(ctx)
	}

	return &Delivery{MsgID: msg.ID, JobID: jobID, Shop: shop, Data: data, Stream: c.stage.Stream}, nil
}

// Ack acknowledges a message, removing it from the group's pending list.
func (c *Consumer) Ack(ctx context.Context, msgID string) error {
	return c.client.Ack(ctx, c.stage, msgID)
}
