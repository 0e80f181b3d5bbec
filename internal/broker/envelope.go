package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopindexer/pipeline/internal/domain"
)

func envelopeKey(stage Stage, jobID string) string {
	return fmt.Sprintf("%s:%s", stage.HashPrefix, jobID)
}

// CreateEnvelope writes a new "queued" envelope for jobID under the stage's
// hash namespace and sets its TTL.
func (c *Client) CreateEnvelope(ctx context.Context, stage Stage, jobID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("op=broker.CreateEnvelope: marshal: %w", err)
	}
	key := envelopeKey(stage, jobID)
	if err := c.rdb.HSet(ctx, key, map[string]any{
		"data":       raw,
		"status":     string(domain.EnvelopeQueued),
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return fmt.Errorf("op=broker.CreateEnvelope: hset: %w", err)
	}
	if stage.EnvelopeTTL > 0 {
		if err := c.rdb.Expire(ctx, key, stage.EnvelopeTTL).Err(); err != nil {
			return fmt.Errorf("op=broker.CreateEnvelope: expire: %w", err)
		}
	}
	return nil
}

// GetEnvelopeData fetches only the "data" field of an envelope. It returns
// (nil, nil) when the envelope is absent, letting callers distinguish a
// ghost job from a transport error.
func (c *Client) GetEnvelopeData(ctx context.Context, stage Stage, jobID string) (json.RawMessage, error) {
	key := envelopeKey(stage, jobID)
	val, err := c.rdb.HGet(ctx, key, "data").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=broker.GetEnvelopeData: %w", err)
	}
	if val == "" {
		return nil, nil
	}
	return json.RawMessage(val), nil
}

// CompleteEnvelope marks an envelope as completed, recording an optional
// message and refreshing the TTL.
func (c *Client) CompleteEnvelope(ctx context.Context, stage Stage, jobID, message string) error {
	key := envelopeKey(stage, jobID)
	fields := map[string]any{
		"status":       string(domain.EnvelopeCompleted),
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if message != "" {
		fields["message"] = message
	}
	if err := c.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("op=broker.CompleteEnvelope: %w", err)
	}
	if stage.EnvelopeTTL > 0 {
		_ = c.rdb.Expire(ctx, key, stage.EnvelopeTTL).Err()
	}
	return nil
}

// FailEnvelope marks an envelope as failed with a truncated error message.
func (c *Client) FailEnvelope(ctx context.Context, stage Stage, jobID string, cause error) error {
	key := envelopeKey(stage, jobID)
	msg := cause.Error()
	const maxLen = 1000
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	if err := c.rdb.HSet(ctx, key, map[string]any{
		"status":    string(domain.EnvelopeFailed),
		"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
		"error":     msg,
	}).Err(); err != nil {
		return fmt.Errorf("op=broker.FailEnvelope: %w", err)
	}
	if stage.EnvelopeTTL > 0 {
		_ = c.rdb.Expire(ctx, key, stage.EnvelopeTTL).Err()
	}
	return nil
}

// SetEnvelopeURLsProcessed records the number of URLs handled by a terminal
// update, used by L3 for operator visibility.
func (c *Client) SetEnvelopeURLsProcessed(ctx context.Context, stage Stage, jobID string, n int) error {
	key := envelopeKey(stage, jobID)
	if err := c.rdb.HSet(ctx, key, "urls_processed", strconv.Itoa(n)).Err(); err != nil {
		return fmt.Errorf("op=broker.SetEnvelopeURLsProcessed: %w", err)
	}
	return nil
}

// Publish appends a routing entry for jobID/shop to the stage's stream.
// The stream carries only the routing tuple; the full payload lives in
// the envelope.
func (c *Client) Publish(ctx context.Context, stage Stage, entry domain.StreamEntry) error {
	values := map[string]any{
		"job_id": entry.JobID,
		"shop":   entry.Shop,
	}
	if entry.Action != "" {
		values["action"] = entry.Action
	}
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stage.Stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("op=broker.Publish: %w", err)
	}
	return nil
}
