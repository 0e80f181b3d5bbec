package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a Redis connection used both as the stream broker and as the
// sidecar kv-store for job envelopes.
type Client struct {
	rdb *redis.Client
}

// NewClient constructs a Client from the given Redis address/password/db.
func NewClient(addr, password string, db int) *Client {
	return &Client{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewClientFromRedis wraps an existing *redis.Client, useful for tests that
// point at a miniredis instance.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies the broker connection is reachable.
func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("op=broker.Ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Raw exposes the underlying *redis.Client for callers (the scheduler's
// state store) that need Redis hash operations outside the stream/envelope
// API this package otherwise owns.
func (c *Client) Raw() *redis.Client { return c.rdb }

// Ack acknowledges a message on the given stage's stream/group, removing it
// from the group's pending list. Handlers that only hold a Client (not the
// Consumer that read the message) use this to finish a delivery.
func (c *Client) Ack(ctx context.Context, stage Stage, msgID string) error {
	if err := c.rdb.XAck(ctx, stage.Stream, stage.Group, msgID).Err(); err != nil {
		return fmt.Errorf("op=broker.Ack: %w", err)
	}
	return nil
}

// EnsureGroup idempotently creates the stage's consumer group starting at
// stream id "0", creating the stream if absent.
func (c *Client) EnsureGroup(ctx context.Context, stage Stage) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stage.Stream, stage.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("op=broker.EnsureGroup: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
