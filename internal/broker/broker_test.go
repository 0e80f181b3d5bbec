package broker

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopindexer/pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewClientFromRedis(rdb)

	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return client, cleanup
}

func TestPublishConsumeAck_HappyPath(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newTestBroker(t)
	defer cleanup()

	stage := StageL1.WithJobLimit(2)
	require.NoError(t, client.EnsureGroup(ctx, stage))

	require.NoError(t, client.CreateEnvelope(ctx, stage, "job-1", domain.SeedPayload{Shop: "shop-a"}))
	require.NoError(t, client.Publish(ctx, stage, domain.StreamEntry{JobID: "job-1", Shop: "shop-a", Action: "index.urls"}))

	consumer := NewConsumer(client, stage, 2*time.Second)
	d, err := consumer.ReadOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "job-1", d.JobID)
	assert.Equal(t, "shop-a", d.Shop)
	assert.NotNil(t, d.Data)

	require.NoError(t, client.CompleteEnvelope(ctx, stage, d.JobID, "ok"))
	require.NoError(t, consumer.Ack(ctx, d.MsgID))
}

func TestReadOne_GhostJob_AcksAndDrops(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newTestBroker(t)
	defer cleanup()

	stage := StageL1
	require.NoError(t, client.EnsureGroup(ctx, stage))

	// Publish routing entry with no backing envelope.
	require.NoError(t, client.Publish(ctx, stage, domain.StreamEntry{JobID: "ghost-job", Shop: "shop-a"}))

	consumer := NewConsumer(client, stage, 200*time.Millisecond)
	d, err := consumer.ReadOne(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestReadOne_MalformedEntry_AcksAndDrops(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newTestBroker(t)
	defer cleanup()

	stage := StageL1
	require.NoError(t, client.EnsureGroup(ctx, stage))

	// Append directly without job_id to simulate a malformed message.
	require.NoError(t, client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stage.Stream,
		Values: map[string]any{"shop": "shop-a"},
	}).Err())

	consumer := NewConsumer(client, stage, 200*time.Millisecond)
	d, err := consumer.ReadOne(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestReadOne_Timeout_ReturnsNilNil(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newTestBroker(t)
	defer cleanup()

	stage := StageL1
	require.NoError(t, client.EnsureGroup(ctx, stage))

	consumer := NewConsumer(client, stage, 50*time.Millisecond)
	d, err := consumer.ReadOne(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestRecoverPending_ReclaimsIdleMessage(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newTestBroker(t)
	defer cleanup()

	stage := StageL1
	require.NoError(t, client.EnsureGroup(ctx, stage))
	require.NoError(t, client.CreateEnvelope(ctx, stage, "job-2", domain.SeedPayload{Shop: "shop-b"}))
	require.NoError(t, client.Publish(ctx, stage, domain.StreamEntry{JobID: "job-2", Shop: "shop-b"}))

	crashedConsumer := NewConsumer(client, stage, 2*time.Second)
	d, err := crashedConsumer.ReadOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	// Simulate a crash: never ack.

	reclaimed, err := client.RecoverPending(ctx, stage, "recovery-consumer", 0, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "job-2", reclaimed[0].JobID)
}

func TestEnvelopeLifecycle_CompleteAndFail(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newTestBroker(t)
	defer cleanup()

	stage := StageL2
	require.NoError(t, client.CreateEnvelope(ctx, stage, "job-3", domain.UrlIndexBatchJob{Shop: "shop-c"}))

	data, err := client.GetEnvelopeData(ctx, stage, "job-3")
	require.NoError(t, err)
	require.NotNil(t, data)

	require.NoError(t, client.FailEnvelope(ctx, stage, "job-3", assertErr("boom")))

	missing, err := client.GetEnvelopeData(ctx, stage, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
