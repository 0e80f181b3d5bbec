package dataprep_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/shopindexer/pipeline/internal/broker"
	"github.com/shopindexer/pipeline/internal/domain"
	"github.com/shopindexer/pipeline/internal/worker/dataprep"
)

type fakeShops struct {
	shop domain.Shop
	err  error
}

func (f *fakeShops) ListShops(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeShops) Get(ctx context.Context, shop string) (domain.Shop, error) {
	return f.shop, f.err
}

type fakeUrlEntries struct {
	entries []domain.UrlEntry
}

func (f *fakeUrlEntries) PendingForShop(ctx context.Context, shop string, limit int, filterGoogleIndexed bool) ([]domain.UrlEntry, error) {
	return f.entries, nil
}
func (f *fakeUrlEntries) PromoteBoth(ctx context.Context, shop string, urls []string, at time.Time) error {
	return nil
}
func (f *fakeUrlEntries) PromoteGoogleOnly(ctx context.Context, shop string, urls []string, at time.Time) error {
	return nil
}
func (f *fakeUrlEntries) PromoteBingOnly(ctx context.Context, shop string, urls []string, at time.Time) error {
	return nil
}

func newTestBroker(t *testing.T) *broker.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return broker.NewClientFromRedis(rdb)
}

func TestProcessor_Handle_EmitsL2Batch(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, broker.StageL1))
	require.NoError(t, b.EnsureGroup(ctx, broker.StageL2))

	shop := domain.Shop{
		Shop:         "acme.myshopify.com",
		Settings:     domain.ShopSettings{GoogleLimit: 200, BingLimit: 10000, RetryLimit: 3},
		GoogleConfig: "enc-google",
		BingAPIKey:   "enc-bing",
	}
	entries := []domain.UrlEntry{
		{WebURL: "https://acme.myshopify.com/products/a", IndexAction: domain.ActionIndex, Attempts: 1},
		{WebURL: "https://acme.myshopify.com/products/b", IndexAction: domain.ActionDelete, Attempts: 0},
		{WebURL: "https://acme.myshopify.com/products/c", IndexAction: domain.ActionIgnore, Attempts: 0},
	}
	p := &dataprep.Processor{
		Broker:             b,
		Shops:              &fakeShops{shop: shop},
		UrlEntry:           &fakeUrlEntries{entries: entries},
		HeadroomMultiplier: 1.05,
		L2EnvelopeTTL:      12 * time.Hour,
	}

	seedJobID := "job-1"
	require.NoError(t, b.CreateEnvelope(ctx, broker.StageL1, seedJobID, domain.SeedPayload{Shop: shop.Shop, Action: "index.urls"}))
	require.NoError(t, b.Publish(ctx, broker.StageL1, domain.StreamEntry{JobID: seedJobID, Shop: shop.Shop}))

	cons := broker.NewConsumer(b, broker.StageL1, 10*time.Millisecond)
	d, err := cons.ReadOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	p.Handle(ctx, d)

	l2cons := broker.NewConsumer(b, broker.StageL2, 10*time.Millisecond)
	l2d, err := l2cons.ReadOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, l2d)
	require.NotEmpty(t, l2d.JobID)
	require.NotEqual(t, seedJobID, l2d.JobID)

	var batch domain.UrlIndexBatchJob
	require.NoError(t, json.Unmarshal(l2d.Data, &batch))
	require.Equal(t, "URL_INDEXING_BATCH", batch.JobType)
	require.Len(t, batch.Actions["INDEX"], 1)
	require.Len(t, batch.Actions["DELETE"], 1)
	require.Equal(t, shop.GoogleConfig, batch.Auth.GoogleConfig)
}

func TestProcessor_Handle_NoAuth(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, broker.StageL1))

	p := &dataprep.Processor{
		Broker:             b,
		Shops:              &fakeShops{err: domain.ErrNotFound},
		UrlEntry:           &fakeUrlEntries{},
		HeadroomMultiplier: 1.05,
	}

	jobID := "job-no-auth"
	require.NoError(t, b.CreateEnvelope(ctx, broker.StageL1, jobID, domain.SeedPayload{Shop: "ghost.myshopify.com"}))
	require.NoError(t, b.Publish(ctx, broker.StageL1, domain.StreamEntry{JobID: jobID, Shop: "ghost.myshopify.com"}))

	cons := broker.NewConsumer(b, broker.StageL1, 10*time.Millisecond)
	d, err := cons.ReadOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	p.Handle(ctx, d)

	raw, err := b.GetEnvelopeData(ctx, broker.StageL1, jobID)
	require.NoError(t, err)
	require.NotNil(t, raw)
}

func TestProcessor_Handle_NoUrlsToProcess(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, broker.StageL1))
	require.NoError(t, b.EnsureGroup(ctx, broker.StageL2))

	shop := domain.Shop{Shop: "acme.myshopify.com", Settings: domain.ShopSettings{GoogleLimit: 100, BingLimit: 100}}
	p := &dataprep.Processor{
		Broker:             b,
		Shops:              &fakeShops{shop: shop},
		UrlEntry:           &fakeUrlEntries{entries: nil},
		HeadroomMultiplier: 1.05,
	}

	jobID := "job-empty"
	require.NoError(t, b.CreateEnvelope(ctx, broker.StageL1, jobID, domain.SeedPayload{Shop: shop.Shop}))
	require.NoError(t, b.Publish(ctx, broker.StageL1, domain.StreamEntry{JobID: jobID, Shop: shop.Shop}))

	cons := broker.NewConsumer(b, broker.StageL1, 10*time.Millisecond)
	d, err := cons.ReadOne(ctx)
	require.NoError(t, err)
	p.Handle(ctx, d)

	l2cons := broker.NewConsumer(b, broker.StageL2, 10*time.Millisecond)
	l2d, err := l2cons.ReadOne(ctx)
	require.NoError(t, err)
	require.Nil(t, l2d)
}
