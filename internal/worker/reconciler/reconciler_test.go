package reconciler_test

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
	"github.com/shopindexer/pipeline/internal/worker/reconciler"
)

type promotedCall struct {
	kind string
	shop string
	urls []string
}

type fakeUrlEntries struct {
	calls []promotedCall
	err   error
}

func (f *fakeUrlEntries) PendingForShop(ctx context.Context, shop string, limit int, filterGoogleIndexed bool) ([]domain.UrlEntry, error) {
	return nil, nil
}
func (f *fakeUrlEntries) PromoteBoth(ctx context.Context, shop string, urls []string, at time.Time) error {
	f.calls = append(f.calls, promotedCall{kind: "both", shop: shop, urls: urls})
	return f.err
}
func (f *fakeUrlEntries) PromoteGoogleOnly(ctx context.Context, shop string, urls []string, at time.Time) error {
	f.calls = append(f.calls, promotedCall{kind: "google", shop: shop, urls: urls})
	return f.err
}
func (f *fakeUrlEntries) PromoteBingOnly(ctx context.Context, shop string, urls []string, at time.Time) error {
	f.calls = append(f.calls, promotedCall{kind: "bing", shop: shop, urls: urls})
	return f.err
}

type fakeIndexTasks struct {
	marked []string
}

func (f *fakeIndexTasks) MarkCompleted(ctx context.Context, shop string, urls []string, at time.Time) error {
	f.marked = append(f.marked, urls...)
	return nil
}

func newTestBroker(t *testing.T) *broker.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return broker.NewClientFromRedis(rdb)
}

func googleResult(urls ...string) domain.ProviderOutcome {
	var results []domain.GoogleURLResult
	for _, u := range urls {
		results = append(results, domain.GoogleURLResult{WebURL: u, Status: domain.ResultSuccess, HTTPStatus: 200})
	}
	raw, _ := json.Marshal(domain.GoogleBatchResult{Results: results})
	success := true
	return domain.ProviderOutcome{Executed: true, Success: &success, Result: raw}
}

func bingResult(urls ...string) domain.ProviderOutcome {
	raw, _ := json.Marshal(domain.BingDispatchResult{Batches: []domain.BingBatchResult{{URLs: urls, Status: domain.ResultSuccess, HTTPStatus: 200}}})
	success := true
	return domain.ProviderOutcome{Executed: true, Success: &success, Result: raw}
}

func TestProcessor_Handle_PartitionsByProviderOverlap(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, broker.StageL3))

	urlEntries := &fakeUrlEntries{}
	indexTasks := &fakeIndexTasks{}
	p := &reconciler.Processor{Broker: b, UrlEntry: urlEntries, IndexTask: indexTasks}

	result := domain.ResultEnvelope{
		Shop:   "acme.myshopify.com",
		Google: googleResult("https://acme.myshopify.com/a", "https://acme.myshopify.com/b"),
		Bing:   bingResult("https://acme.myshopify.com/b", "https://acme.myshopify.com/c"),
	}

	jobID := "job-1"
	require.NoError(t, b.CreateEnvelope(ctx, broker.StageL3, jobID, result))
	require.NoError(t, b.Publish(ctx, broker.StageL3, domain.StreamEntry{JobID: jobID, Shop: result.Shop}))

	cons := broker.NewConsumer(b, broker.StageL3, 10*time.Millisecond)
	d, err := cons.ReadOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)

	p.Handle(ctx, d)

	byKind := map[string][]string{}
	for _, c := range urlEntries.calls {
		byKind[c.kind] = c.urls
	}
	require.ElementsMatch(t, []string{"https://acme.myshopify.com/b"}, byKind["both"])
	require.ElementsMatch(t, []string{"https://acme.myshopify.com/a"}, byKind["google"])
	require.ElementsMatch(t, []string{"https://acme.myshopify.com/c"}, byKind["bing"])
	require.ElementsMatch(t, []string{
		"https://acme.myshopify.com/b",
		"https://acme.myshopify.com/a",
		"https://acme.myshopify.com/c",
	}, indexTasks.marked)
}

func TestProcessor_Handle_NoSuccessfulURLsSkipsPromotion(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, broker.StageL3))

	urlEntries := &fakeUrlEntries{}
	indexTasks := &fakeIndexTasks{}
	p := &reconciler.Processor{Broker: b, UrlEntry: urlEntries, IndexTask: indexTasks}

	failure := false
	result := domain.ResultEnvelope{
		Shop:   "acme.myshopify.com",
		Google: domain.ProviderOutcome{Executed: true, Success: &failure, Reason: "quota exceeded"},
		Bing:   domain.ProviderOutcome{Executed: false, Reason: "No valid credentials"},
	}

	jobID := "job-2"
	require.NoError(t, b.CreateEnvelope(ctx, broker.StageL3, jobID, result))
	require.NoError(t, b.Publish(ctx, broker.StageL3, domain.StreamEntry{JobID: jobID, Shop: result.Shop}))

	cons := broker.NewConsumer(b, broker.StageL3, 10*time.Millisecond)
	d, err := cons.ReadOne(ctx)
	require.NoError(t, err)
	p.Handle(ctx, d)

	require.Empty(t, urlEntries.calls)
	require.Empty(t, indexTasks.marked)
}
