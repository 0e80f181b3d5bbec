// Package bing dispatches URL submissions to the Bing IndexNow batch API.
// Bing has no delete endpoint: DELETE actions are logged and dropped.
package bing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shopindexer/pipeline/internal/crypto"
	"github.com/shopindexer/pipeline/internal/domain"
)

const (
	apiEndpoint = "https://ssl.bing.com/webmaster/api.svc/json/SubmitUrlbatch"

	batchSize          = 225 // Bing recommends max 225-250 URLs per submission
	maxConcurrentBatch = 5
	requestTimeout     = 30 * time.Second
)

// retryDelays mirrors the upstream retry ladder: first retry after 1s, then
// 12s, then 24s for any attempt beyond that.
var retryDelays = []time.Duration{1 * time.Second, 12 * time.Second, 24 * time.Second}

// Client submits shop URL batches to Bing's SubmitUrlbatch endpoint.
type Client struct {
	Decryptor  *crypto.Decryptor
	HTTPClient *http.Client

	// Endpoint overrides the SubmitUrlbatch URL; tests point it at an
	// httptest.Server instead of the real Bing endpoint.
	Endpoint string

	// RetryDelays overrides the retry ladder; tests shrink it to keep the
	// suite fast.
	RetryDelays []time.Duration

	// ChunkSize, MaxConcurrent, and DefaultRetryLimit override the batch
	// size, in-flight batch cap, and the fallback retry count used when a
	// shop's settings don't specify one; zero keeps the package defaults.
	ChunkSize         int
	MaxConcurrent     int
	DefaultRetryLimit int

	Logger *slog.Logger
}

// New constructs a Client with an otelhttp-traced HTTP client.
func New(decryptor *crypto.Decryptor) *Client {
	return &Client{
		Decryptor: decryptor,
		HTTPClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Endpoint:          apiEndpoint,
		RetryDelays:       retryDelays,
		ChunkSize:         batchSize,
		MaxConcurrent:     maxConcurrentBatch,
		DefaultRetryLimit: 3,
	}
}

func (c *Client) chunkSize() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return batchSize
}

func (c *Client) maxConcurrent() int {
	if c.MaxConcurrent > 0 {
		return c.MaxConcurrent
	}
	return maxConcurrentBatch
}

func (c *Client) defaultRetryLimit() int {
	if c.DefaultRetryLimit > 0 {
		return c.DefaultRetryLimit
	}
	return 3
}

// Dispatch decrypts the shop's API key, normalizes the site URL, and submits
// every eligible INDEX url in concurrency-bounded chunks, retrying transient
// failures per chunk up to retryLimit attempts.
func (c *Client) Dispatch(ctx domain.Context, job domain.UrlIndexBatchJob) (domain.BingDispatchResult, error) {
	logger := c.logger()

	apiKey, err := c.Decryptor.Decrypt(job.Auth.BingAPIKey)
	if err != nil {
		return domain.BingDispatchResult{}, fmt.Errorf("op=bing.decrypt_key: %w", err)
	}

	siteURL := normalizeSiteURL(job.Shop)

	if deleteCount := len(job.Actions["DELETE"]); deleteCount > 0 {
		logger.Warn("bing does not support deletion, dropping delete actions", slog.String("shop", job.Shop), slog.Int("count", deleteCount))
	}

	urls := c.prepareURLs(job.Actions, job.Auth.Settings.BingLimit)
	if len(urls) == 0 {
		logger.Info("no urls to process for bing", slog.String("shop", job.Shop))
		return domain.BingDispatchResult{}, nil
	}

	retryLimit := job.Auth.Settings.RetryLimit
	if retryLimit <= 0 {
		retryLimit = c.defaultRetryLimit()
	}

	chunkSize := c.chunkSize()
	var chunks [][]string
	for start := 0; start < len(urls); start += chunkSize {
		end := start + chunkSize
		if end > len(urls) {
			end = len(urls)
		}
		chunks = append(chunks, urls[start:end])
	}

	results := make([]domain.BingBatchResult, len(chunks))
	sem := make(chan struct{}, c.maxConcurrent())
	var wg sync.WaitGroup

	for i, chunk := range chunks {
		i, chunk := i, chunk
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = c.submitWithRetry(ctx, apiKey, siteURL, chunk, retryLimit, 1)
		}()
	}
	wg.Wait()

	return domain.BingDispatchResult{Batches: results}, nil
}

func (c *Client) prepareURLs(actions map[string][]domain.UrlItem, bingLimit int) []string {
	limit := int(math.Ceil(1.10 * float64(bingLimit)))
	if limit <= 0 {
		return nil
	}
	var urls []string
	for _, item := range actions["INDEX"] {
		if len(urls) >= limit {
			break
		}
		urls = append(urls, item.WebURL)
	}
	return urls
}

func (c *Client) submitWithRetry(ctx context.Context, apiKey, siteURL string, urls []string, retryLimit, attempt int) domain.BingBatchResult {
	logger := c.logger()

	result := c.submit(ctx, apiKey, siteURL, urls)
	if result.Status == domain.ResultSuccess {
		return result
	}

	retryable := result.Status == domain.ResultRateLimited || result.HTTPStatus >= 500 || result.HTTPStatus == 0
	if !retryable || attempt >= retryLimit {
		return result
	}

	delays := c.RetryDelays
	if len(delays) == 0 {
		delays = retryDelays
	}
	idx := attempt - 1
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	delay := delays[idx]
	logger.Info("retrying bing batch", slog.Int("attempt", attempt+1), slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return result
	case <-timer.C:
	}
	return c.submitWithRetry(ctx, apiKey, siteURL, urls, retryLimit, attempt+1)
}

func (c *Client) submit(ctx context.Context, apiKey, siteURL string, urls []string) domain.BingBatchResult {
	logger := c.logger()

	payload, _ := json.Marshal(map[string]any{"siteUrl": siteURL, "urlList": urls})
	reqURL := fmt.Sprintf("%s?apikey=%s", c.Endpoint, apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return domain.BingBatchResult{URLs: urls, Status: domain.ResultFailed, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		logger.Error("bing submit request failed", slog.Any("error", err))
		return domain.BingBatchResult{URLs: urls, Status: domain.ResultFailed, Error: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return domain.BingBatchResult{URLs: urls, Status: domain.ResultSuccess, HTTPStatus: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		logger.Warn("bing rate limited", slog.Int("url_count", len(urls)))
		return domain.BingBatchResult{URLs: urls, Status: domain.ResultRateLimited, HTTPStatus: resp.StatusCode, Error: "rate limit exceeded"}
	case resp.StatusCode == http.StatusForbidden:
		logger.Error("bing quota exceeded or invalid key", slog.Int("url_count", len(urls)))
		return domain.BingBatchResult{URLs: urls, Status: domain.ResultQuotaExceeded, HTTPStatus: resp.StatusCode, Error: "quota exceeded or invalid api key"}
	default:
		logger.Error("bing submit failed", slog.Int("status", resp.StatusCode), slog.Int("url_count", len(urls)))
		return domain.BingBatchResult{URLs: urls, Status: domain.ResultFailed, HTTPStatus: resp.StatusCode, Error: strings.TrimSpace(string(body))}
	}
}

// normalizeSiteURL strips any scheme, trims a trailing slash, and prepends
// "www." and "http://" the way Bing expects a registered site URL.
func normalizeSiteURL(shop string) string {
	url := strings.TrimPrefix(shop, "https://")
	url = strings.TrimPrefix(url, "http://")
	url = strings.TrimSuffix(url, "/")
	if !strings.HasPrefix(url, "www.") {
		url = "www." + url
	}
	return "http://" + url
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
