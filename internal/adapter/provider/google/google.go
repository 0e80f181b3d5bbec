// Package google dispatches URL indexing/deletion notifications to the
// Google Indexing API using a service-account JWT.
package google

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
	"golang.org/x/oauth2/google"

	"github.com/shopindexer/pipeline/internal/crypto"
	"github.com/shopindexer/pipeline/internal/domain"
)

const (
	scope    = "https://www.googleapis.com/auth/indexing"
	endpoint = "https://indexing.googleapis.com/v3/urlNotifications:publish"

	batchSize             = 100 // safe chunk size; Google allows up to 1000 per batch
	maxConcurrentRequests = 10
)

// Client authenticates a shop's service account and dispatches its batch to
// the Indexing API, one HTTP request per URL.
type Client struct {
	Decryptor  *crypto.Decryptor
	HTTPClient *http.Client

	// Endpoint overrides the Indexing API URL; tests point it at an
	// httptest.Server instead of the real Google endpoint.
	Endpoint string

	// ChunkSize and MaxConcurrent override the batch chunking log and the
	// in-flight request cap; zero keeps the package defaults.
	ChunkSize     int
	MaxConcurrent int

	// Authenticate builds the per-shop authenticated HTTP client from the
	// decrypted service-account JSON. Defaults to a real JWT exchange; tests
	// substitute a stub to avoid talking to Google's token endpoint.
	Authenticate func(ctx context.Context, serviceAccountJSON string) (*http.Client, error)

	Logger *slog.Logger
}

// New constructs a Client with an otelhttp-traced HTTP client.
func New(decryptor *crypto.Decryptor) *Client {
	return &Client{
		Decryptor: decryptor,
		HTTPClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Endpoint:      endpoint,
		ChunkSize:     batchSize,
		MaxConcurrent: maxConcurrentRequests,
		Authenticate:  authenticateJWT,
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
	return maxConcurrentRequests
}

func authenticateJWT(ctx context.Context, serviceAccountJSON string) (*http.Client, error) {
	jwtConfig, err := google.JWTConfigFromJSON([]byte(serviceAccountJSON), scope)
	if err != nil {
		return nil, fmt.Errorf("op=google.jwt_config: %w", err)
	}
	return jwtConfig.Client(ctx), nil
}

// Dispatch decrypts the shop's service-account config, authenticates, and
// submits every eligible URL. The per-URL outcome is recorded independently;
// a failure on one URL does not abort the others and is never retried here.
func (c *Client) Dispatch(ctx domain.Context, job domain.UrlIndexBatchJob) (domain.GoogleBatchResult, error) {
	logger := c.logger()

	plain, err := c.Decryptor.Decrypt(job.Auth.GoogleConfig)
	if err != nil {
		return domain.GoogleBatchResult{}, fmt.Errorf("op=google.decrypt_config: %w", err)
	}

	items := c.prepareItems(job.Actions, job.Auth.Settings.GoogleLimit)
	if len(items) == 0 {
		logger.Info("no urls to process for google", slog.String("shop", job.Shop))
		return domain.GoogleBatchResult{}, nil
	}

	authHTTP, err := c.Authenticate(ctx, plain)
	if err != nil {
		return domain.GoogleBatchResult{}, fmt.Errorf("op=google.authenticate: %w", err)
	}
	if c.HTTPClient != nil {
		authHTTP.Timeout = c.HTTPClient.Timeout
	}

	results := make([]domain.GoogleURLResult, len(items))
	sem := make(chan struct{}, c.maxConcurrent())
	var wg sync.WaitGroup

	chunk := c.chunkSize()
	chunkNumber := 0
	for start := 0; start < len(items); start += chunk {
		end := start + chunk
		if end > len(items) {
			end = len(items)
		}
		chunkNumber++
		logger.Info("processing google batch chunk", slog.String("shop", job.Shop), slog.Int("chunk", chunkNumber), slog.Int("count", end-start))
		for i := start; i < end; i++ {
			i := i
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				results[i] = c.publish(ctx, authHTTP, items[i])
			}()
		}
	}
	wg.Wait()

	return domain.GoogleBatchResult{Results: results}, nil
}

type urlAction struct {
	webURL string
	action string
}

func (c *Client) prepareItems(actions map[string][]domain.UrlItem, googleLimit int) []urlAction {
	limit := int(math.Ceil(1.10 * float64(googleLimit)))
	if limit <= 0 {
		return nil
	}

	var items []urlAction
	for _, item := range actions["INDEX"] {
		if len(items) >= limit {
			return items
		}
		items = append(items, urlAction{webURL: item.WebURL, action: "URL_UPDATED"})
	}
	for _, item := range actions["DELETE"] {
		if len(items) >= limit {
			return items
		}
		items = append(items, urlAction{webURL: item.WebURL, action: "URL_DELETED"})
	}
	return items
}

func (c *Client) publish(ctx context.Context, httpClient *http.Client, item urlAction) domain.GoogleURLResult {
	logger := c.logger()

	body, _ := json.Marshal(map[string]string{"url": item.webURL, "type": item.action})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.GoogleURLResult{WebURL: item.webURL, Status: domain.ResultFailed, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		logger.Error("google publish request failed", slog.String("url", item.webURL), slog.Any("error", err))
		return domain.GoogleURLResult{WebURL: item.webURL, Status: domain.ResultFailed, Error: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return domain.GoogleURLResult{WebURL: item.webURL, Status: domain.ResultSuccess, HTTPStatus: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		logger.Warn("google quota exceeded", slog.String("url", item.webURL))
		return domain.GoogleURLResult{WebURL: item.webURL, Status: domain.ResultQuotaExceeded, HTTPStatus: resp.StatusCode, Error: "api quota exceeded"}
	default:
		logger.Error("google publish failed", slog.String("url", item.webURL), slog.Int("status", resp.StatusCode))
		return domain.GoogleURLResult{WebURL: item.webURL, Status: domain.ResultFailed, HTTPStatus: resp.StatusCode, Error: strings.TrimSpace(string(respBody))}
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
