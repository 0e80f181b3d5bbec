package bing_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shopindexer/pipeline/internal/adapter/provider/bing"
	"github.com/shopindexer/pipeline/internal/crypto"
	"github.com/shopindexer/pipeline/internal/domain"
)

func newTestDecryptor(t *testing.T) *crypto.Decryptor {
	t.Helper()
	d, err := crypto.NewDecryptor("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	return d
}

func TestNormalizeSiteURL_AndSuccessfulSubmit(t *testing.T) {
	var gotSiteURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SiteURL string   `json:"siteUrl"`
			URLList []string `json:"urlList"`
		}
		_ = jsonDecode(r, &body)
		gotSiteURL = body.SiteURL
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	d := newTestDecryptor(t)
	encKey, err := d.Encrypt("bing-key")
	require.NoError(t, err)

	c := bing.New(d)
	c.Endpoint = server.URL

	job := domain.UrlIndexBatchJob{
		Shop: "acme.myshopify.com",
		Auth: domain.ShopAuthPayload{
			BingAPIKey: encKey,
			Settings:   domain.ShopSettings{BingLimit: 10, RetryLimit: 3},
		},
		Actions: map[string][]domain.UrlItem{
			"INDEX":  {{WebURL: "https://acme.myshopify.com/products/a"}},
			"DELETE": {{WebURL: "https://acme.myshopify.com/products/b"}},
		},
	}

	result, err := c.Dispatch(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, result.Batches, 1)
	require.Equal(t, domain.ResultSuccess, result.Batches[0].Status)
	require.Equal(t, "http://www.acme.myshopify.com", gotSiteURL)
}

func TestDispatch_RetriesRateLimitThenSucceeds(t *testing.T) {
	var attempts int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	d := newTestDecryptor(t)
	encKey, err := d.Encrypt("bing-key")
	require.NoError(t, err)

	c := bing.New(d)
	c.Endpoint = server.URL
	c.RetryDelays = []time.Duration{time.Millisecond}

	job := domain.UrlIndexBatchJob{
		Shop: "acme.myshopify.com",
		Auth: domain.ShopAuthPayload{
			BingAPIKey: encKey,
			Settings:   domain.ShopSettings{BingLimit: 10, RetryLimit: 3},
		},
		Actions: map[string][]domain.UrlItem{
			"INDEX": {{WebURL: "https://acme.myshopify.com/products/a"}},
		},
	}

	result, err := c.Dispatch(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, result.Batches, 1)
	require.Equal(t, domain.ResultSuccess, result.Batches[0].Status)
	require.Equal(t, int64(2), atomic.LoadInt64(&attempts))
}

func TestDispatch_QuotaExceededIsTerminal(t *testing.T) {
	var attempts int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	d := newTestDecryptor(t)
	encKey, err := d.Encrypt("bing-key")
	require.NoError(t, err)

	c := bing.New(d)
	c.Endpoint = server.URL

	job := domain.UrlIndexBatchJob{
		Shop: "acme.myshopify.com",
		Auth: domain.ShopAuthPayload{
			BingAPIKey: encKey,
			Settings:   domain.ShopSettings{BingLimit: 10, RetryLimit: 3},
		},
		Actions: map[string][]domain.UrlItem{
			"INDEX": {{WebURL: "https://acme.myshopify.com/products/a"}},
		},
	}

	result, err := c.Dispatch(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, domain.ResultQuotaExceeded, result.Batches[0].Status)
	require.Equal(t, int64(1), atomic.LoadInt64(&attempts))
}

func jsonDecode(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
