// Package domain defines core entities, ports, and domain-specific errors
// for the shop URL indexing pipeline.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels).
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrInternal          = errors.New("internal error")
)

// Context is an alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// IndexAction enumerates what should happen to a URL entry.
type IndexAction string

// Index action values.
const (
	ActionIndex  IndexAction = "INDEX"
	ActionDelete IndexAction = "DELETE"
	ActionIgnore IndexAction = "IGNORE"
)

// UrlStatus captures the lifecycle state of a URL entry.
type UrlStatus string

// URL entry status values.
const (
	UrlPending    UrlStatus = "PENDING"
	UrlProcessing UrlStatus = "PROCESSING"
	UrlCompleted  UrlStatus = "COMPLETED"
	UrlFailed     UrlStatus = "FAILED"
)

// EnvelopeStatus is the terminal/non-terminal state of a broker envelope.
type EnvelopeStatus string

// Envelope status values.
const (
	EnvelopeQueued    EnvelopeStatus = "queued"
	EnvelopeCompleted EnvelopeStatus = "completed"
	EnvelopeFailed    EnvelopeStatus = "failed"
)

// ShopSettings holds per-shop indexing limits.
type ShopSettings struct {
	GoogleLimit int `json:"googleLimit"`
	BingLimit   int `json:"bingLimit"`
	RetryLimit  int `json:"retryLimit"`
}

// Shop is a tenant with provider credentials (still encrypted when read from
// the relational store) and per-day submission limits.
type Shop struct {
	Shop         string
	Settings     ShopSettings
	GoogleConfig string // encrypted service-account JSON
	BingAPIKey   string // encrypted
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UrlEntry is a per-(shop, webUrl) submission record.
type UrlEntry struct {
	Shop            string
	WebURL          string
	IndexAction     IndexAction
	Status          UrlStatus
	Attempts        int
	IsGoogleIndexed bool
	IsBingIndexed   bool
	LastIndexedAt   *time.Time
}

// IndexTask is a lightweight completion ledger distinct from UrlEntry,
// supplemented from the original Python implementation's db_model.IndexTask.
type IndexTask struct {
	ID          int64
	Shop        string
	URL         string
	IsCompleted bool
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Envelope is the kv-store record holding a job's payload, status, and
// timestamps.
type Envelope struct {
	Data                  json.RawMessage
	Status                EnvelopeStatus
	CreatedAt             time.Time
	CompletedAt           *time.Time
	FailedAt              *time.Time
	ProcessingTimeSeconds *float64
	Error                 string
	URLsProcessed         *int
}

// StreamEntry is the routing tuple appended to a stage's stream.
type StreamEntry struct {
	JobID  string `json:"job_id"`
	Shop   string `json:"shop"`
	Action string `json:"action,omitempty"`
}

// SchedulerStats summarizes the `scheduler:stats` hash: the most recent
// cycle's outcome plus a cumulative counter spanning every cycle.
type SchedulerStats struct {
	LastCycleAt        time.Time
	LastScheduledCount int
	LastSkippedCount   int
	CumulativeRunCount int64
}

// SeedPayload is the L1 input payload emitted by the scheduler.
type SeedPayload struct {
	Shop        string    `json:"shop"`
	Action      string    `json:"action"`
	Priority    string    `json:"priority"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// UrlItem is a single URL submission candidate with its retry count.
type UrlItem struct {
	WebURL   string `json:"webUrl"`
	Attempts int    `json:"attempts"`
}

// UrlIndexBatchJob is the L2 input payload assembled by L1.
type UrlIndexBatchJob struct {
	JobType string               `json:"jobType"`
	Version int                  `json:"version"`
	Shop    string               `json:"shop"`
	Auth    ShopAuthPayload      `json:"auth"`
	Actions map[string][]UrlItem `json:"actions"`
}

// ShopAuthPayload carries still-encrypted credentials through the pipeline.
type ShopAuthPayload struct {
	Shop         string       `json:"shop"`
	Settings     ShopSettings `json:"settings"`
	GoogleConfig string       `json:"googleConfig"`
	BingAPIKey   string       `json:"bingApiKey"`
}

// ProviderOutcome describes one provider's dispatch outcome within the L3
// result envelope.
type ProviderOutcome struct {
	Executed bool            `json:"executed"`
	Success  *bool           `json:"success,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// ResultEnvelope is the L3 input payload produced by L2.
type ResultEnvelope struct {
	Shop        string          `json:"shop"`
	JobID       string          `json:"job_id"`
	ProcessedAt time.Time       `json:"processed_at"`
	Google      ProviderOutcome `json:"google"`
	Bing        ProviderOutcome `json:"bing"`
}

// URLResultStatus is the per-URL/per-batch outcome recorded by a provider.
type URLResultStatus string

// URL result status values.
const (
	ResultSuccess       URLResultStatus = "success"
	ResultFailed        URLResultStatus = "failed"
	ResultQuotaExceeded URLResultStatus = "quota_exceeded"
	ResultRateLimited   URLResultStatus = "rate_limited"
)

// GoogleURLResult is one Google sub-response outcome.
type GoogleURLResult struct {
	WebURL     string          `json:"webUrl"`
	Status     URLResultStatus `json:"status"`
	HTTPStatus int             `json:"http_status"`
	Error      string          `json:"error,omitempty"`
}

// GoogleBatchResult aggregates Google outcomes for a batch job.
type GoogleBatchResult struct {
	Results []GoogleURLResult `json:"results"`
}

// BingBatchResult aggregates Bing outcomes for one chunk submission.
type BingBatchResult struct {
	URLs       []string        `json:"urls"`
	Status     URLResultStatus `json:"status"`
	HTTPStatus int             `json:"http_status"`
	Error      string          `json:"error,omitempty"`
}

// BingDispatchResult aggregates every chunk's BingBatchResult for a job.
type BingDispatchResult struct {
	Batches []BingBatchResult `json:"batches"`
}

// Repositories (ports).

// ShopRepository reads shop tenant rows from the relational store.
type ShopRepository interface {
	// ListShops returns all distinct shop keys.
	ListShops(ctx Context) ([]string, error)
	// Get loads a shop's auth row by shop key.
	Get(ctx Context, shop string) (Shop, error)
}

// UrlEntryRepository reads and writes per-URL submission state.
type UrlEntryRepository interface {
	// PendingForShop returns up to limit PENDING, non-IGNORE url entries for
	// a shop ordered by attempts DESC. When filterGoogleIndexed is true, rows
	// with IsGoogleIndexed=true are excluded.
	PendingForShop(ctx Context, shop string, limit int, filterGoogleIndexed bool) ([]UrlEntry, error)
	// PromoteBoth marks urls as indexed by both providers and COMPLETED.
	PromoteBoth(ctx Context, shop string, urls []string, at time.Time) error
	// PromoteGoogleOnly flips IsGoogleIndexed for urls not already flagged.
	PromoteGoogleOnly(ctx Context, shop string, urls []string, at time.Time) error
	// PromoteBingOnly flips IsBingIndexed for urls not already flagged.
	PromoteBingOnly(ctx Context, shop string, urls []string, at time.Time) error
}

// IndexTaskRepository manages the supplemented completion ledger.
type IndexTaskRepository interface {
	// MarkCompleted records a (shop, url) pair as completed, creating the
	// ledger row if absent.
	MarkCompleted(ctx Context, shop string, urls []string, at time.Time) error
}
