package domain

import (
	"encoding/json"
	"testing"
)

func TestIndexActionConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant IndexAction
		expected string
	}{
		{"ActionIndex", ActionIndex, "INDEX"},
		{"ActionDelete", ActionDelete, "DELETE"},
		{"ActionIgnore", ActionIgnore, "IGNORE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("expected %s to be %q, got %q", tt.name, tt.expected, string(tt.constant))
			}
		})
	}
}

func TestUrlStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant UrlStatus
		expected string
	}{
		{"UrlPending", UrlPending, "PENDING"},
		{"UrlProcessing", UrlProcessing, "PROCESSING"},
		{"UrlCompleted", UrlCompleted, "COMPLETED"},
		{"UrlFailed", UrlFailed, "FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("expected %s to be %q, got %q", tt.name, tt.expected, string(tt.constant))
			}
		})
	}
}

func TestUrlIndexBatchJob_MarshalRoundTrip(t *testing.T) {
	job := UrlIndexBatchJob{
		JobType: "URL_INDEXING_BATCH",
		Version: 1,
		Shop:    "shop-a.myshopify.com",
		Auth: ShopAuthPayload{
			Shop:         "shop-a.myshopify.com",
			Settings:     ShopSettings{GoogleLimit: 200, BingLimit: 200, RetryLimit: 3},
			GoogleConfig: "encrypted-google",
			BingAPIKey:   "encrypted-bing",
		},
		Actions: map[string][]UrlItem{
			"INDEX":  {{WebURL: "https://shop-a.myshopify.com/p1", Attempts: 0}},
			"DELETE": {{WebURL: "https://shop-a.myshopify.com/p2", Attempts: 2}},
		},
	}

	b, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out UrlIndexBatchJob
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Shop != job.Shop {
		t.Errorf("shop mismatch: got %q want %q", out.Shop, job.Shop)
	}
	if len(out.Actions["INDEX"]) != 1 || out.Actions["INDEX"][0].WebURL != job.Actions["INDEX"][0].WebURL {
		t.Errorf("actions[INDEX] round-trip mismatch: %+v", out.Actions["INDEX"])
	}
	if len(out.Actions["DELETE"]) != 1 || out.Actions["DELETE"][0].Attempts != 2 {
		t.Errorf("actions[DELETE] round-trip mismatch: %+v", out.Actions["DELETE"])
	}
}

func TestResultEnvelope_ProviderGating(t *testing.T) {
	success := true
	env := ResultEnvelope{
		Shop:  "shop-a.myshopify.com",
		JobID: "job-1",
		Google: ProviderOutcome{
			Executed: true,
			Success:  &success,
		},
		Bing: ProviderOutcome{
			Executed: false,
			Reason:   "missing_credentials",
		},
	}

	if !env.Google.Executed {
		t.Error("expected google to be executed")
	}
	if env.Bing.Executed {
		t.Error("expected bing to not be executed")
	}
	if env.Bing.Reason != "missing_credentials" {
		t.Errorf("expected bing reason missing_credentials, got %q", env.Bing.Reason)
	}
}
