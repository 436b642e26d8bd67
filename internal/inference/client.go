package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/clicktronix/scout/internal/scraper"
)

// BatchState is the lifecycle state the external service reports for a job.
type BatchState string

const (
	BatchStateValidating BatchState = "validating"
	BatchStateInProgress BatchState = "in_progress"
	BatchStateFinalizing BatchState = "finalizing"
	BatchStateCompleted  BatchState = "completed"
	BatchStateExpired    BatchState = "expired"
	BatchStateFailed     BatchState = "failed"
	BatchStateCancelled  BatchState = "cancelled"
)

// IsTerminal reports whether the state is final. Both completed and expired
// jobs may carry a partial results artifact.
func (s BatchState) IsTerminal() bool {
	switch s {
	case BatchStateCompleted, BatchStateExpired, BatchStateFailed, BatchStateCancelled:
		return true
	}
	return false
}

// RequestCounts are the service's self-reported per-item counters. They are
// known to be unreliable and must only ever be used for diagnostics.
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Batch describes one asynchronous inference job.
type Batch struct {
	ID            string        `json:"id"`
	Status        BatchState    `json:"status"`
	RequestCounts RequestCounts `json:"request_counts"`
	OutputFileID  string        `json:"output_file_id"`
	ErrorFileID   string        `json:"error_file_id"`
	CreatedAt     int64         `json:"created_at"`
}

// Client talks to an OpenAI-style asynchronous batch inference API:
// upload a file of newline-delimited requests, create a batch over it,
// poll the batch, fetch result artifacts.
type Client struct {
	http             *resty.Client
	baseURL          string
	completionWindow string
}

// Config holds configuration for the inference client.
type Config struct {
	BaseURL          string
	APIKey           string
	CompletionWindow string
}

// NewClient creates a new batch inference client.
// Parameters:
//   - cfg: API configuration including base URL and key.
// Returns:
//   - *Client: initialized client.
func NewClient(cfg *Config) *Client {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetTimeout(120 * time.Second)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	window := cfg.CompletionWindow
	if window == "" {
		window = "24h"
	}

	return &Client{
		http:             client,
		baseURL:          baseURL,
		completionWindow: window,
	}
}

type fileResponse struct {
	ID string `json:"id"`
}

type apiError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// CreateBatch uploads a JSONL request file and opens a batch job over it.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - requests: newline-delimited request records, each carrying a custom_id.
// Returns:
//   - *Batch: the created job with its external id.
//   - error: non-nil if upload or creation fails; quota exhaustion is
//     classified as a budget error so callers never retry it.
func (c *Client) CreateBatch(ctx context.Context, requests []byte) (*Batch, error) {
	var file fileResponse
	var fileErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", "requests.jsonl", bytesReader(requests)).
		SetFormData(map[string]string{"purpose": "batch"}).
		SetResult(&file).
		SetError(&fileErr).
		Post(c.baseURL + "/files")
	if err != nil {
		return nil, scraper.Errorf(scraper.KindNetwork, "failed to upload batch file: %v", err)
	}
	if resp.IsError() {
		return nil, c.classify(resp.StatusCode(), fileErr, "file upload")
	}

	var batch Batch
	var batchErr apiError
	resp, err = c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"input_file_id":     file.ID,
			"endpoint":          "/v1/chat/completions",
			"completion_window": c.completionWindow,
		}).
		SetResult(&batch).
		SetError(&batchErr).
		Post(c.baseURL + "/batches")
	if err != nil {
		return nil, scraper.Errorf(scraper.KindNetwork, "failed to create batch: %v", err)
	}
	if resp.IsError() {
		return nil, c.classify(resp.StatusCode(), batchErr, "batch create")
	}
	return &batch, nil
}

// GetBatch retrieves the current state of a batch job.
func (c *Client) GetBatch(ctx context.Context, id string) (*Batch, error) {
	var batch Batch
	var batchErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&batch).
		SetError(&batchErr).
		Get(c.baseURL + "/batches/" + id)
	if err != nil {
		return nil, scraper.Errorf(scraper.KindNetwork, "failed to get batch %s: %v", id, err)
	}
	if resp.IsError() {
		return nil, c.classify(resp.StatusCode(), batchErr, "batch status")
	}
	return &batch, nil
}

// FetchArtifact downloads a result or error artifact as raw
// newline-delimited records.
func (c *Client) FetchArtifact(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(c.baseURL + "/files/" + fileID + "/content")
	if err != nil {
		return nil, scraper.Errorf(scraper.KindNetwork, "failed to fetch artifact %s: %v", fileID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("artifact fetch returned HTTP %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

// classify maps API failures into the retry taxonomy. 402/insufficient_quota
// is a budget stop; 429 is a rate limit; everything else stays unclassified.
func (c *Client) classify(status int, e apiError, op string) error {
	msg := fmt.Sprintf("%s returned HTTP %d", op, status)
	code := ""
	if e.Error != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Error.Message)
		code = e.Error.Code
	}
	switch {
	case status == 402 || code == "insufficient_quota":
		return scraper.Errorf(scraper.KindBudget, "%s", msg)
	case status == 429:
		return scraper.Errorf(scraper.KindRateLimited, "%s", msg)
	default:
		return fmt.Errorf("%s", msg)
	}
}
