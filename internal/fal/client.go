// Package fal is a client for the fal.ai queue API.
//
// A generation is three calls: submit the job, poll its status URL until it
// reports COMPLETED, then fetch the result from the response URL. Generate
// wraps all three and is attempted once; the caller decides what a failure
// costs the user.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/clickmodel/internal/config"
)

// Queue states reported by the status endpoint.
const (
	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
)

var ErrPollTimeout = errors.New("fal: request did not complete in time")

type Request struct {
	HumanImageURL   string
	GarmentImageURL string
	Category        string
	// Description steers the model. Empty means the category is used.
	Description string
}

type Image struct {
	URL         string `json:"url"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ContentType string `json:"content_type"`
}

type Result struct {
	RequestID string
	Image     Image
}

type Client struct {
	apiKey       string
	baseURL      string
	model        string
	pollInterval time.Duration
	maxAttempts  int
	httpClient   *http.Client
	log          *slog.Logger
}

func NewClient(cfg config.ProviderConfig, log *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 90
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        strings.Trim(cfg.Model, "/"),
		pollInterval: interval,
		maxAttempts:  attempts,
		httpClient:   &http.Client{Timeout: timeout},
		log:          log,
	}
}

// Generate submits a try-on job and blocks until it finishes, fails, the
// poll budget runs out, or ctx is done.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.HumanImageURL == "" || req.GarmentImageURL == "" {
		return nil, errors.New("fal: both image URLs are required")
	}
	if req.Description == "" {
		req.Description = req.Category
	}

	job, err := c.submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fal: submit: %w", err)
	}

	if err := c.waitForCompletion(ctx, job); err != nil {
		return nil, fmt.Errorf("fal: request %s: %w", job.RequestID, err)
	}

	img, err := c.fetchResult(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("fal: result %s: %w", job.RequestID, err)
	}
	return &Result{RequestID: job.RequestID, Image: *img}, nil
}

type queuedJob struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

func (c *Client) submit(ctx context.Context, req Request) (*queuedJob, error) {
	payload := map[string]any{
		"human_image_url":   req.HumanImageURL,
		"garment_image_url": req.GarmentImageURL,
		"category":          req.Category,
		"description":       req.Description,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	endpoint := c.baseURL + "/" + c.model
	c.log.Info("submitting fal request", slog.String("model", c.model), slog.String("category", req.Category))

	raw, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}

	var job queuedJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode submit response: %w (body=%s)", err, truncateBody(raw))
	}
	if job.RequestID == "" {
		return nil, fmt.Errorf("empty request_id in response (body=%s)", truncateBody(raw))
	}

	base := c.baseURL + "/" + c.model + "/requests/" + job.RequestID
	if job.StatusURL == "" {
		job.StatusURL = base + "/status"
	}
	if job.ResponseURL == "" {
		job.ResponseURL = base
	}

	c.log.Info("fal request queued", slog.String("request_id", job.RequestID))
	return &job, nil
}

func (c *Client) waitForCompletion(ctx context.Context, job *queuedJob) error {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		raw, err := c.do(ctx, http.MethodGet, job.StatusURL, nil)
		if err != nil {
			return fmt.Errorf("poll status: %w", err)
		}

		var status struct {
			Status        string `json:"status"`
			QueuePosition *int   `json:"queue_position"`
			Error         string `json:"error"`
		}
		if err := json.Unmarshal(raw, &status); err != nil {
			return fmt.Errorf("decode status response: %w (body=%s)", err, truncateBody(raw))
		}

		switch status.Status {
		case StatusCompleted:
			if status.Error != "" {
				return fmt.Errorf("completed with error: %s", status.Error)
			}
			c.log.Info("fal request completed",
				slog.String("request_id", job.RequestID), slog.Int("attempt", attempt+1))
			return nil

		case StatusInQueue, StatusInProgress:
			if attempt%10 == 0 {
				c.log.Debug("fal request pending",
					slog.String("request_id", job.RequestID),
					slog.String("status", status.Status),
					slog.Int("attempt", attempt+1))
			}
			if attempt == c.maxAttempts-1 {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.pollInterval):
			}

		default:
			return fmt.Errorf("unknown status %q", status.Status)
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrPollTimeout, c.maxAttempts)
}

func (c *Client) fetchResult(ctx context.Context, job *queuedJob) (*Image, error) {
	raw, err := c.do(ctx, http.MethodGet, job.ResponseURL, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Image Image `json:"image"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w (body=%s)", err, truncateBody(raw))
	}
	if out.Image.URL == "" {
		return nil, fmt.Errorf("no image url in result (body=%s)", truncateBody(raw))
	}
	return &out.Image, nil
}

// do sends one authenticated request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		c.log.Error("fal request failed",
			slog.Int("status", resp.StatusCode),
			slog.String("url", url),
			slog.String("body", truncateBody(raw)))
		return nil, fmt.Errorf("status=%d url=%s body=%s", resp.StatusCode, url, truncateBody(raw))
	}
	return raw, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
