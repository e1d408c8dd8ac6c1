package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Result describes the outcome of one queued upload.
type Result struct {
	JobID      string `json:"job_id"`
	Kind       string `json:"kind"`
	Key        string `json:"key"`
	Status     string `json:"status"`
	StoreID    string `json:"store_id,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Bytes      int    `json:"bytes"`
	Attempt    int    `json:"attempt"`
	Requeued   bool   `json:"requeued,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Result statuses.
const (
	StatusUploaded = "uploaded"
	StatusFailed   = "failed"
)

// Client posts upload results to a callback service.
type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	if c == nil || c.BaseURL == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("X-Worker-Token", c.Token)
	}
	cli := c.Client
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("post %s status %s", path, resp.Status)
	}
	return nil
}

// PostResult reports the outcome of one upload job. A nil client or empty
// BaseURL makes it a no-op.
func (c *Client) PostResult(ctx context.Context, r Result) error {
	return c.post(ctx, "/api/uploads", r)
}
