package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxErrorBody bounds how much of a failed response ends up in the error.
const maxErrorBody = 512

// Client delivers popped item ids to an HTTP endpoint.
type Client struct {
	url    string
	token  string
	client *http.Client
}

// NewClient creates a new webhook client posting to url.
// A non-empty token is sent as a bearer token.
func NewClient(url, token string, timeout time.Duration) *Client {
	return &Client{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// Delivery is the JSON body posted for every handler invocation.
type Delivery struct {
	Queue string   `json:"queue"`
	IDs   []string `json:"ids"`
}

// Deliver posts ids of queue to the endpoint. Any status outside 2xx is an error.
func (c *Client) Deliver(ctx context.Context, queue string, ids []string) error {
	body, err := json.Marshal(Delivery{Queue: queue, IDs: ids})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("webhook delivery failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
