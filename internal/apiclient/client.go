// Package apiclient talks to the HTTP API of a running retryq server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dovewarden/retryq/internal/queue"
	"github.com/dovewarden/retryq/internal/server"
)

// Client is a retryq API client.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Push pushes items to the named queue and returns the number of changed scores.
func (c *Client) Push(ctx context.Context, name string, items []server.PushItem, failed bool) (int, error) {
	var resp struct {
		Pushed int `json:"pushed"`
	}
	err := c.do(ctx, http.MethodPost, queuePath(name, "items"), server.PushRequest{Items: items, Failed: failed}, &resp)
	return resp.Pushed, err
}

// Pop removes and returns up to n items of the named queue.
func (c *Client) Pop(ctx context.Context, name string, n int) ([]server.PoppedItem, error) {
	var resp struct {
		Items []server.PoppedItem `json:"items"`
	}
	path := queuePath(name, "pop") + "?n=" + strconv.Itoa(n)
	err := c.do(ctx, http.MethodPost, path, nil, &resp)
	return resp.Items, err
}

// Count returns the number of pending items of the named queue.
func (c *Client) Count(ctx context.Context, name string) (int64, error) {
	var resp struct {
		Count int64 `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, queuePath(name, "count"), nil, &resp)
	return resp.Count, err
}

// Failures returns the failure count of id in the named queue.
func (c *Client) Failures(ctx context.Context, name, id string) (int64, error) {
	var resp struct {
		Failures int64 `json:"failures"`
	}
	err := c.do(ctx, http.MethodGet, queuePath(name, "failures", id), nil, &resp)
	return resp.Failures, err
}

// DeadLetters lists the dead letters of the named queue.
func (c *Client) DeadLetters(ctx context.Context, name string) ([]queue.DeadLetter, error) {
	var resp struct {
		DeadLetters []queue.DeadLetter `json:"dead_letters"`
	}
	err := c.do(ctx, http.MethodGet, queuePath(name, "dead-letters"), nil, &resp)
	return resp.DeadLetters, err
}

// Revive pushes a dropped item back to the named queue.
func (c *Client) Revive(ctx context.Context, name, id string) (queue.DeadLetter, error) {
	var dl queue.DeadLetter
	err := c.do(ctx, http.MethodPost, queuePath(name, "dead-letters", id, "revive"), nil, &dl)
	return dl, err
}

func queuePath(name string, parts ...string) string {
	segs := []string{"/queues", url.PathEscape(name)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
