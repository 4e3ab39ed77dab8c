// Package validator checks recipient addresses against the external
// validation service before the first message of a campaign goes out.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// Result is the service's verdict on one address.
type Result struct {
	Email  string `json:"email"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Client calls the validation endpoint with bounded concurrency. The
// service is small and single-tenant; hammering it with one request per
// contact in a burst takes it down.
type Client struct {
	endpoint   string
	httpClient *http.Client
	sem        *semaphore.Weighted

	attempts  int
	baseDelay time.Duration
}

func New(endpoint string, maxConcurrent int64) *Client {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: 20 * time.Second},
		sem:        semaphore.NewWeighted(maxConcurrent),
		attempts:   3,
		baseDelay:  time.Second,
	}
}

// Validate checks a single address. Transport failures are retried with
// exponential backoff; a definitive invalid verdict is returned as-is.
func (c *Client) Validate(ctx context.Context, email string) (*Result, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("validator: empty address")
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay * (1 << (attempt - 1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		res, err := c.validateOnce(ctx, email)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("validator: %s: %w", email, lastErr)
}

func (c *Client) validateOnce(ctx context.Context, email string) (*Result, error) {
	payload, _ := json.Marshal(map[string]string{"email": email})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if res.Email == "" {
		res.Email = email
	}
	return &res, nil
}
