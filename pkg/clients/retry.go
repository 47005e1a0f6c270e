// Package clients provides shared HTTP client helpers for upstream calls.
package clients

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
	RetryFunc  func(resp *http.Response, err error) bool
}

// DefaultRetryConfig returns sensible defaults for HTTP retries
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		RetryFunc:  DefaultShouldRetry,
	}
}

// DefaultShouldRetry determines if a request should be retried
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}

	if resp == nil {
		return true
	}

	// Retry on server errors and rate limits
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Backoff computes the delay before the given attempt (attempt >= 1) using
// exponential backoff with optional jitter, capped at MaxDelay.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1)))
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter {
		jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
		delay += jitter
		if delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}
	return delay
}

// DoWithRetry executes an HTTP request with exponential backoff retry
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, config RetryConfig) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	// Snapshot original request body (if any) so we can rebuild the request per attempt.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		req.ContentLength = int64(len(bodyBytes))
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(bodyBytes)), nil }
	}

	retryFunc := config.RetryFunc
	if retryFunc == nil {
		retryFunc = DefaultShouldRetry
	}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(config.Backoff(attempt)):
			}

			if bodyBytes != nil {
				req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			}
		}

		resp, err := client.Do(req.WithContext(ctx))
		if !retryFunc(resp, err) {
			return resp, err
		}

		if resp != nil {
			// Drain so the connection can be reused
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		lastResp, lastErr = resp, err
	}

	return lastResp, lastErr
}
