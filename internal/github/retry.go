package github

import (
	"context"
	"errors"
	"net/http"
	"time"

	gh "github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig configures retry behavior for GitHub API calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts. Default: 3.
	MaxRetries int

	// InitialBackoff is the initial backoff duration. Default: 1 second.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration. Default: 30 seconds.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff. Default: 2.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// withRetry retries a GitHub API operation with exponential backoff, handling
// rate limits and transient server errors.
func (c *Client) withRetry(ctx context.Context, operation func() (*gh.Response, error)) (*gh.Response, error) {
	cfg := c.retry
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	var lastResp *gh.Response
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := operation()
		if err == nil {
			if attempt > 0 {
				c.logger.Info("GitHub API operation recovered after retries",
					zap.Int("attempts", attempt))
			}
			return resp, nil
		}

		lastErr = err
		lastResp = resp

		if !isRetryable(err, resp) {
			return resp, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		wait := backoff
		if isRateLimited(err, resp) {
			wait = rateLimitBackoff(resp, cfg.MaxBackoff)
			c.logger.Info("GitHub API rate limit hit",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait))
		} else {
			c.logger.Debug("retrying GitHub API operation",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return lastResp, ctx.Err()
		case <-time.After(wait):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return lastResp, lastErr
}

// isRetryable reports whether an error is worth retrying: rate limits,
// server-side errors and transport failures.
func isRetryable(err error, resp *gh.Response) bool {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	if resp != nil {
		switch {
		case resp.StatusCode >= http.StatusInternalServerError:
			return true
		case resp.StatusCode == http.StatusTooManyRequests:
			return true
		case resp.StatusCode >= http.StatusBadRequest:
			return false
		}
	}
	// No HTTP response at all: transport-level failure, retry.
	return resp == nil
}

func isRateLimited(err error, resp *gh.Response) bool {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	return resp != nil && resp.StatusCode == http.StatusTooManyRequests
}

// rateLimitBackoff derives the wait from the rate-limit reset header, capped
// at maxBackoff.
func rateLimitBackoff(resp *gh.Response, maxBackoff time.Duration) time.Duration {
	if resp != nil && !resp.Rate.Reset.IsZero() {
		if wait := time.Until(resp.Rate.Reset.Time); wait > 0 {
			if wait > maxBackoff {
				return maxBackoff
			}
			return wait
		}
	}
	return maxBackoff
}
