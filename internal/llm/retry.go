package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
)

// RetryConfig configures retry behavior for model calls.
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups error substrings by category.
// Matched case-insensitively against err.Error().
//
// NOTE: string matching is used because Genkit and provider SDKs do not
// expose typed errors for transient failures. Re-evaluate if Genkit adds
// structured error types.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// retryableError reports whether err is transient and should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(errStr, sub) {
				return true
			}
		}
	}
	return false
}

// generateWithRetry runs a model call with exponential backoff.
// The rate limiter is consulted before each attempt, not once per call.
func (c *Client) generateWithRetry(ctx context.Context, generate func() (*ai.ModelResponse, error)) (*ai.ModelResponse, error) {
	var lastErr error
	delay := c.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := generate()
		if err == nil {
			c.logger.Debug("model call succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start))
			return resp, nil
		}

		lastErr = err

		if !retryableError(err) {
			return nil, fmt.Errorf("generate: %w", err)
		}

		if attempt == c.retry.MaxRetries {
			break
		}

		c.logger.Debug("retrying after transient model error",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, c.retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("generate after %d retries (elapsed: %v): %w",
		c.retry.MaxRetries, time.Since(start), lastErr)
}
