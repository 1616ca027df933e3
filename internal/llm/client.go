// Package llm wraps Genkit model invocation behind the small surface the
// agents need: plain completion, delta-streaming completion, and structured
// (JSON) completion. Retry with backoff and proactive rate limiting are
// applied uniformly here so agents stay free of transport concerns.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
)

// Config contains the required parameters for a Client.
type Config struct {
	Genkit      *genkit.Genkit
	ModelName   string // Provider-qualified model name (e.g. "googleai/gemini-2.5-flash")
	Temperature float32
	Logger      *slog.Logger

	// Retry controls backoff on transient model errors. A zero value selects
	// DefaultRetryConfig; to disable retries set MaxRetries to 0 alongside
	// explicit intervals.
	Retry       RetryConfig
	RateLimiter *rate.Limiter // nil = default 10 req/s, burst 30
}

// Client is a stateless model invocation client.
// Safe for concurrent use; all configuration is captured at construction.
type Client struct {
	g           *genkit.Genkit
	modelName   string
	temperature float32
	retry       RetryConfig
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// New creates a Client. Genkit and Logger are required.
func New(cfg Config) (*Client, error) {
	if cfg.Genkit == nil {
		return nil, errors.New("genkit instance is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.ModelName) == "" {
		return nil, fmt.Errorf("%w: no model configured", ErrModelUnavailable)
	}

	retry := cfg.Retry
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig()
	}

	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = rate.NewLimiter(10, 30)
	}

	return &Client{
		g:           cfg.Genkit,
		modelName:   cfg.ModelName,
		temperature: cfg.Temperature,
		retry:       retry,
		limiter:     limiter,
		logger:      cfg.Logger,
	}, nil
}

// DeltaFunc receives incremental text output during streaming generation.
// Returning an error aborts the stream.
type DeltaFunc func(ctx context.Context, delta string) error

// Complete runs a single non-streaming completion and returns the text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.generateWithRetry(ctx, func() (*ai.ModelResponse, error) {
		return genkit.Generate(ctx, c.g, c.options(prompt, nil, nil)...)
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// CompleteStream runs a completion, invoking onDelta for each text chunk in
// generation order, and returns the final accumulated text. The returned
// text, not the concatenation of deltas, is authoritative.
func (c *Client) CompleteStream(ctx context.Context, prompt string, onDelta DeltaFunc) (string, error) {
	resp, err := c.generateWithRetry(ctx, func() (*ai.ModelResponse, error) {
		return genkit.Generate(ctx, c.g, c.options(prompt, nil, onDelta)...)
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// CompleteJSON runs a completion constrained to the JSON shape of out and
// strictly parses the reply into it. A reply that cannot be parsed yields
// ErrMalformedOutput; callers apply their own defaulting policy.
func (c *Client) CompleteJSON(ctx context.Context, prompt string, out any) error {
	return c.completeJSON(ctx, prompt, out, nil)
}

// CompleteJSONStream is CompleteJSON with best-effort delta streaming.
// Deltas are raw fragments of the structured reply, suitable only for
// optimistic display; the final parse into out is the single authority.
func (c *Client) CompleteJSONStream(ctx context.Context, prompt string, out any, onDelta DeltaFunc) error {
	return c.completeJSON(ctx, prompt, out, onDelta)
}

func (c *Client) completeJSON(ctx context.Context, prompt string, out any, onDelta DeltaFunc) error {
	opts := c.options(prompt, out, onDelta)

	resp, err := c.generateWithRetry(ctx, func() (*ai.ModelResponse, error) {
		return genkit.Generate(ctx, c.g, opts...)
	})
	if err != nil {
		return err
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return fmt.Errorf("%w: empty reply", ErrMalformedOutput)
	}

	if err := json.Unmarshal([]byte(stripCodeFence(text)), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

// options assembles the generate options shared by all call styles.
// outputType non-nil constrains the model to structured output.
func (c *Client) options(prompt string, outputType any, onDelta DeltaFunc) []ai.GenerateOption {
	opts := []ai.GenerateOption{
		ai.WithPrompt(prompt),
		ai.WithModelName(c.modelName),
	}
	if c.temperature > 0 {
		opts = append(opts, ai.WithConfig(map[string]any{"temperature": c.temperature}))
	}
	if outputType != nil {
		opts = append(opts, ai.WithOutputType(outputType))
	}
	if onDelta != nil {
		opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			if chunk == nil {
				return nil
			}
			for _, part := range chunk.Content {
				if part.Text != "" {
					if err := onDelta(ctx, part.Text); err != nil {
						return err
					}
				}
			}
			return nil
		}))
	}
	return opts
}

// stripCodeFence removes a surrounding markdown code fence if the model
// wrapped its JSON reply in one.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
