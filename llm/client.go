// LLMClient - bounded wrapper around providers.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency bounds in-flight provider calls per client.
const DefaultConcurrency = 4

// Client wraps a Provider and bounds the number of concurrent calls. The pool
// is shared by every session that uses the client, so it is sized
// independently of the session count.
type Client struct {
	provider Provider
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

// NewClient creates a new LLM client from a provider. Non-positive
// concurrency uses DefaultConcurrency.
func NewClient(provider Provider, concurrency int, logger *slog.Logger) *Client {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		provider: provider,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		logger:   logger,
	}
}

// Chat sends a chat completion request and returns just the content.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	return c.ChatWithFormat(ctx, messages, nil)
}

// ChatWithFormat sends a chat completion request with response format and
// returns just the content. Waiting for a free slot honours ctx; a caller that
// gives up while queued gets ErrTimeout.
func (c *Client) ChatWithFormat(ctx context.Context, messages []ChatMessage, format *ResponseFormat) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%s: %w: waiting for a slot: %w", c.provider.Name(), ErrTimeout, err)
	}
	defer c.sem.Release(1)

	start := time.Now()
	response, err := c.provider.ChatWithFormat(ctx, messages, format)
	if err != nil {
		c.logger.Warn("llm: call failed", "provider", c.provider.Name(), "model", c.provider.Model(),
			"duration", time.Since(start), "error", err)
		return "", err
	}

	attrs := []any{"provider", c.provider.Name(), "duration", time.Since(start)}
	if response.Usage != nil {
		attrs = append(attrs, "prompt_tokens", response.Usage.PromptTokens,
			"completion_tokens", response.Usage.CompletionTokens)
	}
	c.logger.Debug("llm: call done", attrs...)
	return response.Content, nil
}

// Provider returns the underlying provider.
func (c *Client) Provider() Provider {
	return c.provider
}
