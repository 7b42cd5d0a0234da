// Tool Executor with Retry Logic.
//
// Information Hiding:
// - Retry strategy implementation hidden
// - Backoff algorithm hidden
// - Error classification logic hidden

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/richinex/mped/model"
)

// Executor runs tools with a per-call timeout and retries transient
// failures (timeouts, lost connections) with exponential backoff.
// Only the final outcome reaches the caller.
type Executor struct {
	config  ToolConfig
	backoff func() backoff.BackOff
	logger  *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBackOff replaces the exponential backoff policy.
func WithBackOff(newBackOff func() backoff.BackOff) ExecutorOption {
	return func(e *Executor) { e.backoff = newBackOff }
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates a new tool executor with the given configuration.
func NewExecutor(config ToolConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		config: config,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute validates args and runs tool, retrying transient failures.
// A failed tool result is returned with a nil error; the error return is
// reserved for the caller's context ending.
func (e *Executor) Execute(ctx context.Context, tool Tool, args json.RawMessage) (ToolResult, error) {
	name := tool.Metadata().Name

	if err := tool.Validate(args); err != nil {
		return FailureResult(err), nil
	}

	attempts := 0
	result, err := backoff.Retry(ctx, func() (ToolResult, error) {
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, e.config.timeout())
		defer cancel()

		result, err := tool.Execute(callCtx, args)
		if err != nil {
			return result, backoff.Permanent(err)
		}
		if result.Success() {
			return result, nil
		}
		if !shouldRetry(result.Error) || ctx.Err() != nil {
			return result, backoff.Permanent(&failedResult{result})
		}
		return result, &failedResult{result}
	},
		backoff.WithBackOff(e.backoff()),
		backoff.WithMaxTries(e.config.retries()),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Warn("tools: transient failure, retrying", "tool", name, "error", err, "next", next)
		}),
	)
	if err == nil {
		return result, nil
	}

	var failed *failedResult
	if errors.As(err, &failed) {
		if attempts > 1 {
			e.logger.Debug("tools: giving up", "tool", name, "attempts", attempts)
		}
		return failed.result, ctx.Err()
	}
	if ctx.Err() != nil {
		return FailureResult(model.NewQueryError(model.KindTimeout, ctx.Err())), ctx.Err()
	}
	return FailureResult(fmt.Errorf("tool '%s' failed: %w", name, err)), nil
}

// failedResult carries a failed ToolResult through backoff.Retry.
type failedResult struct {
	result ToolResult
}

func (f *failedResult) Error() string {
	return f.result.Error.Error()
}

func (f *failedResult) Unwrap() error {
	return f.result.Error
}

// shouldRetry reports whether a failure is worth another attempt.
// Only classified transient query errors are retried.
func shouldRetry(err error) bool {
	var qe *model.QueryError
	if errors.As(err, &qe) {
		return qe.Transient()
	}
	return false
}
