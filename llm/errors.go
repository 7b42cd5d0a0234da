package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// Decider failure classes. Rate limits and timeouts are transient.
var (
	ErrRateLimit = errors.New("llm: rate limited")
	ErrTimeout   = errors.New("llm: timed out")
	ErrModel     = errors.New("llm: model error")
)

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout)
}

// classify wraps a provider error with its class. The original error text is
// kept; SDK errors never include credentials.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	class := classOf(err)
	return fmt.Errorf("%s: %w: %w", provider, class, err)
}

func classOf(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return classOfStatus(anthropicErr.StatusCode)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classOfStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classOfStatus(reqErr.HTTPStatusCode)
	}

	// genai surfaces HTTP failures as text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "resource_exhausted"), strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"), strings.Contains(msg, "throttl"):
		return ErrRateLimit
	case strings.Contains(msg, "deadline"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "unavailable"), strings.Contains(msg, "503"):
		return ErrTimeout
	}
	return ErrModel
}

func classOfStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrRateLimit
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout,
		code == http.StatusServiceUnavailable, code == 529:
		return ErrTimeout
	default:
		return ErrModel
	}
}
