package agent

import (
	"context"
	"fmt"

	jsonutil "github.com/richinex/mped/internal/json"
	"github.com/richinex/mped/llm"
)

// Decider chooses the next step from a prompt. Errors wrap llm.ErrRateLimit,
// llm.ErrTimeout or llm.ErrModel.
type Decider interface {
	Generate(ctx context.Context, prompt Prompt) (Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, prompt Prompt) (Decision, error)

// Generate calls f.
func (f DeciderFunc) Generate(ctx context.Context, prompt Prompt) (Decision, error) {
	return f(ctx, prompt)
}

// LLMDecider asks a language model for the next decision.
type LLMDecider struct {
	client *llm.Client
}

// NewLLMDecider creates a decider over client.
func NewLLMDecider(client *llm.Client) *LLMDecider {
	return &LLMDecider{client: client}
}

// Generate sends the prompt and parses the JSON decision out of the reply.
// A reply without a usable decision is a model error.
func (d *LLMDecider) Generate(ctx context.Context, prompt Prompt) (Decision, error) {
	reply, err := d.client.ChatWithFormat(ctx, prompt.Messages(), llm.NewJSONObjectFormat())
	if err != nil {
		return Decision{}, err
	}

	decision, err := jsonutil.Decode[Decision](reply)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: unusable decision: %w", llm.ErrModel, err)
	}
	if !decision.IsFinal && !decision.Unrelated && decision.Action == nil {
		return Decision{}, fmt.Errorf("%w: decision has no action and no answer", llm.ErrModel)
	}
	return decision, nil
}

var _ Decider = (*LLMDecider)(nil)
