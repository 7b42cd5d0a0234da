// Anthropic Provider implementation using official anthropic-sdk-go.
//
// Information Hiding:
// - API endpoint and authentication (direct API key or AWS Bedrock)
// - Request/response format for Anthropic Messages API

package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// AnthropicProvider implements the Provider interface for Anthropic Claude.
type AnthropicProvider struct {
	name        string
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// NewAnthropicProvider creates a provider that calls the Anthropic API directly.
func NewAnthropicProvider(apiKey, model string, maxTokens uint32, temperature float32) *AnthropicProvider {
	return newAnthropicProvider("anthropic", model, maxTokens, temperature,
		option.WithAPIKey(apiKey),
	)
}

// NewBedrockProvider creates a provider that reaches Claude through AWS
// Bedrock. Credentials come from the default AWS chain (environment, shared
// config, instance role).
func NewBedrockProvider(ctx context.Context, region, model string, maxTokens uint32, temperature float32) (*AnthropicProvider, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return newAnthropicProvider("bedrock", model, maxTokens, temperature,
		bedrock.WithConfig(cfg),
	), nil
}

func newAnthropicProvider(name, model string, maxTokens uint32, temperature float32, opts ...option.RequestOption) *AnthropicProvider {
	return &AnthropicProvider{
		name:        name,
		client:      anthropic.NewClient(opts...),
		model:       model,
		maxTokens:   int64(maxTokens),
		temperature: float64(temperature),
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return p.name
}

// Model returns the current model.
func (p *AnthropicProvider) Model() string {
	return p.model
}

// Chat sends a chat completion request.
func (p *AnthropicProvider) Chat(ctx context.Context, messages []ChatMessage) (LLMResponse, error) {
	return p.ChatWithFormat(ctx, messages, nil)
}

// ChatWithFormat sends a chat completion request. The Messages API has no JSON
// mode, so a JSON format is requested by prefilling the assistant turn with "{".
func (p *AnthropicProvider) ChatWithFormat(ctx context.Context, messages []ChatMessage, format *ResponseFormat) (LLMResponse, error) {
	systemPrompt, turns := systemAndTurns(messages)
	anthropicMessages := convertToAnthropicMessages(turns)

	prefill := format != nil && format.Type == ResponseFormatJSONObject &&
		len(turns) > 0 && turns[len(turns)-1].Role == RoleUser
	if prefill {
		anthropicMessages = append(anthropicMessages, anthropic.NewAssistantMessage(
			anthropic.NewTextBlock("{"),
		))
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   p.maxTokens,
		Messages:    anthropicMessages,
		Temperature: anthropic.Float(p.temperature),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return LLMResponse{}, classify(p.name, err)
	}

	var content strings.Builder
	if prefill {
		content.WriteString("{")
	}
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(variant.Text)
		}
	}

	var usage *TokenUsage
	if message.Usage.InputTokens > 0 || message.Usage.OutputTokens > 0 {
		usage = &TokenUsage{
			PromptTokens:     uint32(message.Usage.InputTokens),
			CompletionTokens: uint32(message.Usage.OutputTokens),
			TotalTokens:      uint32(message.Usage.InputTokens + message.Usage.OutputTokens),
		}
	}

	return LLMResponse{Content: content.String(), Usage: usage}, nil
}

// convertToAnthropicMessages converts non-system turns to Anthropic format.
func convertToAnthropicMessages(turns []ChatMessage) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(turns))
	for _, msg := range turns {
		switch msg.Role {
		case RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return result
}

var _ Provider = (*AnthropicProvider)(nil)
