// LLM Provider Factory - builder-first API for creating LLM providers.
//
// Quick Start:
//
//	// Defaults, API key from the environment
//	claude, err := llm.ProviderAnthropic.FromEnv()
//
//	// Claude on AWS Bedrock, credentials from the AWS chain
//	bedrock, err := llm.ProviderBedrock.Region("us-east-1").FromEnv()
//
//	// Full configuration
//	custom, err := llm.ProviderOpenAI.
//	    Model(llm.ModelOpenAIGPT4o).
//	    MaxTokens(2048).
//	    FromEnv()

package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// ProviderType represents supported LLM providers.
type ProviderType int

const (
	// ProviderOpenAI is the OpenAI provider (GPT models).
	ProviderOpenAI ProviderType = iota
	// ProviderAnthropic is the Anthropic provider (Claude models).
	ProviderAnthropic
	// ProviderBedrock is Claude served through AWS Bedrock.
	ProviderBedrock
	// ProviderDeepSeek is the DeepSeek provider.
	ProviderDeepSeek
	// ProviderGemini is the Google Gemini provider.
	ProviderGemini
)

// Defaults applied by the builder. Answers must be reproducible, so the
// temperature defaults to zero.
const (
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	switch p {
	case ProviderOpenAI:
		return "openai"
	case ProviderAnthropic:
		return "anthropic"
	case ProviderBedrock:
		return "bedrock"
	case ProviderDeepSeek:
		return "deepseek"
	case ProviderGemini:
		return "gemini"
	default:
		return "unknown"
	}
}

// EnvVar returns the environment variable name for this provider's API key.
// Bedrock authenticates through the AWS credential chain and has none.
func (p ProviderType) EnvVar() string {
	switch p {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderDeepSeek:
		return "DEEPSEEK_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

// DefaultModel returns the default model for this provider.
func (p ProviderType) DefaultModel() string {
	switch p {
	case ProviderOpenAI:
		return ModelOpenAIGPT4o
	case ProviderAnthropic:
		return ModelAnthropicClaudeSonnet4
	case ProviderBedrock:
		return ModelBedrockClaude35Sonnet
	case ProviderDeepSeek:
		return ModelDeepSeekChat
	case ProviderGemini:
		return ModelGeminiFlash25
	default:
		return ""
	}
}

// ParseProviderType parses a provider from string (case-insensitive).
func ParseProviderType(s string) (ProviderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai", "gpt":
		return ProviderOpenAI, nil
	case "anthropic", "claude":
		return ProviderAnthropic, nil
	case "bedrock", "aws":
		return ProviderBedrock, nil
	case "deepseek":
		return ProviderDeepSeek, nil
	case "gemini", "google":
		return ProviderGemini, nil
	default:
		return 0, fmt.Errorf("unknown provider: %s", s)
	}
}

// FromEnv creates a provider with defaults, reading credentials from environment.
func (p ProviderType) FromEnv() (Provider, error) {
	return NewProviderBuilder(p).FromEnv()
}

// Model starts configuring this provider with a specific model.
func (p ProviderType) Model(model string) *ProviderBuilder {
	return NewProviderBuilder(p).Model(model)
}

// Region starts configuring this provider with an AWS region (Bedrock only).
func (p ProviderType) Region(region string) *ProviderBuilder {
	return NewProviderBuilder(p).Region(region)
}

// ProviderBuilder is a builder for configuring LLM providers.
type ProviderBuilder struct {
	providerType ProviderType
	model        string
	maxTokens    uint32
	temperature  *float32
	baseURL      string
	region       string
}

// NewProviderBuilder creates a new builder for the given provider.
func NewProviderBuilder(providerType ProviderType) *ProviderBuilder {
	return &ProviderBuilder{providerType: providerType}
}

// Model sets the model to use. Empty keeps the provider default.
func (b *ProviderBuilder) Model(model string) *ProviderBuilder {
	b.model = model
	return b
}

// MaxTokens sets maximum tokens for responses.
func (b *ProviderBuilder) MaxTokens(tokens uint32) *ProviderBuilder {
	b.maxTokens = tokens
	return b
}

// Temperature sets temperature (0.0 = deterministic, 1.0 = creative).
func (b *ProviderBuilder) Temperature(temp float32) *ProviderBuilder {
	b.temperature = &temp
	return b
}

// BaseURL points an OpenAI provider at a compatible endpoint.
func (b *ProviderBuilder) BaseURL(url string) *ProviderBuilder {
	b.baseURL = url
	return b
}

// Region sets the AWS region for Bedrock.
func (b *ProviderBuilder) Region(region string) *ProviderBuilder {
	b.region = region
	return b
}

// FromEnv builds the provider, reading the API key from environment.
func (b *ProviderBuilder) FromEnv() (Provider, error) {
	if b.providerType == ProviderBedrock {
		return b.build("")
	}
	envVar := b.providerType.EnvVar()
	if envVar == "" {
		return nil, fmt.Errorf("unknown provider type: %v", b.providerType)
	}
	apiKey := os.Getenv(envVar)
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %s environment variable not set", b.providerType, envVar)
	}
	return b.build(apiKey)
}

// APIKey builds the provider with an explicit API key.
func (b *ProviderBuilder) APIKey(key string) (Provider, error) {
	return b.build(key)
}

func (b *ProviderBuilder) build(apiKey string) (Provider, error) {
	model := b.model
	if model == "" {
		model = b.providerType.DefaultModel()
	}

	maxTokens := b.maxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	temperature := float32(DefaultTemperature)
	if b.temperature != nil {
		temperature = *b.temperature
	}

	switch b.providerType {
	case ProviderOpenAI:
		return NewOpenAIProvider(apiKey, b.baseURL, model, maxTokens, temperature), nil
	case ProviderAnthropic:
		return NewAnthropicProvider(apiKey, model, maxTokens, temperature), nil
	case ProviderBedrock:
		region := b.region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		p, err := NewBedrockProvider(context.Background(), region, model, maxTokens, temperature)
		if err != nil {
			return nil, err
		}
		return p, nil
	case ProviderDeepSeek:
		return NewDeepSeekProvider(apiKey, model, maxTokens, temperature), nil
	case ProviderGemini:
		return NewGeminiProvider(apiKey, model, maxTokens, temperature), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %v", b.providerType)
	}
}

// OpenAI model identifiers.
const (
	ModelOpenAIGPT4o     = "gpt-4o"
	ModelOpenAIGPT4oMini = "gpt-4o-mini"
)

// Anthropic model identifiers.
const (
	ModelAnthropicClaudeSonnet4 = "claude-sonnet-4-20250514"
	ModelAnthropicClaudeHaiku35 = "claude-3-5-haiku-20241022"
)

// Bedrock model identifiers.
const (
	// ModelBedrockClaude35Sonnet is the model the MPED assistant shipped with.
	ModelBedrockClaude35Sonnet = "anthropic.claude-3-5-sonnet-20240620-v1:0"
)

// DeepSeek model identifiers.
const (
	ModelDeepSeekChat = "deepseek-chat"
)

// Gemini model identifiers.
const (
	ModelGeminiFlash25 = "gemini-2.5-flash"
)
