// Package config provides application settings loaded from environment variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Provider-specific model lookup

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/richinex/mped/llm"
)

// DefaultProvider is used when neither the caller nor LLM_PROVIDER names one.
const DefaultProvider = "bedrock"

// Settings holds all application configuration.
type Settings struct {
	LLM     LLMConfig
	Agent   AgentConfig
	Query   QueryConfig
	DB      DBConfig
	Session SessionConfig
	Data    DataConfig

	LogLevel    slog.Level
	MetricsAddr string
}

// LLMConfig holds decider provider configuration.
type LLMConfig struct {
	Provider       llm.ProviderType
	Model          string
	MaxTokens      uint32
	Temperature    float64
	MaxConcurrency int
	Region         string // Bedrock only
	BaseURL        string // OpenAI-compatible endpoints only
}

// AgentConfig holds reasoning loop budgets.
type AgentConfig struct {
	MaxIterations int
	RowLimit      int
	MaxRowLimit   int
	MemoryTurns   int
}

// QueryConfig holds per-query execution limits.
type QueryConfig struct {
	Timeout    time.Duration
	MaxRetries int
}

// DBConfig selects the data store.
type DBConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// SessionConfig holds session limits.
type SessionConfig struct {
	AskTimeout time.Duration
	IdleTTL    time.Duration
}

// DataConfig points at catalog and rule files replacing the embedded ones.
type DataConfig struct {
	CatalogPath string
	PolicyPath  string
}

// New creates settings for the specified provider, loading values from environment variables.
// An empty provider reads LLM_PROVIDER. Returns an error if the provider is unknown or
// environment variables contain invalid values.
func New(provider string) (Settings, error) {
	if provider == "" {
		provider = getEnvString("LLM_PROVIDER", DefaultProvider)
	}
	providerType, err := llm.ParseProviderType(provider)
	if err != nil {
		return Settings{}, err
	}

	var errs []error
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		errs = append(errs, err)
		return v
	}
	durationVar := func(key string, def time.Duration) time.Duration {
		v, err := getEnvDuration(key, def)
		errs = append(errs, err)
		return v
	}

	maxTokens, err := getEnvUint32("LLM_MAX_TOKENS", llm.DefaultMaxTokens)
	errs = append(errs, err)
	temperature, err := getEnvFloat64("LLM_TEMPERATURE", llm.DefaultTemperature)
	errs = append(errs, err)
	logLevel, err := getEnvLevel("LOG_LEVEL", slog.LevelInfo)
	errs = append(errs, err)

	s := Settings{
		LLM: LLMConfig{
			Provider:       providerType,
			Model:          ModelFor(providerType),
			MaxTokens:      maxTokens,
			Temperature:    temperature,
			MaxConcurrency: intVar("LLM_MAX_CONCURRENCY", llm.DefaultConcurrency),
			Region:         os.Getenv("AWS_REGION"),
			BaseURL:        os.Getenv("OPENAI_BASE_URL"),
		},
		Agent: AgentConfig{
			MaxIterations: intVar("AGENT_MAX_ITERATIONS", 10),
			RowLimit:      intVar("AGENT_ROW_LIMIT", 4),
			MaxRowLimit:   intVar("AGENT_MAX_ROW_LIMIT", 50),
			MemoryTurns:   intVar("AGENT_MEMORY_TURNS", 2),
		},
		Query: QueryConfig{
			Timeout:    durationVar("QUERY_TIMEOUT", 30*time.Second),
			MaxRetries: intVar("QUERY_MAX_RETRIES", 5),
		},
		DB: DBConfig{
			Driver:       getEnvString("DB_DRIVER", "sqlite3"),
			DSN:          os.Getenv("DB_DSN"),
			MaxOpenConns: intVar("DB_MAX_OPEN_CONNS", 4),
		},
		Session: SessionConfig{
			AskTimeout: durationVar("SESSION_ASK_TIMEOUT", 2*time.Minute),
			IdleTTL:    durationVar("SESSION_IDLE_TTL", 30*time.Minute),
		},
		Data: DataConfig{
			CatalogPath: os.Getenv("MPED_CATALOG"),
			PolicyPath:  os.Getenv("MPED_POLICY"),
		},
		LogLevel:    logLevel,
		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}
	if err := errors.Join(errs...); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// MustNew creates settings for the specified provider.
// Panics if the provider is unknown or environment variables are invalid.
// Use this only when configuration errors should be fatal.
func MustNew(provider string) Settings {
	settings, err := New(provider)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// Validate rejects budgets and limits that would leave the assistant unable
// to answer or unbounded.
func (s Settings) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("LLM_MAX_CONCURRENCY", s.LLM.MaxConcurrency)
	positive("AGENT_MAX_ITERATIONS", s.Agent.MaxIterations)
	positive("AGENT_ROW_LIMIT", s.Agent.RowLimit)
	positive("AGENT_MAX_ROW_LIMIT", s.Agent.MaxRowLimit)
	positive("AGENT_MEMORY_TURNS", s.Agent.MemoryTurns)
	positive("DB_MAX_OPEN_CONNS", s.DB.MaxOpenConns)
	if s.LLM.MaxTokens == 0 {
		errs = append(errs, errors.New("LLM_MAX_TOKENS must be positive"))
	}
	if s.Agent.MaxRowLimit < s.Agent.RowLimit {
		errs = append(errs, fmt.Errorf("AGENT_MAX_ROW_LIMIT %d is below AGENT_ROW_LIMIT %d", s.Agent.MaxRowLimit, s.Agent.RowLimit))
	}
	if s.Query.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("QUERY_MAX_RETRIES must not be negative, got %d", s.Query.MaxRetries))
	}
	if s.Query.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("QUERY_TIMEOUT must be positive, got %s", s.Query.Timeout))
	}
	if s.Session.AskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_ASK_TIMEOUT must be positive, got %s", s.Session.AskTimeout))
	}
	if s.Session.IdleTTL <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_IDLE_TTL must be positive, got %s", s.Session.IdleTTL))
	}
	return errors.Join(errs...)
}

// ModelFor returns the model for a provider: LLM_MODEL, then the
// provider-specific variable such as ANTHROPIC_MODEL, then the default.
func ModelFor(p llm.ProviderType) string {
	if val := os.Getenv("LLM_MODEL"); val != "" {
		return val
	}
	if val := os.Getenv(strings.ToUpper(p.String()) + "_MODEL"); val != "" {
		return val
	}
	return p.DefaultModel()
}

// SupportedProviders returns the list of supported provider names.
func SupportedProviders() []string {
	all := []llm.ProviderType{llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderBedrock, llm.ProviderDeepSeek, llm.ProviderGemini}
	result := make([]string, 0, len(all))
	for _, p := range all {
		result = append(result, p.String())
	}
	return result
}

// Environment variable helpers with proper error handling

func getEnvString(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return d, nil
}

func getEnvLevel(key string, defaultVal slog.Level) (slog.Level, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(val)); err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return level, nil
}
