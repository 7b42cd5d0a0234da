package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/richinex/mped/llm"
)

func TestNewValidProvider(t *testing.T) {
	settings, err := New("openai")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.LLM.Provider != llm.ProviderOpenAI {
		t.Errorf("expected provider openai, got %s", settings.LLM.Provider)
	}
}

func TestNewWithAlias(t *testing.T) {
	settings, err := New("claude")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.LLM.Provider != llm.ProviderAnthropic {
		t.Errorf("expected provider anthropic (normalized from 'claude'), got %s", settings.LLM.Provider)
	}
}

func TestNewProviderFromEnv(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "gemini")

	settings, err := New("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.LLM.Provider != llm.ProviderGemini {
		t.Errorf("expected provider gemini, got %s", settings.LLM.Provider)
	}
}

func TestNewDefaultProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")

	settings, err := New("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.LLM.Provider != llm.ProviderBedrock {
		t.Errorf("expected provider bedrock, got %s", settings.LLM.Provider)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New("unknown_provider")
	if err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewDefaults(t *testing.T) {
	for _, key := range []string{"AGENT_MAX_ITERATIONS", "AGENT_ROW_LIMIT", "AGENT_MAX_ROW_LIMIT", "AGENT_MEMORY_TURNS",
		"LLM_MAX_CONCURRENCY", "LLM_TEMPERATURE", "QUERY_TIMEOUT", "QUERY_MAX_RETRIES", "DB_DRIVER", "DB_MAX_OPEN_CONNS",
		"SESSION_ASK_TIMEOUT", "SESSION_IDLE_TTL", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	s, err := New("anthropic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.Agent.MaxIterations != 10 {
		t.Errorf("expected 10 iterations, got %d", s.Agent.MaxIterations)
	}
	if s.Agent.RowLimit != 4 || s.Agent.MaxRowLimit != 50 {
		t.Errorf("expected row limits 4/50, got %d/%d", s.Agent.RowLimit, s.Agent.MaxRowLimit)
	}
	if s.Agent.MemoryTurns != 2 {
		t.Errorf("expected 2 memory turns, got %d", s.Agent.MemoryTurns)
	}
	if s.LLM.Temperature != 0 {
		t.Errorf("expected temperature 0, got %v", s.LLM.Temperature)
	}
	if s.LLM.MaxConcurrency != 4 || s.DB.MaxOpenConns != 4 {
		t.Errorf("expected pools of 4, got %d/%d", s.LLM.MaxConcurrency, s.DB.MaxOpenConns)
	}
	if s.DB.Driver != "sqlite3" {
		t.Errorf("expected sqlite3 driver, got %q", s.DB.Driver)
	}
	if s.Query.MaxRetries != 5 {
		t.Errorf("expected 5 query retries, got %d", s.Query.MaxRetries)
	}
	if s.Session.AskTimeout != 2*time.Minute || s.Session.IdleTTL != 30*time.Minute {
		t.Errorf("unexpected session limits: %+v", s.Session)
	}
	if s.LogLevel != slog.LevelInfo {
		t.Errorf("expected info log level, got %s", s.LogLevel)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestNewReadsOverrides(t *testing.T) {
	t.Setenv("AGENT_MAX_ITERATIONS", "6")
	t.Setenv("AGENT_MEMORY_TURNS", "3")
	t.Setenv("QUERY_TIMEOUT", "5s")
	t.Setenv("DB_DRIVER", "pgx")
	t.Setenv("DB_DSN", "postgres://localhost/mped")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("METRICS_ADDR", ":9090")

	s, err := New("deepseek")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Agent.MaxIterations != 6 || s.Agent.MemoryTurns != 3 {
		t.Errorf("overrides not applied: %+v", s.Agent)
	}
	if s.Query.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %s", s.Query.Timeout)
	}
	if s.DB.Driver != "pgx" || s.DB.DSN != "postgres://localhost/mped" {
		t.Errorf("unexpected db config: %+v", s.DB)
	}
	if s.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug log level, got %s", s.LogLevel)
	}
	if s.MetricsAddr != ":9090" {
		t.Errorf("expected metrics addr, got %q", s.MetricsAddr)
	}
}

func TestNewInvalidValues(t *testing.T) {
	t.Setenv("AGENT_MAX_ITERATIONS", "ten")
	t.Setenv("SESSION_IDLE_TTL", "forever")

	_, err := New("openai")
	if err == nil {
		t.Fatal("expected error for invalid values")
	}
	for _, key := range []string{"AGENT_MAX_ITERATIONS", "SESSION_IDLE_TTL"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("expected error to name %s, got %v", key, err)
		}
	}
}

func TestValidateRejectsNonPositiveBudgets(t *testing.T) {
	t.Setenv("AGENT_MAX_ITERATIONS", "0")
	t.Setenv("AGENT_ROW_LIMIT", "10")
	t.Setenv("AGENT_MAX_ROW_LIMIT", "5")

	s, err := New("openai")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = s.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "AGENT_MAX_ITERATIONS must be positive") {
		t.Errorf("missing iterations error: %v", err)
	}
	if !strings.Contains(err.Error(), "AGENT_MAX_ROW_LIMIT 5 is below AGENT_ROW_LIMIT 10") {
		t.Errorf("missing row limit error: %v", err)
	}
}

func TestModelFor(t *testing.T) {
	t.Setenv("LLM_MODEL", "")
	t.Setenv("ANTHROPIC_MODEL", "")
	if got := ModelFor(llm.ProviderAnthropic); got != llm.ProviderAnthropic.DefaultModel() {
		t.Errorf("expected default model, got %q", got)
	}

	t.Setenv("ANTHROPIC_MODEL", "claude-custom")
	if got := ModelFor(llm.ProviderAnthropic); got != "claude-custom" {
		t.Errorf("expected provider model override, got %q", got)
	}

	t.Setenv("LLM_MODEL", "global-model")
	if got := ModelFor(llm.ProviderAnthropic); got != "global-model" {
		t.Errorf("expected LLM_MODEL to win, got %q", got)
	}
}

func TestSupportedProviders(t *testing.T) {
	providers := SupportedProviders()
	if len(providers) != 5 {
		t.Errorf("expected 5 providers, got %d", len(providers))
	}
	for _, p := range providers {
		if _, err := llm.ParseProviderType(p); err != nil {
			t.Errorf("provider %q does not parse: %v", p, err)
		}
	}
}

func TestMustNewPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected MustNew to panic for unknown provider")
		}
	}()
	MustNew("unknown_provider")
}
