// Agent builder for fluent configuration.
//
// Information Hiding:
// - Builder state management hidden
// - Default value application hidden

package agent

import (
	"errors"
	"log/slog"

	"github.com/cenkalti/backoff/v5"
	"github.com/richinex/mped/catalog"
	"github.com/richinex/mped/policy"
	"github.com/richinex/mped/tools"
)

// Builder provides fluent configuration for creating agents.
// Usage: agent.NewBuilder(cat, rules).Decider(d).Querier(store).Build()
type Builder struct {
	catalog *catalog.Catalog
	rules   *policy.Set
	decider Decider
	querier tools.Querier
	config  Config
	toolCfg tools.ToolConfig
	backoff func() backoff.BackOff
	logger  *slog.Logger
}

// NewBuilder starts an agent over a catalog and its rule set.
func NewBuilder(cat *catalog.Catalog, rules *policy.Set) *Builder {
	return &Builder{
		catalog: cat,
		rules:   rules,
		config:  DefaultConfig(),
	}
}

// Decider sets the decision backend.
func (b *Builder) Decider(d Decider) *Builder {
	b.decider = d
	return b
}

// Querier sets the data backend.
func (b *Builder) Querier(q tools.Querier) *Builder {
	b.querier = q
	return b
}

// Config replaces the loop configuration. Zero fields keep their defaults.
func (b *Builder) Config(c Config) *Builder {
	b.config = c
	return b
}

// ToolConfig sets the per-query timeout and transport retries.
func (b *Builder) ToolConfig(c tools.ToolConfig) *Builder {
	b.toolCfg = c
	return b
}

// BackOff replaces the backoff used for transport and decider retries.
func (b *Builder) BackOff(newBackOff func() backoff.BackOff) *Builder {
	b.backoff = newBackOff
	return b
}

// Logger sets the logger.
func (b *Builder) Logger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// Build validates the configuration and creates the agent.
func (b *Builder) Build() (*Agent, error) {
	if b.catalog == nil {
		return nil, errors.New("agent: catalog is required")
	}
	if b.rules == nil {
		return nil, errors.New("agent: rule set is required")
	}
	if b.decider == nil {
		return nil, errors.New("agent: decider is required")
	}
	if b.querier == nil {
		return nil, errors.New("agent: querier is required")
	}
	cfg := b.config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	newBackOff := b.backoff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}

	registry, err := tools.NewRegistry(tools.NewQueryTool(b.querier))
	if err != nil {
		return nil, err
	}

	return &Agent{
		config:   cfg,
		catalog:  b.catalog,
		rules:    b.rules,
		decider:  b.decider,
		registry: registry,
		executor: tools.NewExecutor(b.toolCfg, tools.WithBackOff(newBackOff), tools.WithLogger(logger)),
		backoff:  newBackOff,
		logger:   logger,
		schema:   b.catalog.Describe(),
		rulesDoc: b.rules.Describe(),
		toolsDoc: registry.Describe(),
	}, nil
}
