// Application wiring for CLI commands.
//
// Information Hiding:
// - Catalog, rule set and store selection hidden
// - Provider construction hidden
// - Shutdown ordering hidden

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/richinex/mped/agent"
	"github.com/richinex/mped/catalog"
	"github.com/richinex/mped/config"
	"github.com/richinex/mped/llm"
	"github.com/richinex/mped/metrics"
	"github.com/richinex/mped/policy"
	"github.com/richinex/mped/session"
	"github.com/richinex/mped/storage"
	"github.com/richinex/mped/tools"
)

// Options holds CLI execution options. Non-zero fields override settings
// read from the environment.
type Options struct {
	Driver  string
	DSN     string
	MaxIter int
	Demo    bool // answer from the built-in sample rows instead of a store
	Audit   bool // keep an in-memory audit log of answers
	Logger  *slog.Logger

	// Decider replaces the configured language model.
	Decider agent.Decider
}

// App is a fully wired assistant: data, rules, decider and sessions.
type App struct {
	Settings config.Settings
	Catalog  *catalog.Catalog
	Rules    *policy.Set
	Agent    *agent.Agent
	Sessions *session.Registry

	store  *storage.Store
	audit  *storage.AuditLog
	cancel context.CancelFunc
	logger *slog.Logger
}

// LoadData returns the catalog and rule set, from files when configured and
// the embedded copies otherwise.
func LoadData(data config.DataConfig) (*catalog.Catalog, *policy.Set, error) {
	cat := catalog.Default()
	if data.CatalogPath != "" {
		c, err := catalog.LoadFile(data.CatalogPath)
		if err != nil {
			return nil, nil, err
		}
		cat = c
	}

	var (
		rules *policy.Set
		err   error
	)
	if data.PolicyPath != "" {
		rules, err = policy.LoadFile(data.PolicyPath, cat)
	} else {
		rules, err = policy.Default(cat)
	}
	if err != nil {
		return nil, nil, err
	}
	return cat, rules, nil
}

// NewApp builds the assistant described by settings and opts.
func NewApp(ctx context.Context, settings config.Settings, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	applyOverrides(&settings, opts)
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	cat, rules, err := LoadData(settings.Data)
	if err != nil {
		return nil, err
	}

	app := &App{Settings: settings, Catalog: cat, Rules: rules, logger: logger}
	ctx, app.cancel = context.WithCancel(ctx)

	if err := app.openStore(ctx, opts.Demo); err != nil {
		app.Close()
		return nil, err
	}

	decider, model := opts.Decider, "custom"
	if decider == nil {
		provider, err := createProvider(settings.LLM)
		if err != nil {
			app.Close()
			return nil, err
		}
		decider = agent.NewLLMDecider(llm.NewClient(provider, settings.LLM.MaxConcurrency, logger))
		model = provider.Name() + "/" + provider.Model()
	}

	app.Agent, err = agent.NewBuilder(cat, rules).
		Decider(decider).
		Querier(app.store).
		Config(agent.Config{
			MaxIterations: settings.Agent.MaxIterations,
			RowLimit:      settings.Agent.RowLimit,
			MaxRowLimit:   settings.Agent.MaxRowLimit,
		}).
		ToolConfig(tools.ToolConfig{
			Timeout:    settings.Query.Timeout,
			MaxRetries: uint(settings.Query.MaxRetries),
		}).
		Logger(logger).
		Build()
	if err != nil {
		app.Close()
		return nil, err
	}

	if opts.Audit {
		if app.audit, err = storage.NewAuditLog(); err != nil {
			app.Close()
			return nil, err
		}
	}
	app.Sessions = session.NewRegistry(app.Agent, session.Options{
		MemoryTurns: settings.Agent.MemoryTurns,
		AskTimeout:  settings.Session.AskTimeout,
		Audit:       app.audit,
		Logger:      logger,
	}, settings.Session.IdleTTL)

	if settings.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, settings.MetricsAddr, logger); err != nil {
				logger.Error("metrics: server stopped", "error", err)
			}
		}()
	}

	logger.Info("mped: ready",
		"model", model, "driver", app.store.Driver(), "tables", len(cat.Tables))
	return app, nil
}

func (a *App) openStore(ctx context.Context, demo bool) error {
	db := a.Settings.DB
	storeOpts := storage.Options{
		Driver:       db.Driver,
		DSN:          db.DSN,
		MaxOpenConns: db.MaxOpenConns,
		QueryTimeout: a.Settings.Query.Timeout,
		Logger:       a.logger,
	}

	var err error
	if demo {
		a.logger.Warn("mped: demo mode, answering from illustrative sample rows")
		a.store, err = storage.OpenMemory(ctx, a.Catalog, storage.SampleFixtures(), storeOpts)
		return err
	}
	if db.DSN == "" {
		return errors.New("no data store configured: set DB_DSN or use --demo")
	}
	a.store, err = storage.Open(storeOpts)
	if err != nil {
		return err
	}
	return a.store.Ping(ctx)
}

// Close releases sessions, the store and background servers.
func (a *App) Close() {
	if a.Sessions != nil {
		a.Sessions.Close()
	}
	if a.audit != nil {
		a.audit.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
}

func applyOverrides(s *config.Settings, opts Options) {
	if opts.Driver != "" {
		s.DB.Driver = opts.Driver
	}
	if opts.DSN != "" {
		s.DB.DSN = opts.DSN
	}
	if opts.MaxIter > 0 {
		s.Agent.MaxIterations = opts.MaxIter
	}
}

// createProvider builds the decider backend. API keys come from the
// environment; Bedrock uses the AWS credential chain.
func createProvider(cfg config.LLMConfig) (llm.Provider, error) {
	b := cfg.Provider.
		Model(cfg.Model).
		MaxTokens(cfg.MaxTokens).
		Temperature(float32(cfg.Temperature))
	if cfg.Region != "" {
		b = b.Region(cfg.Region)
	}
	if cfg.BaseURL != "" {
		b = b.BaseURL(cfg.BaseURL)
	}
	provider, err := b.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", cfg.Provider, err)
	}
	return provider, nil
}
