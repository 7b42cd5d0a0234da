// Package main provides the mped CLI entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/richinex/mped/catalog"
	"github.com/richinex/mped/cli"
	"github.com/richinex/mped/config"
	"github.com/richinex/mped/policy"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	provider string
	maxIter  int
	driver   string
	dsn      string
	demo     bool
	audit    bool
	logLevel string
	verbose  bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "mped",
		Short: "Ask questions about the National Accounts Data of Egypt",
		Long: `A CLI assistant that answers plain-language questions about Egypt's
national accounts (GDP, value added, growth rates, public investments) by
looking the figures up in the published data.

Every lookup is read-only, bounded and checked against the data rules before
it runs. Answers state the price basis and sector of the figures they use.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "LLM provider (bedrock, anthropic, openai, deepseek, gemini); default LLM_PROVIDER")
	rootCmd.PersistentFlags().IntVarP(&maxIter, "max-iter", "m", 0, "Maximum reasoning iterations per question (default AGENT_MAX_ITERATIONS)")
	rootCmd.PersistentFlags().StringVar(&driver, "driver", "", "Data store driver: sqlite3, pgx, clickhouse, athena (default DB_DRIVER)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Data store DSN (default DB_DSN)")
	rootCmd.PersistentFlags().BoolVar(&demo, "demo", false, "Answer from the built-in illustrative sample rows")
	rootCmd.PersistentFlags().BoolVar(&audit, "audit", false, "Keep an in-memory audit log of answers and lookups")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Shorthand for --log-level debug")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(loadCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			return cli.Chat(ctx, app, os.Stdin, os.Stdout)
		},
	}
}

func askCmd() *cobra.Command {
	var trace bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a single question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			return cli.Ask(ctx, app, args[0], trace, os.Stdout)
		},
	}

	cmd.Flags().BoolVar(&trace, "trace", false, "Print the lookups behind the answer")

	return cmd
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the data catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, _, err := loadData()
			if err != nil {
				return err
			}
			cli.PrintSchema(os.Stdout, cat)
			return nil
		},
	}
}

func policyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Print the data rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, rules, err := loadData()
			if err != nil {
				return err
			}
			cli.PrintPolicy(os.Stdout, rules)
			return nil
		},
	}
}

func loadCmd() *cobra.Command {
	var dbPath string
	var fixtures string

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Create the catalog tables in a SQLite file and load rows into them",
		Long: `Create every catalog table in a SQLite file and insert rows from a YAML
fixtures file (tables: {name: [row, ...]}). Without --fixtures the
illustrative sample rows are loaded.

The file is opened read-only when answering: mped --dsn <file> chat`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, _, err := loadData()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			return cli.Load(ctx, cat, dbPath, fixtures, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "mped.db", "SQLite file to create or extend")
	cmd.Flags().StringVar(&fixtures, "fixtures", "", "YAML fixtures file")

	return cmd
}

func newApp(ctx context.Context) (*cli.App, error) {
	settings, err := config.New(provider)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		return nil, err
	}
	return cli.NewApp(ctx, settings, cli.Options{
		Driver:  driver,
		DSN:     dsn,
		MaxIter: maxIter,
		Demo:    demo,
		Audit:   audit,
		Logger:  logger,
	})
}

func loadData() (*catalog.Catalog, *policy.Set, error) {
	settings, err := config.New(provider)
	if err != nil {
		return nil, nil, err
	}
	return cli.LoadData(settings.Data)
}

// newLogger writes to stderr so answers on stdout stay clean.
func newLogger(level slog.Level) (*slog.Logger, error) {
	switch {
	case verbose:
		level = slog.LevelDebug
	case logLevel != "":
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return nil, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
		}
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	})), nil
}
