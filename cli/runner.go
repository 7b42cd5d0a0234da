// Command execution for CLI commands.
//
// Information Hiding:
// - Chat loop and slash commands hidden
// - Trace formatting hidden

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/richinex/mped/agent"
	"github.com/richinex/mped/catalog"
	"github.com/richinex/mped/model"
	"github.com/richinex/mped/policy"
	"github.com/richinex/mped/storage"
)

const maxObservationLen = 400

// Ask answers a single question and prints it, with the query trace when
// trace is set.
func Ask(ctx context.Context, app *App, question string, trace bool, out io.Writer) error {
	s := app.Sessions.Create()
	defer app.Sessions.Destroy(s.ID())

	resp, err := s.TryAsk(ctx, question)
	if err != nil {
		return err
	}
	if trace {
		printTrace(out, resp.Trace)
	}
	fmt.Fprintf(out, "%s\n", resp.Answer)
	if resp.Outcome == agent.OutcomeFallback && resp.Err != nil {
		app.logger.Debug("mped: fallback cause", "error", resp.Err)
	}
	return nil
}

// Chat runs an interactive session over in and out. Commands: /reset starts
// a new conversation, /trace shows the queries behind the last answer,
// exit or quit leaves.
func Chat(ctx context.Context, app *App, in io.Reader, out io.Writer) error {
	s := app.Sessions.Create()
	id := s.ID()
	defer func() { app.Sessions.Destroy(id) }()

	fmt.Fprintf(out, "%s\nType /reset to start over, /trace to see the last lookups, exit to quit.\n\n", agent.Greeting)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "/reset":
			newID, err := app.Sessions.Reset(id)
			if err != nil {
				// Expired while idle; start a fresh one.
				s = app.Sessions.Create()
				newID = s.ID()
			}
			id = newID
			fmt.Fprintf(out, "\n%s\n\n", agent.Greeting)
			continue
		case "/trace":
			printTrace(out, s.LastTrace())
			continue
		}

		if cur, ok := app.Sessions.Get(id); ok {
			s = cur
		} else {
			s = app.Sessions.Create()
			id = s.ID()
		}
		fmt.Fprintf(out, "\n%s\n\n", s.Ask(ctx, input))
	}
	return scanner.Err()
}

// PrintSchema writes the catalog as the decider sees it.
func PrintSchema(out io.Writer, cat *catalog.Catalog) {
	fmt.Fprintln(out, cat.Describe())
}

// PrintPolicy writes the rule set as the decider sees it.
func PrintPolicy(out io.Writer, rules *policy.Set) {
	fmt.Fprintln(out, rules.Describe())
}

// Load creates the catalog tables in a SQLite file and inserts the rows of
// fixturesPath, or the sample rows when it is empty.
func Load(ctx context.Context, cat *catalog.Catalog, dbPath, fixturesPath string, out io.Writer) error {
	var fixtures io.Reader = storage.SampleFixtures()
	if fixturesPath != "" {
		f, err := os.Open(fixturesPath)
		if err != nil {
			return fmt.Errorf("failed to open fixtures: %w", err)
		}
		defer f.Close()
		fixtures = f
	}

	n, err := storage.SeedFile(ctx, dbPath, cat, fixtures)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Loaded %d rows into %s\n", n, dbPath)
	return nil
}

func printTrace(out io.Writer, trace []model.QueryAttempt) {
	if len(trace) == 0 {
		fmt.Fprintln(out, "(no lookups)")
		return
	}
	fmt.Fprintln(out, "--- Steps ---")
	for i := range trace {
		a := &trace[i]
		fmt.Fprintln(out, a.Summary())
		if a.Thought != "" {
			fmt.Fprintf(out, "   Thought: %s\n", a.Thought)
		}
		if a.Executed != "" && a.Executed != a.Query {
			fmt.Fprintf(out, "   Executed: %s\n", a.Executed)
		}
		if a.Observation != "" {
			fmt.Fprintf(out, "   Observation: %s\n", truncateString(a.Observation, maxObservationLen))
		}
	}
	fmt.Fprintln(out, "-------------")
	fmt.Fprintln(out)
}

// truncateString truncates a string to maxLen runes, preserving UTF-8 boundaries.
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
