package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/richinex/mped/agent"
	"github.com/richinex/mped/config"
	"github.com/richinex/mped/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// totalsDecider looks up the 2020/2019 total and then answers from it.
var totalsDecider = agent.DeciderFunc(func(_ context.Context, p agent.Prompt) (agent.Decision, error) {
	if strings.Contains(strings.ToLower(p.Question), "weather") {
		return agent.UnrelatedDecision("not in the data"), nil
	}
	if len(p.Trace) == 0 {
		return agent.QueryDecision("need the total", "SELECT Years, Total FROM total_value_added WHERE Years = '2020/2019'"), nil
	}
	return agent.FinalDecision("done", "Total GDP in 2020/2019 was 5820544.3 million EGP."), nil
})

func newDemoApp(t *testing.T) *App {
	t.Helper()
	settings, err := config.New("openai")
	require.NoError(t, err)
	settings.MetricsAddr = ""

	app, err := NewApp(context.Background(), settings, Options{Demo: true, Audit: true, Decider: totalsDecider})
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func TestAsk_PrintsAnswerAndTrace(t *testing.T) {
	app := newDemoApp(t)
	var out bytes.Buffer

	require.NoError(t, Ask(context.Background(), app, "What is the total GDP in 2020/2019?", true, &out))

	s := out.String()
	assert.Contains(t, s, "--- Steps ---")
	assert.Contains(t, s, "LIMIT 4")
	assert.Contains(t, s, "5820544.3 million EGP")
	assert.Contains(t, s, "current prices")
	assert.Zero(t, app.Sessions.Len(), "one-shot sessions are destroyed")
}

func TestChat_Commands(t *testing.T) {
	app := newDemoApp(t)
	in := strings.NewReader(strings.Join([]string{
		"What is the total GDP in 2020/2019?",
		"/trace",
		"/reset",
		"/trace",
		"",
		"What's the weather today?",
		"exit",
		"never read",
	}, "\n"))
	var out bytes.Buffer

	require.NoError(t, Chat(context.Background(), app, in, &out))

	s := out.String()
	assert.Equal(t, 2, strings.Count(s, agent.Greeting))
	assert.Contains(t, s, "5820544.3")
	assert.Contains(t, s, "--- Steps ---")
	assert.Contains(t, s, "(no lookups)")
	assert.Contains(t, s, agent.UnrelatedAnswer)
	assert.Zero(t, app.Sessions.Len())
}

func TestChat_EndOfInput(t *testing.T) {
	app := newDemoApp(t)
	var out bytes.Buffer

	require.NoError(t, Chat(context.Background(), app, strings.NewReader("What is the total GDP in 2020/2019?"), &out))
	assert.Contains(t, out.String(), "5820544.3")
}

func TestNewApp_RequiresStore(t *testing.T) {
	settings, err := config.New("openai")
	require.NoError(t, err)
	settings.DB.DSN = ""

	_, err = NewApp(context.Background(), settings, Options{Decider: totalsDecider})
	assert.ErrorContains(t, err, "no data store configured")
}

func TestNewApp_RejectsInvalidSettings(t *testing.T) {
	settings, err := config.New("openai")
	require.NoError(t, err)
	settings.Agent.MaxIterations = 0

	_, err = NewApp(context.Background(), settings, Options{Demo: true, Decider: totalsDecider})
	assert.ErrorContains(t, err, "invalid settings")
}

func TestLoad_ThenAnswerFromFile(t *testing.T) {
	cat, _, err := LoadData(config.DataConfig{})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "mped.db")
	var out bytes.Buffer

	require.NoError(t, Load(context.Background(), cat, path, "", &out))
	assert.Contains(t, out.String(), "Loaded")

	settings, err := config.New("openai")
	require.NoError(t, err)
	app, err := NewApp(context.Background(), settings, Options{Driver: storage.DriverSQLite, DSN: path, Decider: totalsDecider})
	require.NoError(t, err)
	t.Cleanup(app.Close)

	out.Reset()
	require.NoError(t, Ask(context.Background(), app, "What is the total GDP in 2020/2019?", false, &out))
	assert.Contains(t, out.String(), "5820544.3")
}

func TestPrintSchemaAndPolicy(t *testing.T) {
	cat, rules, err := LoadData(config.DataConfig{})
	require.NoError(t, err)
	var out bytes.Buffer

	PrintSchema(&out, cat)
	assert.Contains(t, out.String(), "total_value_added")

	out.Reset()
	PrintPolicy(&out, rules)
	assert.Contains(t, out.String(), "governorates_totals_gdp")
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", truncateString("abc", 5))
	assert.Equal(t, "ab...", truncateString("abcdef", 2))
	assert.Equal(t, "ج...", truncateString("جنيه", 1))
}
