package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/richinex/mped/agent"
	"github.com/richinex/mped/model"
	"github.com/richinex/mped/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func answering(answer string) AskerFunc {
	return func(context.Context, string, []model.Turn) agent.Response {
		return agent.Response{Answer: answer, Outcome: agent.OutcomeAnswered, Iterations: 1}
	}
}

// echo answers with the question and records the history it was given.
type echo struct {
	mu        sync.Mutex
	histories [][]model.Turn
}

func (e *echo) Ask(_ context.Context, question string, history []model.Turn) agent.Response {
	e.mu.Lock()
	e.histories = append(e.histories, history)
	e.mu.Unlock()
	return agent.Response{Answer: "answer to " + question, Outcome: agent.OutcomeAnswered, Iterations: 1}
}

func TestSession_AskRemembersTurns(t *testing.T) {
	e := &echo{}
	s := New(e, Options{})

	assert.Equal(t, "answer to q1", s.Ask(context.Background(), "q1"))
	s.Ask(context.Background(), "q2")
	s.Ask(context.Background(), "q3")

	require.Len(t, e.histories, 3)
	assert.Empty(t, e.histories[0])
	assert.Equal(t, []model.Turn{{Question: "q1", Answer: "answer to q1"}}, e.histories[1])
	assert.Len(t, e.histories[2], 2)

	history := s.History()
	require.Len(t, history, storage.DefaultConversationTurns)
	assert.Equal(t, "q2", history[0].Question)
	assert.Equal(t, "q3", history[1].Question)
}

func TestSession_MemoryCapacityIsConfigurable(t *testing.T) {
	s := New(&echo{}, Options{MemoryTurns: 5})

	for i := 0; i < 8; i++ {
		s.Ask(context.Background(), "q")
		assert.LessOrEqual(t, len(s.History()), 5)
	}
	assert.Len(t, s.History(), 5)
}

func TestSession_FallbackIsNotRemembered(t *testing.T) {
	s := New(AskerFunc(func(context.Context, string, []model.Turn) agent.Response {
		return agent.Response{Answer: agent.FallbackAnswer, Outcome: agent.OutcomeFallback, Err: errors.New("budget")}
	}), Options{})

	assert.Equal(t, agent.FallbackAnswer, s.Ask(context.Background(), "What is the total GDP?"))
	assert.Empty(t, s.History())
}

func TestSession_NeverReturnsEmpty(t *testing.T) {
	tests := []struct {
		name  string
		asker AskerFunc
	}{
		{"empty answer", answering("")},
		{"whitespace answer", answering("  \n ")},
		{"panic", func(context.Context, string, []model.Turn) agent.Response { panic("boom") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.asker, Options{})

			resp, err := s.TryAsk(context.Background(), "What is the total GDP?")

			require.NoError(t, err)
			assert.Equal(t, agent.FallbackAnswer, resp.Answer)
			assert.Equal(t, agent.OutcomeFallback, resp.Outcome)
			assert.Error(t, resp.Err)
			assert.False(t, s.Busy(), "busy flag is released")
		})
	}
}

func TestSession_EmptyQuestion(t *testing.T) {
	called := false
	s := New(AskerFunc(func(context.Context, string, []model.Turn) agent.Response {
		called = true
		return agent.Response{}
	}), Options{})

	assert.Equal(t, agent.FallbackAnswer, s.Ask(context.Background(), "   "))
	assert.False(t, called)
}

func TestSession_AskTimeout(t *testing.T) {
	s := New(AskerFunc(func(ctx context.Context, _ string, _ []model.Turn) agent.Response {
		<-ctx.Done()
		return agent.Response{Answer: agent.FallbackAnswer, Outcome: agent.OutcomeFallback, Err: ctx.Err()}
	}), Options{AskTimeout: 20 * time.Millisecond})

	start := time.Now()
	resp, err := s.TryAsk(context.Background(), "What is the total GDP?")

	require.NoError(t, err)
	assert.Equal(t, agent.FallbackAnswer, resp.Answer)
	assert.ErrorIs(t, resp.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSession_BusyRejection(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := New(AskerFunc(func(context.Context, string, []model.Turn) agent.Response {
		close(started)
		<-release
		return agent.Response{Answer: "done", Outcome: agent.OutcomeAnswered}
	}), Options{})

	first := make(chan string, 1)
	go func() { first <- s.Ask(context.Background(), "first question") }()
	<-started

	assert.True(t, s.Busy())
	assert.Equal(t, BusyMessage, s.Ask(context.Background(), "second question"))
	_, err := s.TryAsk(context.Background(), "third question")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	assert.Equal(t, "done", <-first)
	assert.False(t, s.Busy())

	history := s.History()
	require.Len(t, history, 1, "rejected questions are not remembered")
	assert.Equal(t, "first question", history[0].Question)
}

func TestSession_ResetIsIdempotent(t *testing.T) {
	s := New(AskerFunc(func(context.Context, string, []model.Turn) agent.Response {
		return agent.Response{
			Answer:  "5820544.3",
			Outcome: agent.OutcomeAnswered,
			Trace:   []model.QueryAttempt{{Iteration: 1, Query: "SELECT Total FROM total_value_added"}},
		}
	}), Options{})

	first := s.ID()
	s.Ask(context.Background(), "What is the total GDP?")
	require.Len(t, s.History(), 1)
	require.Len(t, s.LastTrace(), 1)

	second := s.Reset()
	assert.NotEqual(t, first, second)
	assert.Equal(t, second, s.ID())
	assert.Empty(t, s.History())
	assert.Empty(t, s.LastTrace())

	third := s.Reset()
	assert.NotEqual(t, second, third)
	assert.Empty(t, s.History())
	assert.Empty(t, s.LastTrace())
}

func TestSession_ResetDuringAskDropsTheLateTurn(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	audit, err := storage.NewAuditLog()
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	s := New(AskerFunc(func(context.Context, string, []model.Turn) agent.Response {
		close(started)
		<-release
		return agent.Response{
			Answer:  "late",
			Outcome: agent.OutcomeAnswered,
			Trace:   []model.QueryAttempt{{Iteration: 1, Query: "SELECT Total FROM total_value_added"}},
		}
	}), Options{Audit: audit})
	oldID := s.ID()

	done := make(chan string, 1)
	go func() { done <- s.Ask(context.Background(), "old question") }()
	<-started
	newID := s.Reset()
	close(release)

	assert.Equal(t, "late", <-done)
	assert.Empty(t, s.History())
	assert.Empty(t, s.LastTrace())
	for _, id := range []string{oldID, newID} {
		turns, err := audit.Turns(context.Background(), id)
		require.NoError(t, err)
		assert.Empty(t, turns, "late turn recorded under %s", id)
	}
}

func TestSession_ConcurrentResetKeepsMemoryBounded(t *testing.T) {
	s := New(&echo{}, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Ask(context.Background(), "q")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Reset()
				assert.LessOrEqual(t, len(s.History()), storage.DefaultConversationTurns)
			}
		}()
	}
	wg.Wait()

	s.Reset()
	assert.Empty(t, s.History())
}

func TestSession_RecordsAudit(t *testing.T) {
	audit, err := storage.NewAuditLog()
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	s := New(AskerFunc(func(context.Context, string, []model.Turn) agent.Response {
		return agent.Response{
			Answer:     "Total GDP at current prices was 5820544.3.",
			Outcome:    agent.OutcomeAnswered,
			Iterations: 2,
			Trace: []model.QueryAttempt{{
				Iteration: 1,
				Query:     "SELECT Total FROM total_value_added",
				Executed:  "SELECT * FROM (SELECT Total FROM total_value_added) AS capped LIMIT 4",
				Rows:      &model.Rows{Columns: []string{"Total"}, Values: [][]string{{"5820544.3"}}},
			}},
		}
	}), Options{Audit: audit})

	s.Ask(context.Background(), "What is the total GDP?")

	turns, err := audit.Turns(context.Background(), s.ID())
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "answered", turns[0].Outcome)
	assert.Equal(t, 2, turns[0].Iterations)

	attempts, err := audit.Attempts(context.Background(), turns[0].ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].RowCount)
}
