// Reasoning loop implementation.
//
// Information Hiding:
// - Loop state (trace, retries, rejections) hidden
// - Decider communication hidden
// - Guard and policy checks before execution hidden
// - Answer post-processing hidden

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/richinex/mped/catalog"
	"github.com/richinex/mped/llm"
	"github.com/richinex/mped/metrics"
	"github.com/richinex/mped/model"
	"github.com/richinex/mped/policy"
	"github.com/richinex/mped/sqlguard"
	"github.com/richinex/mped/tools"
)

// Agent answers questions with a bounded think/act/observe loop. It holds no
// per-question state and is safe for concurrent use; sessions serialize
// their own asks.
type Agent struct {
	config   Config
	catalog  *catalog.Catalog
	rules    *policy.Set
	decider  Decider
	registry *tools.Registry
	executor *tools.Executor
	backoff  func() backoff.BackOff
	logger   *slog.Logger
	schema   string
	rulesDoc string
	toolsDoc string
}

// Config returns the loop configuration.
func (a *Agent) Config() Config {
	return a.config
}

// run is the state of one ask.
type run struct {
	question     string
	qctx         *policy.Context
	rowCap       int
	trace        []model.QueryAttempt
	rows         []*model.Rows
	obligations  []policy.Obligation
	queries      []string
	failures     int // consecutive execution failures
	rejections   int // consecutive rejected queries
	mustAnswer   bool
	lastErr      error
	deciderCalls int
}

// Ask answers question given the recent turns. It never fails: every error
// ends in the fallback or "I don't know" text, with the cause on Response.Err.
// The caller owns conversation memory.
func (a *Agent) Ask(ctx context.Context, question string, history []model.Turn) Response {
	start := time.Now()
	r := &run{
		question: question,
		qctx:     a.rules.Context(question),
		rowCap:   RequestedRows(question, a.config.RowLimit, a.config.MaxRowLimit),
	}

	resp := a.loop(ctx, r, history)
	resp.Trace = r.trace
	resp.Metadata.Duration = time.Since(start)
	resp.Metadata.DeciderCalls = r.deciderCalls
	resp.Metadata.RowCap = r.rowCap

	metrics.AsksTotal.WithLabelValues(resp.Outcome.String()).Inc()
	metrics.AskDuration.Observe(resp.Metadata.Duration.Seconds())
	metrics.AskIterations.Observe(float64(resp.Iterations))

	attrs := []any{"outcome", resp.Outcome, "iterations", resp.Iterations,
		"executions", resp.Executions(), "duration", resp.Metadata.Duration}
	if resp.Outcome == OutcomeFallback {
		a.logger.Error("agent: fell back", append(attrs, "error", resp.Err)...)
	} else {
		a.logger.Info("agent: answered", attrs...)
	}
	return resp
}

func (a *Agent) loop(ctx context.Context, r *run, history []model.Turn) Response {
	prompt := a.prompt(r, history)
	bo := a.backoff()

	for iter := 1; iter <= a.config.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return fallback(iter-1, fmt.Errorf("ask cancelled: %w", err))
		}
		prompt.Iteration = iter
		prompt.Trace = r.trace

		decision, err := a.decider.Generate(ctx, prompt)
		r.deciderCalls++
		if err != nil {
			if ctx.Err() != nil {
				return fallback(iter, fmt.Errorf("ask cancelled: %w", ctx.Err()))
			}
			metrics.DeciderCallsTotal.WithLabelValues(deciderResult(err)).Inc()
			r.lastErr = err
			a.logger.Warn("agent: decider failed", "iteration", iter, "error", err)
			if llm.Transient(err) {
				if !sleep(ctx, bo.NextBackOff()) {
					return fallback(iter, fmt.Errorf("ask cancelled: %w", ctx.Err()))
				}
			} else {
				prompt.Feedback = "Your previous reply could not be used. Reply with exactly one JSON object in the format described."
			}
			continue
		}
		metrics.DeciderCallsTotal.WithLabelValues("ok").Inc()
		bo.Reset()
		prompt.Feedback = ""

		switch {
		case decision.Unrelated || (decision.IsFinal && IsUnrelatedAnswer(decision.Answer())):
			return Response{
				Answer:     UnrelatedAnswer,
				Outcome:    OutcomeUnrelated,
				Iterations: iter,
				Err:        &UnrelatedQuestionError{Question: r.question},
			}
		case decision.IsFinal:
			if decision.Answer() == "" {
				prompt.Feedback = "The final answer was empty. Give the answer text in final_answer."
				continue
			}
			return a.answer(r, decision, iter)
		case decision.Action == nil:
			prompt.Feedback = "No action was given. Run a query or give the final answer."
			continue
		}

		feedback, err := a.act(ctx, r, iter, decision)
		if err != nil {
			return fallback(iter, err)
		}
		prompt.Feedback = feedback
	}

	return fallback(a.config.MaxIterations, &BudgetExhaustedError{
		Iterations: a.config.MaxIterations,
		Last:       r.lastErr,
	})
}

// act checks and runs one proposed query. A non-nil error ends the loop.
func (a *Agent) act(ctx context.Context, r *run, iter int, decision Decision) (string, error) {
	start := time.Now()
	attempt := model.QueryAttempt{
		Iteration:  iter,
		Thought:    decision.Thought,
		RetryCount: r.failures,
	}

	reject := func(err error) (string, error) {
		attempt.Rejected = true
		attempt.Err = err
		attempt.Observation = fmt.Sprintf("Rejected, not run: %v. Propose a query that follows the rules.", err)
		attempt.Duration = time.Since(start)
		r.trace = append(r.trace, attempt)
		r.rejections++
		r.lastErr = err
		metrics.QueryAttemptsTotal.WithLabelValues(metrics.ResultRejected).Inc()
		a.logger.Info("agent: query rejected", "iteration", iter, "error", err)

		if r.rejections >= a.config.MaxRejections {
			return "", &UnrecoverableError{
				Reason: fmt.Sprintf("%d queries rejected in a row", r.rejections),
				Err:    err,
			}
		}
		return attempt.Observation, nil
	}

	if in, err := tools.ParseQueryInput(decision.Action.Input); err == nil {
		attempt.Query = in.Query
	}
	if r.mustAnswer {
		return reject(&ValidationError{
			Query: attempt.Query,
			Err:   errors.New("no further queries; answer from the data already retrieved"),
		})
	}
	tool, ok := a.registry.Get(decision.Action.Tool)
	if !ok {
		return reject(&ValidationError{
			Query: attempt.Query,
			Err:   fmt.Errorf("unknown tool %q, use one of: %s", decision.Action.Tool, strings.Join(a.registry.Names(), ", ")),
		})
	}
	if attempt.Query == "" {
		return reject(&ValidationError{Err: errors.New("the query is empty")})
	}

	stmt, err := sqlguard.Inspect(attempt.Query)
	if err != nil {
		return reject(&ValidationError{Query: attempt.Query, Err: err})
	}
	if err := stmt.Bind(a.tableName); err != nil {
		return reject(&ValidationError{Query: attempt.Query, Err: err})
	}
	attempt.Tables = stmt.Tables

	var obligations []policy.Obligation
	for _, table := range stmt.Tables {
		v := a.rules.Evaluate(table, r.qctx)
		if !v.Allowed {
			return reject(&ValidationError{
				Query: attempt.Query,
				Rule:  v.ForbiddenBy,
				Err:   fmt.Errorf("%s cannot be used for this question: %s", table, v.Reason),
			})
		}
		obligations = append(obligations, v.Narrow(stmt.Columns, stmt.Star)...)
	}
	r.rejections = 0

	attempt.Executed = sqlguard.Cap(stmt, r.rowCap)
	result, err := a.executor.Execute(ctx, tool, tools.QueryArgs(attempt.Executed))
	attempt.Duration = time.Since(start)
	metrics.QueryDuration.Observe(attempt.Duration.Seconds())
	if err != nil {
		attempt.Err = err
		r.trace = append(r.trace, attempt)
		return "", fmt.Errorf("ask cancelled: %w", err)
	}
	r.queries = append(r.queries, attempt.Query, attempt.Executed)

	if !result.Success() {
		execErr := &ExecutionError{Query: attempt.Query, Err: result.Error}
		attempt.Err = execErr
		r.failures++
		r.lastErr = execErr
		metrics.QueryAttemptsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		a.logger.Info("agent: query failed", "iteration", iter, "retry", attempt.RetryCount, "error", result.Error)

		if r.failures <= correctiveRetryBudget {
			attempt.Observation = fmt.Sprintf("The query failed: %v. Correct it and try once more.", result.Error)
			r.trace = append(r.trace, attempt)
			return attempt.Observation, nil
		}
		if len(r.rows) == 0 {
			attempt.Observation = fmt.Sprintf("The corrected query failed again: %v.", result.Error)
			r.trace = append(r.trace, attempt)
			return "", &UnrecoverableError{Reason: "corrective retry failed", Err: execErr}
		}
		r.mustAnswer = true
		attempt.Observation = fmt.Sprintf("The corrected query failed again: %v. Do not query further; give the final answer from the data already retrieved.", result.Error)
		r.trace = append(r.trace, attempt)
		return attempt.Observation, nil
	}

	r.failures = 0
	attempt.Rows = result.Rows
	attempt.Observation = strings.TrimSpace(result.Output)
	r.trace = append(r.trace, attempt)
	r.rows = append(r.rows, result.Rows)
	r.obligations = append(r.obligations, obligations...)
	metrics.QueryAttemptsTotal.WithLabelValues(metrics.ResultExecuted).Inc()
	a.logger.Debug("agent: query executed", "iteration", iter, "tables", attempt.Tables, "rows", result.Rows.Len())

	return "If this answers the question, give the final answer; otherwise run another query.", nil
}

func (a *Agent) tableName(name string) (string, bool) {
	t, ok := a.catalog.Table(name)
	if !ok {
		return "", false
	}
	return t.Name, true
}

// answer applies the answer contract to the decider's final text.
func (a *Agent) answer(r *run, decision Decision, iter int) Response {
	text, report := Finalize(decision.Answer(), Evidence{
		Rows:        r.rows,
		Obligations: r.obligations,
		Queries:     r.queries,
		Tables:      a.catalog.TableNames(),
	})
	if len(report.Unverified) > 0 {
		a.logger.Warn("agent: answer has numbers not found in retrieved rows", "numbers", report.Unverified)
	}
	if len(report.Appended) > 0 {
		a.logger.Debug("agent: appended basis disclosure", "phrases", report.Appended)
	}
	if text == "" {
		return fallback(iter, errors.New("final answer empty after clean-up"))
	}
	return Response{
		Answer:     text,
		Outcome:    OutcomeAnswered,
		Iterations: iter,
		Metadata: Metadata{
			Disclosed:  report.Disclosed,
			Unverified: report.Unverified,
		},
	}
}

func (a *Agent) prompt(r *run, history []model.Turn) Prompt {
	forbidden := a.rules.Forbidden(r.qctx)
	names := make([]string, 0, len(forbidden))
	for name := range forbidden {
		names = append(names, name)
	}
	sort.Strings(names)

	hints := a.rules.Hints(r.qctx)
	if years := catalog.FiscalYears(r.question); len(years) > 0 {
		hints = append(hints, "Fiscal years in the question: "+strings.Join(years, ", "))
	}

	return Prompt{
		Instructions:  a.config.Instructions,
		Schema:        a.schema,
		Rules:         a.rulesDoc,
		Tools:         a.toolsDoc,
		Candidates:    a.rules.Candidates(r.qctx),
		Forbidden:     names,
		Hints:         hints,
		History:       history,
		Question:      r.question,
		RowCap:        r.rowCap,
		MaxIterations: a.config.MaxIterations,
	}
}

func fallback(iterations int, err error) Response {
	return Response{
		Answer:     FallbackAnswer,
		Outcome:    OutcomeFallback,
		Iterations: iterations,
		Err:        err,
	}
}

func deciderResult(err error) string {
	switch {
	case errors.Is(err, llm.ErrRateLimit):
		return "rate_limit"
	case errors.Is(err, llm.ErrTimeout):
		return "timeout"
	default:
		return "model_error"
	}
}

// sleep waits d or until ctx ends. It reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
