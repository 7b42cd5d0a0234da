package agent

import (
	"fmt"
)

// User-visible texts. Every failure maps to one of these; internal errors
// never reach the user.
const (
	FallbackAnswer  = "Hi! Could you please repeat your question or provide more details? Thanks!"
	UnrelatedAnswer = "I don't know."
	Greeting        = "Hello! I am a AI assistant. Ask me anything about the National Accounts Data of Egypt."
)

// UnrelatedQuestionError marks a question outside the data set. It is
// recorded on the response; the user sees UnrelatedAnswer.
type UnrelatedQuestionError struct {
	Question string
}

func (e *UnrelatedQuestionError) Error() string {
	return fmt.Sprintf("question is unrelated to the national accounts data: %q", e.Question)
}

// ValidationError is a proposed query stopped before execution: malformed,
// not read-only, or reading a table the rules forbid for this question.
type ValidationError struct {
	Query string
	Rule  string // policy rule that forbade it, if any
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("query rejected by rule %s: %v", e.Rule, e.Err)
	}
	return fmt.Sprintf("query rejected: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ExecutionError is a query that reached the store and failed after the
// executor's own retries.
type ExecutionError struct {
	Query string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// BudgetExhaustedError is returned when the loop used every iteration
// without a final answer. Last is the most recent failure, if any.
type BudgetExhaustedError struct {
	Iterations int
	Last       error
}

func (e *BudgetExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("no answer after %d iterations: %v", e.Iterations, e.Last)
	}
	return fmt.Sprintf("no answer after %d iterations", e.Iterations)
}

func (e *BudgetExhaustedError) Unwrap() error {
	return e.Last
}

// UnrecoverableError ends the loop early: repeated rejected queries, or a
// retried query that failed again with nothing retrieved to answer from.
type UnrecoverableError struct {
	Reason string
	Err    error
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}
