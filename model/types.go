// Package model provides domain types shared across packages.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Turn is one question/answer pair of a conversation.
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Rows is a query result. Values are rendered exactly as the store returned
// them; numbers are never rounded.
type Rows struct {
	Columns []string   `json:"columns"`
	Values  [][]string `json:"values"`
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Cells returns every value of the result, row-major.
func (r *Rows) Cells() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, row := range r.Values {
		out = append(out, row...)
	}
	return out
}

// ErrorKind classifies query failures.
type ErrorKind int

const (
	KindSyntax ErrorKind = iota + 1
	KindPermission
	KindTimeout
	KindConnectivity
)

func (k ErrorKind) String() string {
	switch k {
	case KindSyntax:
		return "syntax"
	case KindPermission:
		return "permission"
	case KindTimeout:
		return "timeout"
	case KindConnectivity:
		return "connectivity"
	}
	return "unknown"
}

// QueryError is a classified failure of a single query.
type QueryError struct {
	Kind ErrorKind
	Err  error
}

func (e *QueryError) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same query may succeed.
func (e *QueryError) Transient() bool {
	return e.Kind == KindTimeout || e.Kind == KindConnectivity
}

// NewQueryError wraps err with a kind.
func NewQueryError(kind ErrorKind, err error) *QueryError {
	return &QueryError{Kind: kind, Err: err}
}

// KindOf returns the kind of the first QueryError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind, true
	}
	return 0, false
}

// QueryAttempt records one proposed query within a reasoning cycle.
type QueryAttempt struct {
	Iteration   int           `json:"iteration"`
	Thought     string        `json:"thought,omitempty"`
	Query       string        `json:"query"`
	Executed    string        `json:"executed,omitempty"` // text sent to the store after capping
	Tables      []string      `json:"tables,omitempty"`
	Rows        *Rows         `json:"rows,omitempty"`
	Err         error         `json:"-"`
	Rejected    bool          `json:"rejected"` // stopped by the guard or policy, never executed
	RetryCount  int           `json:"retry_count"`
	Observation string        `json:"observation"`
	Duration    time.Duration `json:"duration"`
}

// Failed reports whether the attempt produced no rows.
func (a *QueryAttempt) Failed() bool {
	return a.Err != nil
}

// ErrorText is the failure message, empty on success.
func (a *QueryAttempt) ErrorText() string {
	if a.Err == nil {
		return ""
	}
	return a.Err.Error()
}

// Summary is a one-line description for trace printing.
func (a *QueryAttempt) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d ", a.Iteration)
	switch {
	case a.Rejected:
		b.WriteString("rejected")
	case a.Err != nil:
		b.WriteString("failed")
	default:
		fmt.Fprintf(&b, "%d rows", a.Rows.Len())
	}
	if a.RetryCount > 0 {
		fmt.Fprintf(&b, " (retry %d)", a.RetryCount)
	}
	fmt.Fprintf(&b, " in %s: %s", a.Duration.Round(time.Millisecond), a.Query)
	if a.Err != nil {
		fmt.Fprintf(&b, "\n   %s", a.Err)
	}
	return b.String()
}
