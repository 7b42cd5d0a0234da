// Package agent provides the reasoning loop that answers questions about the
// national accounts data.
//
// Contains the decision, response and outcome types.
package agent

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/richinex/mped/model"
	"github.com/richinex/mped/tools"
)

// Decision is what the decider returns each iteration: run a query, give the
// final answer, or declare the question unrelated to the data.
type Decision struct {
	Thought     string  `json:"thought"`
	Action      *Action `json:"action,omitempty"`
	IsFinal     bool    `json:"is_final"`
	FinalAnswer *string `json:"final_answer,omitempty"`
	Unrelated   bool    `json:"unrelated,omitempty"`
}

// UnmarshalJSON accepts final_answer as a string or any JSON value, and an
// action input given as a bare string.
func (d *Decision) UnmarshalJSON(data []byte) error {
	type decisionAlias Decision
	aux := &struct {
		FinalAnswer json.RawMessage `json:"final_answer,omitempty"`
		*decisionAlias
	}{
		decisionAlias: (*decisionAlias)(d),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	d.FinalAnswer = nil
	if len(aux.FinalAnswer) == 0 || string(aux.FinalAnswer) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.FinalAnswer, &s); err == nil {
		d.FinalAnswer = &s
		return nil
	}
	var v any
	if err := json.Unmarshal(aux.FinalAnswer, &v); err == nil {
		if pretty, err := json.MarshalIndent(v, "", "  "); err == nil {
			s := string(pretty)
			d.FinalAnswer = &s
		}
	}
	return nil
}

// Answer returns the final answer text, empty when there is none.
func (d Decision) Answer() string {
	if d.FinalAnswer == nil {
		return ""
	}
	return strings.TrimSpace(*d.FinalAnswer)
}

// Action is a request to run a tool.
type Action struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// QueryDecision builds a decision that runs one query.
func QueryDecision(thought, query string) Decision {
	return Decision{
		Thought: thought,
		Action:  &Action{Tool: tools.QueryToolName, Input: tools.QueryArgs(query)},
	}
}

// FinalDecision builds a decision that ends the loop with an answer.
func FinalDecision(thought, answer string) Decision {
	return Decision{Thought: thought, IsFinal: true, FinalAnswer: &answer}
}

// UnrelatedDecision builds a decision declaring the question out of scope.
func UnrelatedDecision(thought string) Decision {
	return Decision{Thought: thought, Unrelated: true}
}

// Outcome classifies how a question ended.
type Outcome int

const (
	// OutcomeAnswered means the answer was built from retrieved data.
	OutcomeAnswered Outcome = iota
	// OutcomeUnrelated means the question is outside the data set.
	OutcomeUnrelated
	// OutcomeFallback means the loop gave up and returned the fallback text.
	OutcomeFallback
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAnswered:
		return "answered"
	case OutcomeUnrelated:
		return "unrelated"
	case OutcomeFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Metadata contains metadata about one ask.
type Metadata struct {
	Duration     time.Duration
	DeciderCalls int
	RowCap       int
	Disclosed    []string // basis phrases the answer had to state
	Unverified   []string // numbers in the answer not found in any retrieved row
}

// Response is the result of one ask. Answer is always user-safe text; Err
// records why the loop fell back and never reaches the user.
type Response struct {
	Answer     string
	Outcome    Outcome
	Trace      []model.QueryAttempt
	Iterations int
	Err        error
	Metadata   Metadata
}

// Executions counts the attempts that reached the store.
func (r Response) Executions() int {
	n := 0
	for i := range r.Trace {
		if !r.Trace[i].Rejected {
			n++
		}
	}
	return n
}
