package agent

import (
	"fmt"
	"strings"

	"github.com/richinex/mped/llm"
	"github.com/richinex/mped/model"
	"github.com/richinex/mped/policy"
)

// DefaultInstructions is the role and objective given to the decider.
const DefaultInstructions = `Role: you write read-only SQL queries that answer questions from non-technical users about the National Accounts Data of Egypt published by the Ministry of Planning and Economic Development.

Objective:
1. Understand what the question asks. Break it into parts that can each be answered from the tables described below.
2. If the question is not about this data, set "unrelated" to true and do not query anything.
3. Write one precise SELECT statement at a time using only the tables and columns described. Never write INSERT, UPDATE, DELETE, DROP or any other statement that changes data.
4. Unless the user asks for a specific number of results, return at most the row limit given below. You may order by a relevant column to return the most useful rows.
5. Check each query before running it. If a query fails, read the error, correct the query and try once more.
6. Report values exactly as retrieved. Never round numbers.

Final answer rules:
- Use only the retrieved data, with its units.
- State the sector (public or private) and the price basis (current or constant prices) whenever the values carry one.
- Never mention databases, SQL, tables, queries or column names.
- Keep it organized and easy to read. Light markup is fine; no heading deeper than level 4.

Fiscal years are written as "2020/2019" (the year ending first). Read "2020" or "2019/2020" as "2020/2019".

Respond with exactly one JSON object:
{"thought": "your reasoning", "action": {"tool": "run_query", "input": {"query": "SELECT ..."}}, "is_final": false, "final_answer": null, "unrelated": false}
When done: {"thought": "...", "action": null, "is_final": true, "final_answer": "the answer"}`

// Prompt is everything the decider sees in one iteration.
type Prompt struct {
	Instructions  string
	Schema        string
	Rules         string
	Tools         string
	Candidates    []policy.Candidate
	Forbidden     []string
	Hints         []string
	History       []model.Turn
	Question      string
	RowCap        int
	Iteration     int
	MaxIterations int
	Trace         []model.QueryAttempt
	Feedback      string
}

// Messages renders the prompt as a chat: the system prompt, the remembered
// turns, then the question with the work done so far.
func (p Prompt) Messages() []llm.ChatMessage {
	msgs := make([]llm.ChatMessage, 0, 2+2*len(p.History))
	msgs = append(msgs, llm.SystemMessage(p.system()))
	for _, t := range p.History {
		msgs = append(msgs, llm.UserMessage(t.Question), llm.AssistantMessage(t.Answer))
	}
	msgs = append(msgs, llm.UserMessage(p.task()))
	return msgs
}

func (p Prompt) system() string {
	var b strings.Builder
	instructions := p.Instructions
	if instructions == "" {
		instructions = DefaultInstructions
	}
	b.WriteString(instructions)
	if p.Schema != "" {
		b.WriteString("\n\nTables:\n")
		b.WriteString(p.Schema)
	}
	if p.Tools != "" {
		b.WriteString("\n\nTools:\n")
		b.WriteString(p.Tools)
	}
	if p.Rules != "" {
		b.WriteString("\n\nYou must follow these rules:\n")
		b.WriteString(p.Rules)
	}
	return b.String()
}

func (p Prompt) task() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", p.Question)
	fmt.Fprintf(&b, "Row limit: %d\n", p.RowCap)

	if len(p.Candidates) > 0 {
		names := make([]string, len(p.Candidates))
		for i, c := range p.Candidates {
			names[i] = c.Table
		}
		fmt.Fprintf(&b, "Tables allowed for this question, preferred first: %s\n", strings.Join(names, ", "))
	}
	if len(p.Forbidden) > 0 {
		fmt.Fprintf(&b, "Tables not allowed for this question: %s\n", strings.Join(p.Forbidden, ", "))
	}
	for _, h := range p.Hints {
		fmt.Fprintf(&b, "Hint: %s\n", h)
	}

	if len(p.Trace) > 0 {
		b.WriteString("\nWork so far:\n")
		for _, a := range p.Trace {
			fmt.Fprintf(&b, "Thought: %s\nQuery: %s\nObservation: %s\n", a.Thought, a.Query, a.Observation)
		}
	}
	if p.Feedback != "" {
		fmt.Fprintf(&b, "\n%s\n", p.Feedback)
	}

	if remaining := p.MaxIterations - p.Iteration; p.MaxIterations > 0 && remaining <= 2 {
		fmt.Fprintf(&b, "\nWARNING: only %d iterations remaining. Answer from the data you have if you can.\n", remaining)
	}
	return b.String()
}
