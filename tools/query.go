package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/richinex/mped/model"
	"github.com/richinex/mped/sqlguard"
)

// QueryToolName is the name the decider uses to run a query.
const QueryToolName = "run_query"

// Querier runs one read-only query. storage.Store implements it.
type Querier interface {
	Query(ctx context.Context, query string) (*model.Rows, error)
}

// QueryInput is the argument object of the query tool.
type QueryInput struct {
	Query string `json:"query"`
}

// ParseQueryInput accepts {"query": "..."} or a bare JSON string.
func ParseQueryInput(args json.RawMessage) (QueryInput, error) {
	var in QueryInput
	if err := json.Unmarshal(args, &in); err != nil {
		var s string
		if serr := json.Unmarshal(args, &s); serr != nil {
			return QueryInput{}, fmt.Errorf("invalid query arguments: %w", err)
		}
		in.Query = s
	}
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return QueryInput{}, errors.New("query is required")
	}
	return in, nil
}

// QueryArgs encodes a query as tool arguments.
func QueryArgs(query string) json.RawMessage {
	b, _ := json.Marshal(QueryInput{Query: query})
	return b
}

// QueryTool executes a single read-only query against the data store.
// Anything that is not a pure read fails with a permission error before the
// store is touched.
type QueryTool struct {
	querier Querier
}

// NewQueryTool creates the query tool over q.
func NewQueryTool(q Querier) *QueryTool {
	return &QueryTool{querier: q}
}

func (t *QueryTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        QueryToolName,
		Description: "Run one read-only SELECT statement against the national accounts data and return the rows.",
		Parameters: []ToolParameter{
			{Name: "query", ParamType: "string", Description: "A single SELECT statement", Required: true},
		},
	}
}

// Validate rejects empty input and anything but one read-only statement.
func (t *QueryTool) Validate(args json.RawMessage) error {
	in, err := ParseQueryInput(args)
	if err != nil {
		return model.NewQueryError(model.KindSyntax, err)
	}
	if _, err := sqlguard.Inspect(in.Query); err != nil {
		return guardError(err)
	}
	return nil
}

func (t *QueryTool) Execute(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	if err := t.Validate(args); err != nil {
		return FailureResult(err), nil
	}
	in, _ := ParseQueryInput(args)

	rows, err := t.querier.Query(ctx, in.Query)
	if err != nil {
		var qe *model.QueryError
		if !errors.As(err, &qe) {
			qe = model.NewQueryError(model.KindConnectivity, err)
		}
		return FailureResult(qe), nil
	}
	return SuccessResult(FormatRows(rows), rows), nil
}

// guardError maps a guard rejection to the query error taxonomy.
func guardError(err error) *model.QueryError {
	if errors.Is(err, sqlguard.ErrNotReadOnly) || errors.Is(err, sqlguard.ErrMultipleStatements) {
		return model.NewQueryError(model.KindPermission, err)
	}
	return model.NewQueryError(model.KindSyntax, err)
}

// FormatRows renders a result compactly for the decider.
func FormatRows(rows *model.Rows) string {
	if rows.Len() == 0 {
		return "Query returned no rows."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Columns: %s\n", strings.Join(rows.Columns, " | "))
	fmt.Fprintf(&b, "Rows (%d):\n", rows.Len())
	for _, row := range rows.Values {
		b.WriteString(strings.Join(row, " | "))
		b.WriteString("\n")
	}
	return b.String()
}
