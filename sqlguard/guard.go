// Package sqlguard classifies candidate queries before they reach the store.
//
// Every query passes two checks. A lexical scan rejects anything but a single
// SELECT (or WITH ... SELECT) statement and any mutating keyword outside string
// literals. The MySQL-dialect parser from xwb1989/sqlparser then extracts the
// referenced tables, columns and LIMIT. Statements the parser does not
// understand (CTEs, SQLite functions) fall back to lexical extraction; the
// lexical read-only check has already run either way.
package sqlguard

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"
)

var (
	ErrEmpty              = errors.New("empty query")
	ErrMultipleStatements = errors.New("multiple statements are not allowed")
	ErrNotReadOnly        = errors.New("only read-only SELECT statements are allowed")
	ErrMalformed          = errors.New("malformed query")
	ErrNoTable            = errors.New("the query reads no known table")
)

// forbidden lists keywords that never appear in a pure read.
var forbidden = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true, "ALTER": true,
	"CREATE": true, "TRUNCATE": true, "ATTACH": true, "DETACH": true, "PRAGMA": true,
	"VACUUM": true, "REINDEX": true, "GRANT": true, "REVOKE": true, "MERGE": true,
	"UPSERT": true, "COPY": true, "CALL": true, "EXEC": true, "EXECUTE": true,
	"LOAD": true, "RENAME": true, "OPTIMIZE": true, "SET": true, "INTO": true,
	"REPLACE": true, "LOCK": true, "UNLOCK": true, "ANALYZE": true, "BEGIN": true,
	"COMMIT": true, "ROLLBACK": true, "SAVEPOINT": true, "RELEASE": true,
}

// Statement is a query that passed the read-only checks.
type Statement struct {
	SQL     string   // query text without a trailing semicolon
	Tables  []string // referenced tables, first-seen order
	Columns []string // referenced column names; nil when unknown
	Star    bool     // selects every column of some table
	Limit   int      // top-level LIMIT row count, -1 when absent or not a literal
	Parsed  bool     // extracted by the SQL parser rather than the lexical fallback

	names []string // every word and quoted identifier, in order
}

// Inspect validates that sql is a single read-only statement and describes it.
func Inspect(sql string) (*Statement, error) {
	text := strings.TrimSpace(sql)
	for strings.HasSuffix(text, ";") {
		text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
	}
	if text == "" {
		return nil, ErrEmpty
	}

	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, ErrEmpty
	}
	if err := checkReadOnly(toks); err != nil {
		return nil, err
	}

	stmt := &Statement{SQL: text, Limit: -1}
	for _, t := range toks {
		if t.kind == tokWord || t.kind == tokIdent {
			stmt.names = append(stmt.names, t.name())
		}
	}
	if parsed, err := sqlparser.Parse(text); err == nil {
		if err := stmt.fromAST(parsed); err != nil {
			return nil, err
		}
		return stmt, nil
	}

	stmt.fromTokens(toks)
	return stmt, nil
}

func checkReadOnly(toks []token) error {
	first := 0
	for first < len(toks) && toks[first].kind == tokPunct && toks[first].text == "(" {
		first++
	}
	if first == len(toks) || !(toks[first].is("SELECT") || toks[first].is("WITH")) {
		return fmt.Errorf("%w: statement starts with %q", ErrNotReadOnly, toks[min(first, len(toks)-1)].text)
	}

	depth := 0
	for i, t := range toks {
		if t.kind == tokPunct {
			switch t.text {
			case ";":
				return ErrMultipleStatements
			case "(":
				depth++
			case ")":
				depth--
				if depth < 0 {
					return fmt.Errorf("%w: unbalanced parentheses", ErrMalformed)
				}
			}
			continue
		}
		if t.kind != tokWord {
			continue
		}
		kw := strings.ToUpper(t.text)
		if !forbidden[kw] {
			continue
		}
		// REPLACE(str, from, to) is a string function.
		if kw == "REPLACE" && i+1 < len(toks) && toks[i+1].text == "(" {
			continue
		}
		// "DELETE" etc. used as a column qualifier or alias never occurs in this schema,
		// so any other occurrence is treated as a statement keyword.
		return fmt.Errorf("%w: found %s", ErrNotReadOnly, kw)
	}
	if depth != 0 {
		return fmt.Errorf("%w: unbalanced parentheses", ErrMalformed)
	}
	return nil
}

func (s *Statement) fromAST(parsed sqlparser.Statement) error {
	switch n := parsed.(type) {
	case *sqlparser.Select:
		if n.Lock != "" {
			return fmt.Errorf("%w: locking read", ErrNotReadOnly)
		}
		s.Limit = limitOf(n.Limit)
	case *sqlparser.Union:
		if n.Lock != "" {
			return fmt.Errorf("%w: locking read", ErrNotReadOnly)
		}
		s.Limit = limitOf(n.Limit)
	case *sqlparser.ParenSelect:
	default:
		return fmt.Errorf("%w: %T", ErrNotReadOnly, parsed)
	}

	tables := newOrderedSet()
	columns := newOrderedSet()
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case sqlparser.TableName:
			if !n.Name.IsEmpty() {
				tables.add(n.Name.String())
			}
		case *sqlparser.ColName:
			columns.add(n.Name.String())
			// The qualifier is an alias or table name already seen in FROM.
			return false, nil
		case *sqlparser.StarExpr:
			s.Star = true
			return false, nil
		}
		return true, nil
	}, parsed)

	s.Tables = tables.items
	s.Columns = columns.items
	if s.Columns == nil {
		s.Columns = []string{}
	}
	s.Parsed = true
	return nil
}

func limitOf(l *sqlparser.Limit) int {
	if l == nil || l.Rowcount == nil {
		return -1
	}
	v, ok := l.Rowcount.(*sqlparser.SQLVal)
	if !ok || v.Type != sqlparser.IntVal {
		return -1
	}
	n, err := strconv.Atoi(string(v.Val))
	if err != nil {
		return -1
	}
	return n
}

// fromTokens extracts tables and the top-level LIMIT lexically.
// Column references are left unknown.
func (s *Statement) fromTokens(toks []token) {
	ctes := make(map[string]bool)
	if len(toks) > 0 && toks[0].is("WITH") {
		// WITH [RECURSIVE] name [(cols)] AS ( ... ), name AS ( ... ) SELECT
		depth := 0
		for i := 1; i < len(toks); i++ {
			t := toks[i]
			switch {
			case t.kind == tokPunct && t.text == "(":
				depth++
			case t.kind == tokPunct && t.text == ")":
				depth--
			case depth == 0 && t.is("SELECT"):
				i = len(toks)
			case depth == 0 && (t.kind == tokWord || t.kind == tokIdent) && !t.is("RECURSIVE") && !t.is("AS"):
				ctes[strings.ToLower(t.name())] = true
			}
		}
	}

	tables := newOrderedSet()
	depth := 0
	for i, t := range toks {
		if t.kind == tokPunct {
			switch t.text {
			case "(":
				depth++
			case ")":
				depth--
			case ",":
				if i > 0 && inFromList(toks, i) {
					addTableAt(toks, i+1, ctes, tables)
				}
			}
			continue
		}
		if t.is("FROM") || t.is("JOIN") {
			addTableAt(toks, i+1, ctes, tables)
		}
		// ClickHouse LIMIT n BY col caps rows per group, not the result.
		if depth == 0 && t.is("LIMIT") && i+1 < len(toks) && toks[i+1].kind == tokNumber &&
			!(i+2 < len(toks) && toks[i+2].is("BY")) {
			if n, err := strconv.Atoi(toks[i+1].text); err == nil {
				s.Limit = n
			}
		}
		if t.is("SELECT") && i+1 < len(toks) && toks[i+1].text == "*" {
			s.Star = true
		}
	}
	s.Tables = tables.items
}

func addTableAt(toks []token, i int, ctes map[string]bool, tables *orderedSet) {
	if i >= len(toks) {
		return
	}
	t := toks[i]
	if t.kind != tokWord && t.kind != tokIdent {
		return
	}
	name := t.name()
	// schema.table
	if i+2 < len(toks) && toks[i+1].text == "." && (toks[i+2].kind == tokWord || toks[i+2].kind == tokIdent) {
		name = toks[i+2].name()
	}
	if ctes[strings.ToLower(name)] {
		return
	}
	tables.add(name)
}

// inFromList reports whether the comma at i separates tables in a FROM list
// at the same nesting depth.
func inFromList(toks []token, i int) bool {
	depth := 0
	for j := i - 1; j >= 0; j-- {
		t := toks[j]
		if t.kind == tokPunct {
			switch t.text {
			case ")":
				depth++
			case "(":
				if depth == 0 {
					return false
				}
				depth--
			}
			continue
		}
		if depth != 0 {
			continue
		}
		if t.is("FROM") {
			return true
		}
		if t.is("SELECT") || t.is("WHERE") || t.is("GROUP") || t.is("ORDER") || t.is("ON") || t.is("HAVING") {
			return false
		}
	}
	return false
}

// Cap bounds the rows a statement may return. A statement without a LIMIT,
// or with one larger than n, is wrapped so the store returns at most n rows.
func Cap(s *Statement, n int) string {
	if n <= 0 || (s.Limit >= 0 && s.Limit <= n) {
		return s.SQL
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS capped LIMIT %d", s.SQL, n)
}

// Bind adds to Tables every identifier that names a known table, wherever it
// appears, so a table wrapped in parentheses or shadowed by a CTE is still
// checked. lookup returns the canonical name. A statement that reads no
// table at all is rejected with ErrNoTable.
func (s *Statement) Bind(lookup func(name string) (string, bool)) error {
	tables := newOrderedSet()
	for _, t := range s.Tables {
		tables.add(t)
	}
	for _, n := range s.names {
		if canonical, ok := lookup(n); ok {
			tables.add(canonical)
		}
	}
	s.Tables = tables.items
	if len(s.Tables) == 0 {
		return ErrNoTable
	}
	return nil
}

// References reports whether the statement reads table, ignoring case.
func (s *Statement) References(table string) bool {
	for _, t := range s.Tables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]bool)}
}

func (o *orderedSet) add(s string) {
	key := strings.ToLower(s)
	if o.seen[key] {
		return
	}
	o.seen[key] = true
	o.items = append(o.items, s)
}
