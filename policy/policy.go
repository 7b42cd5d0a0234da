// Package policy evaluates the declarative rules that decide which tables may
// answer a question and what the answer must disclose.
//
// Rules are data (rules.yaml, embedded) so they can be audited and extended
// without touching the reasoning loop. The loop consults the set as a hard
// check before every query execution.
package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/richinex/mped/catalog"
	"github.com/richinex/mped/internal/dsa"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Effect is what a matching rule does to a candidate table.
type Effect string

const (
	Forbid            Effect = "forbid"
	RequireDisclosure Effect = "require-disclosure"
	Prefer            Effect = "prefer"
)

// Trigger is the declarative predicate of a rule. Every condition that is set
// must hold for the rule to match; a trigger with no conditions never matches
// unless Always is set.
type Trigger struct {
	// UnlessEntity holds when the question names no entity from these domains.
	UnlessEntity []string `yaml:"unless_entity"`
	// ExcludeEntities are entity values that do not count as named entities.
	ExcludeEntities []string `yaml:"exclude_entities"`
	// UnlessKeywords holds when the question contains none of the phrases.
	UnlessKeywords []string `yaml:"unless_keywords"`
	// Keywords holds when the question contains any of the phrases.
	Keywords []string `yaml:"keywords"`
	// BasisTagged holds when the table has basis-tagged columns.
	BasisTagged bool `yaml:"basis_tagged"`
	Always      bool `yaml:"always"`
}

func (t Trigger) empty() bool {
	return len(t.UnlessEntity) == 0 && len(t.UnlessKeywords) == 0 && len(t.Keywords) == 0 && !t.BasisTagged && !t.Always
}

// Rule is one ordered policy rule.
type Rule struct {
	Name        string   `yaml:"name"`
	Effect      Effect   `yaml:"effect"`
	Tables      []string `yaml:"tables"` // empty means every table
	Priority    int      `yaml:"priority"`
	When        Trigger  `yaml:"when"`
	Description string   `yaml:"description"`
}

func (r *Rule) appliesTo(table string) bool {
	if len(r.Tables) == 0 {
		return true
	}
	for _, t := range r.Tables {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

// Obligation is a basis the final answer must disclose because a column
// carrying it was read.
type Obligation struct {
	Rule   string
	Table  string
	Column string
	Basis  []catalog.Basis
}

// Verdict is the outcome of evaluating every rule against one table.
type Verdict struct {
	Table       string
	Allowed     bool
	ForbiddenBy string // name of the first matching forbid rule
	Reason      string
	Obligations []Obligation
	Preferred   bool
	Priority    int
	Hints       []string
}

// Narrow keeps the obligations for the columns a query actually reads.
// When nothing is known about the columns, or none of them carries a basis,
// every obligation is kept.
func (v Verdict) Narrow(columns []string, star bool) []Obligation {
	if star || len(columns) == 0 {
		return v.Obligations
	}
	var out []Obligation
	for _, o := range v.Obligations {
		for _, c := range columns {
			if strings.EqualFold(o.Column, c) {
				out = append(out, o)
				break
			}
		}
	}
	if len(out) == 0 {
		return v.Obligations
	}
	return out
}

// Entity is a named value found in a question.
type Entity struct {
	Domain string
	Value  string
}

// Context is what the rules know about the current question.
type Context struct {
	Question string
	Entities []Entity

	normalized string
}

// Named reports whether the question names an entity from one of the domains,
// ignoring the excluded values.
func (c *Context) Named(domains, exclude []string) bool {
	for _, e := range c.Entities {
		if !containsFold(domains, e.Domain) || containsFold(exclude, e.Value) {
			continue
		}
		return true
	}
	return false
}

// Mentions reports whether the question contains any of the phrases as whole words.
func (c *Context) Mentions(phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(c.normalized, normalize(p)) {
			return true
		}
	}
	return false
}

// Set is an ordered, validated rule set bound to a catalog.
type Set struct {
	Rules []Rule `yaml:"rules"`

	catalog  *catalog.Catalog
	entities *dsa.Trie[[]Entity]
}

// Load decodes rules and validates them against the catalog.
func Load(r io.Reader, cat *catalog.Catalog) (*Set, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var s Set
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	if err := s.bind(cat); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile loads rules from a YAML file.
func LoadFile(path string, cat *catalog.Catalog) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy: %w", err)
	}
	defer f.Close()
	return Load(f, cat)
}

// Default loads the embedded rule set against cat.
func Default(cat *catalog.Catalog) (*Set, error) {
	return Load(strings.NewReader(string(defaultRules)), cat)
}

func (s *Set) bind(cat *catalog.Catalog) error {
	if cat == nil {
		return errors.New("policy requires a catalog")
	}
	seen := make(map[string]bool)
	for i := range s.Rules {
		r := &s.Rules[i]
		if r.Name == "" {
			return fmt.Errorf("rule %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule %q", r.Name)
		}
		seen[r.Name] = true

		switch r.Effect {
		case Forbid, RequireDisclosure, Prefer:
		default:
			return fmt.Errorf("rule %q: unknown effect %q", r.Name, r.Effect)
		}
		if r.When.empty() {
			return fmt.Errorf("rule %q: trigger has no conditions", r.Name)
		}
		for _, t := range r.Tables {
			if _, ok := cat.Table(t); !ok {
				return fmt.Errorf("rule %q: unknown table %q", r.Name, t)
			}
		}
		for _, d := range r.When.UnlessEntity {
			dom, ok := cat.Domain(d)
			if !ok || !dom.Entity {
				return fmt.Errorf("rule %q: %q is not an entity domain", r.Name, d)
			}
		}
	}

	s.catalog = cat
	s.entities = dsa.NewTrie[[]Entity]()
	for _, d := range cat.EntityDomains() {
		for _, v := range d.Values {
			key := normalize(v)
			refs, _ := s.entities.Search(key)
			s.entities.Insert(key, append(refs, Entity{Domain: d.Name, Value: v}))
		}
	}
	return nil
}

// Context extracts the named entities of a question.
func (s *Set) Context(question string) *Context {
	ctx := &Context{Question: question, normalized: normalize(question)}
	for _, m := range s.entities.FindAll(ctx.normalized) {
		ctx.Entities = append(ctx.Entities, m.Value...)
	}
	return ctx
}

// Evaluate runs the rules in order against one candidate table.
// A table missing from the catalog is never allowed.
func (s *Set) Evaluate(table string, ctx *Context) Verdict {
	tbl, ok := s.catalog.Table(table)
	if !ok {
		return Verdict{Table: table, Reason: "unknown table"}
	}

	v := Verdict{Table: tbl.Name, Allowed: true}
	for i := range s.Rules {
		r := &s.Rules[i]
		if !r.appliesTo(tbl.Name) || !s.matches(r, tbl, ctx) {
			continue
		}
		switch r.Effect {
		case Forbid:
			return Verdict{
				Table:       tbl.Name,
				ForbiddenBy: r.Name,
				Reason:      strings.TrimSpace(r.Description),
			}
		case RequireDisclosure:
			for _, c := range tbl.BasisColumns() {
				v.Obligations = append(v.Obligations, Obligation{
					Rule:   r.Name,
					Table:  tbl.Name,
					Column: c.Name,
					Basis:  c.Basis,
				})
			}
		case Prefer:
			if len(r.Tables) > 0 {
				v.Preferred = true
				v.Priority += r.Priority
			}
			v.Hints = appendUnique(v.Hints, strings.TrimSpace(r.Description))
		}
	}
	return v
}

func (s *Set) matches(r *Rule, tbl *catalog.Table, ctx *Context) bool {
	w := r.When
	if len(w.UnlessEntity) > 0 && ctx.Named(w.UnlessEntity, w.ExcludeEntities) {
		return false
	}
	if len(w.UnlessKeywords) > 0 && ctx.Mentions(w.UnlessKeywords) {
		return false
	}
	if len(w.Keywords) > 0 && !ctx.Mentions(w.Keywords) {
		return false
	}
	if w.BasisTagged && len(tbl.BasisColumns()) == 0 {
		return false
	}
	return true
}

// Candidate is an allowed table with its preference.
type Candidate struct {
	Table    string
	Priority int
	Hints    []string
}

// Candidates lists the tables allowed for the question, preferred tables first.
func (s *Set) Candidates(ctx *Context) []Candidate {
	var out []Candidate
	for _, name := range s.catalog.TableNames() {
		v := s.Evaluate(name, ctx)
		if !v.Allowed {
			continue
		}
		out = append(out, Candidate{Table: v.Table, Priority: v.Priority, Hints: v.Hints})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// Forbidden lists the tables removed for the question and the rule that removed each.
func (s *Set) Forbidden(ctx *Context) map[string]string {
	out := make(map[string]string)
	for _, name := range s.catalog.TableNames() {
		if v := s.Evaluate(name, ctx); !v.Allowed {
			out[v.Table] = v.ForbiddenBy
		}
	}
	return out
}

// Hints collects the advisory text of every prefer rule matching the question.
func (s *Set) Hints(ctx *Context) []string {
	var out []string
	for _, name := range s.catalog.TableNames() {
		for _, h := range s.Evaluate(name, ctx).Hints {
			out = appendUnique(out, h)
		}
	}
	return out
}

// Describe renders the rules in order for the decider.
func (s *Set) Describe() string {
	var b strings.Builder
	for i, r := range s.Rules {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, r.Effect, strings.TrimSpace(r.Description))
		if len(r.Tables) > 0 {
			fmt.Fprintf(&b, " (tables: %s)", strings.Join(r.Tables, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Phrases returns the distinct basis phrases the obligations require, in a stable order.
func Phrases(obligations []Obligation) []string {
	seen := make(map[catalog.Basis]bool)
	for _, o := range obligations {
		for _, b := range o.Basis {
			seen[b] = true
		}
	}
	var out []string
	for _, b := range []catalog.Basis{catalog.PublicSector, catalog.PrivateSector, catalog.CurrentPrice, catalog.ConstantPrice} {
		if seen[b] {
			out = append(out, b.Phrase())
		}
	}
	return out
}

func normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' {
			return r
		}
		return ' '
	}, s)
	return dsa.Normalize(mapped)
}

func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	padded := " " + text + " "
	return strings.Contains(padded, " "+phrase+" ")
}

func containsFold(list []string, s string) bool {
	for _, x := range list {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}
