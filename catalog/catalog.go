// Package catalog describes the national-accounts tables the agent may read.
//
// The catalog is pure data: tables, columns, units, value domains and basis
// tags. It is loaded once (normally from the embedded catalog.yaml) and shared
// read-only by every session.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultDocument []byte

// Basis marks a value as measured at a price basis or for a sector.
type Basis string

const (
	CurrentPrice  Basis = "current-price"
	ConstantPrice Basis = "constant-price"
	PublicSector  Basis = "public-sector"
	PrivateSector Basis = "private-sector"
)

// Phrase is the wording an answer uses to disclose the basis.
func (b Basis) Phrase() string {
	switch b {
	case CurrentPrice:
		return "current prices"
	case ConstantPrice:
		return "constant prices"
	case PublicSector:
		return "public sector"
	case PrivateSector:
		return "private sector"
	}
	return string(b)
}

// Valid reports whether b is one of the known tags.
func (b Basis) Valid() bool {
	switch b {
	case CurrentPrice, ConstantPrice, PublicSector, PrivateSector:
		return true
	}
	return false
}

// Column types.
const (
	TypeText   = "text"
	TypeNumber = "number"
)

// Domain is a named set of valid categorical values.
type Domain struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Entity      bool     `yaml:"entity"`
	Values      []string `yaml:"values"`
}

// Contains reports whether v is one of the domain values, ignoring case.
func (d *Domain) Contains(v string) bool {
	for _, x := range d.Values {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

// Column is one column of a catalog table.
type Column struct {
	Table       string  `yaml:"-"`
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Unit        string  `yaml:"unit"`
	Type        string  `yaml:"type"`
	Domain      string  `yaml:"domain"`
	Basis       []Basis `yaml:"basis"`
}

// HasBasis reports whether the column carries tag b.
func (c *Column) HasBasis(b Basis) bool {
	for _, x := range c.Basis {
		if x == b {
			return true
		}
	}
	return false
}

// Table is one queryable table.
type Table struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Columns     []Column `yaml:"columns"`
}

// Column looks a column up by name, ignoring case.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// BasisColumns returns the columns that carry at least one basis tag.
func (t *Table) BasisColumns() []Column {
	var out []Column
	for _, c := range t.Columns {
		if len(c.Basis) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// Basis returns the distinct tags carried by the table's columns, in first-seen order.
func (t *Table) Basis() []Basis {
	seen := make(map[Basis]bool)
	var out []Basis
	for _, c := range t.Columns {
		for _, b := range c.Basis {
			if !seen[b] {
				seen[b] = true
				out = append(out, b)
			}
		}
	}
	return out
}

// Catalog is the full dataset description.
type Catalog struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Domains     []Domain `yaml:"domains"`
	Tables      []Table  `yaml:"tables"`

	tables  map[string]int
	domains map[string]int
}

// Load decodes and validates a catalog document.
func Load(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile loads a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()
	return Load(f)
}

var loadDefault = sync.OnceValues(func() (*Catalog, error) {
	return Load(strings.NewReader(string(defaultDocument)))
})

// Default returns the embedded national-accounts catalog.
// It panics if the embedded document is invalid.
func Default() *Catalog {
	c, err := loadDefault()
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) index() error {
	if len(c.Tables) == 0 {
		return errors.New("catalog has no tables")
	}

	c.domains = make(map[string]int, len(c.Domains))
	for i, d := range c.Domains {
		if d.Name == "" {
			return fmt.Errorf("domain %d has no name", i)
		}
		if _, dup := c.domains[d.Name]; dup {
			return fmt.Errorf("duplicate domain %q", d.Name)
		}
		c.domains[d.Name] = i
	}

	c.tables = make(map[string]int, len(c.Tables))
	for i := range c.Tables {
		t := &c.Tables[i]
		key := strings.ToLower(t.Name)
		if t.Name == "" {
			return fmt.Errorf("table %d has no name", i)
		}
		if _, dup := c.tables[key]; dup {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		if len(t.Columns) == 0 {
			return fmt.Errorf("table %q has no columns", t.Name)
		}
		c.tables[key] = i

		for j := range t.Columns {
			col := &t.Columns[j]
			col.Table = t.Name
			switch col.Type {
			case TypeText, TypeNumber:
			case "":
				col.Type = TypeText
			default:
				return fmt.Errorf("column %s.%s: unknown type %q", t.Name, col.Name, col.Type)
			}
			if col.Domain != "" {
				if _, ok := c.domains[col.Domain]; !ok {
					return fmt.Errorf("column %s.%s: unknown domain %q", t.Name, col.Name, col.Domain)
				}
			}
			for _, b := range col.Basis {
				if !b.Valid() {
					return fmt.Errorf("column %s.%s: unknown basis %q", t.Name, col.Name, b)
				}
			}
		}
	}
	return nil
}

// Table looks a table up by name, ignoring case.
func (c *Catalog) Table(name string) (*Table, bool) {
	i, ok := c.tables[strings.ToLower(strings.Trim(name, "`\"[]"))]
	if !ok {
		return nil, false
	}
	return &c.Tables[i], true
}

// Domain looks a domain up by name.
func (c *Catalog) Domain(name string) (*Domain, bool) {
	i, ok := c.domains[name]
	if !ok {
		return nil, false
	}
	return &c.Domains[i], true
}

// TableNames returns table names in catalog order.
func (c *Catalog) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	return names
}

// EntityDomains returns the domains whose values name entities (governorates, regions).
func (c *Catalog) EntityDomains() []Domain {
	var out []Domain
	for _, d := range c.Domains {
		if d.Entity {
			out = append(out, d)
		}
	}
	return out
}

// Describe renders the catalog as plain text for the decider's context.
func (c *Catalog) Describe() string {
	var b strings.Builder

	fmt.Fprintf(&b, "DATASET: %s\n", c.Name)
	if c.Description != "" {
		fmt.Fprintf(&b, "%s\n", c.Description)
	}

	b.WriteString("\nTABLES:\n")
	for _, t := range c.Tables {
		fmt.Fprintf(&b, "\n%s: %s\n", t.Name, t.Description)
		for _, col := range t.Columns {
			fmt.Fprintf(&b, "- %s (%s)", col.Name, col.Type)
			if col.Description != "" {
				fmt.Fprintf(&b, ": %s", col.Description)
			}
			if col.Unit != "" {
				fmt.Fprintf(&b, " [unit: %s]", col.Unit)
			}
			if len(col.Basis) > 0 {
				phrases := make([]string, len(col.Basis))
				for i, bs := range col.Basis {
					phrases[i] = bs.Phrase()
				}
				fmt.Fprintf(&b, " [basis: %s]", strings.Join(phrases, ", "))
			}
			if col.Domain != "" {
				fmt.Fprintf(&b, " [values: %s]", col.Domain)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nVALUE DOMAINS:\n")
	for _, d := range c.Domains {
		fmt.Fprintf(&b, "- %s: %s", d.Name, strings.TrimSpace(d.Description))
		if len(d.Values) > 0 {
			fmt.Fprintf(&b, " Values: %s.", strings.Join(d.Values, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

var yearPattern = regexp.MustCompile(`\b((?:19|20)\d{2})(?:\s*[/-]\s*((?:19|20)\d{2}))?\b`)

// NormalizeFiscalYear converts a year as users write it to the stored form
// 'year/(year-1)'. "2020", "2019/2020" and "2020/2019" all become "2020/2019".
func NormalizeFiscalYear(s string) (string, bool) {
	m := yearPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	end, _ := strconv.Atoi(m[1])
	if m[2] != "" {
		other, _ := strconv.Atoi(m[2])
		if other-end != 1 && end-other != 1 {
			return "", false
		}
		if other > end {
			end = other
		}
	}
	return fmt.Sprintf("%d/%d", end, end-1), true
}

// FiscalYears returns the normalized fiscal years mentioned in text, deduplicated and sorted.
func FiscalYears(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range yearPattern.FindAllString(text, -1) {
		if fy, ok := NormalizeFiscalYear(m); ok && !seen[fy] {
			seen[fy] = true
			out = append(out, fy)
		}
	}
	sort.Strings(out)
	return out
}
