package storage

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/richinex/mped/catalog"
	"gopkg.in/yaml.v3"
)

//go:embed sample_fixtures.yaml
var sampleFixtures []byte

// SampleFixtures returns the embedded demo rows. The values are illustrative
// and are not official figures.
func SampleFixtures() io.Reader {
	return bytes.NewReader(sampleFixtures)
}

type fixtureDocument struct {
	Tables map[string][]map[string]any `yaml:"tables"`
}

// CreateSchema creates every catalog table that does not exist yet.
func CreateSchema(ctx context.Context, db *sql.DB, cat *catalog.Catalog) error {
	for _, t := range cat.Tables {
		cols := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			typ := "TEXT"
			if c.Type == catalog.TypeNumber {
				typ = "REAL"
			}
			cols[i] = fmt.Sprintf("%s %s", quoteIdent(c.Name), typ)
		}
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(t.Name), strings.Join(cols, ", "))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// LoadFixtures inserts the rows of a fixture document and returns how many
// were written. Tables and columns must exist in the catalog.
func LoadFixtures(ctx context.Context, db *sql.DB, cat *catalog.Catalog, r io.Reader) (int, error) {
	var doc fixtureDocument
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return 0, fmt.Errorf("failed to decode fixtures: %w", err)
	}

	for name := range doc.Tables {
		if _, ok := cat.Table(name); !ok {
			return 0, fmt.Errorf("fixtures reference unknown table %q", name)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, t := range cat.Tables {
		rows, ok := doc.Tables[t.Name]
		if !ok {
			continue
		}
		for i, row := range rows {
			cols := make([]string, 0, len(row))
			marks := make([]string, 0, len(row))
			args := make([]any, 0, len(row))
			for _, c := range t.Columns {
				v, ok := lookupFold(row, c.Name)
				if !ok {
					continue
				}
				cols = append(cols, quoteIdent(c.Name))
				marks = append(marks, "?")
				args = append(args, v)
			}
			if len(cols) != len(row) {
				return 0, fmt.Errorf("fixtures for %s row %d: unknown column", t.Name, i)
			}
			stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
				quoteIdent(t.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return 0, fmt.Errorf("failed to insert into %s: %w", t.Name, err)
			}
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit fixtures: %w", err)
	}
	return inserted, nil
}

// SeedFile creates the catalog tables in a SQLite file and loads fixtures.
// Creates parent directories if they don't exist.
func SeedFile(ctx context.Context, path string, cat *catalog.Catalog, fixtures io.Reader) (int, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(DriverSQLite, path)
	if err != nil {
		return 0, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	defer db.Close()

	if err := CreateSchema(ctx, db, cat); err != nil {
		return 0, err
	}
	return LoadFixtures(ctx, db, cat, fixtures)
}

// OpenMemory builds a private in-memory SQLite database with the catalog
// tables, loads fixtures when given, and opens a read-only Store over it.
func OpenMemory(ctx context.Context, cat *catalog.Catalog, fixtures io.Reader, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("file:mped-%s?mode=memory&cache=shared", uuid.NewString())

	writer, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// The shared in-memory database lives as long as one connection is open.
	keep, err := writer.Conn(ctx)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	cleanup := func() {
		keep.Close()
		writer.Close()
	}

	if err := CreateSchema(ctx, writer, cat); err != nil {
		cleanup()
		return nil, err
	}
	if fixtures != nil {
		if _, err := LoadFixtures(ctx, writer, cat, fixtures); err != nil {
			cleanup()
			return nil, err
		}
	}

	opts.Driver = DriverSQLite
	opts.DSN = dsn
	store, err := Open(opts)
	if err != nil {
		cleanup()
		return nil, err
	}
	store.closers = append(store.closers, keep, writer)
	return store, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func lookupFold(row map[string]any, key string) (any, bool) {
	if v, ok := row[key]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
