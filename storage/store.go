// Package storage provides the read-only national-accounts store, the
// per-session conversation memory and the in-process audit log.
//
// Information Hiding:
// - database/sql driver choice and read-only DSN handling hidden behind Store
// - Driver errors are classified into model.QueryError before leaving the package
// - Each query borrows one pooled connection and returns it
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/richinex/mped/model"
)

// Options configures a Store.
type Options struct {
	Driver       string // sqlite3 (default), pgx/postgres, clickhouse, athena
	DSN          string
	MaxOpenConns int           // connection pool size, independent of session count
	QueryTimeout time.Duration // per-query deadline; zero means the caller's context only
	Logger       *slog.Logger
}

// Store executes read-only queries against the backing database.
// Safe for concurrent use; sql.DB does the pooling.
type Store struct {
	db      *sql.DB
	driver  string
	timeout time.Duration
	logger  *slog.Logger
	closers []io.Closer
}

// Open opens the store read-only. The connection itself refuses writes:
// sqlite connections run with query_only, Postgres sessions default to
// read-only transactions and ClickHouse sessions run with readonly=2.
// Athena has no session-level switch; the workgroup's IAM policy and the
// query guard keep it read-only.
func Open(opts Options) (*Store, error) {
	driver, err := normalizeDriver(opts.Driver)
	if err != nil {
		return nil, err
	}
	if opts.DSN == "" {
		return nil, errors.New("database DSN is required")
	}

	db, err := sql.Open(driverFor(driver), readOnlyDSN(driver, opts.DSN))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	return newStore(db, driver, opts), nil
}

func newStore(db *sql.DB, driver string, opts Options) *Store {
	maxConns := opts.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Store{
		db:      db,
		driver:  driver,
		timeout: opts.QueryTimeout,
		logger:  logger,
	}
}

// Driver returns the database/sql driver family in use.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(ctx, err)
	}
	return nil
}

// Close releases the pool and anything the store keeps alive.
func (s *Store) Close() error {
	err := s.db.Close()
	for _, c := range s.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Query runs a single read-only query on a borrowed connection.
// Failures are returned as *model.QueryError.
func (s *Store) Query(ctx context.Context, query string) (*model.Rows, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		qe := classify(ctx, err)
		s.logger.Debug("store: query failed", "kind", qe.Kind, "error", err)
		return nil, qe
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, classify(ctx, err)
	}

	s.logger.Debug("store: query done", "rows", result.Len(), "duration", time.Since(start))
	return result, nil
}

func scanRows(rows *sql.Rows) (*model.Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	result := &model.Rows{Columns: cols, Values: [][]string{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = FormatValue(v)
		}
		result.Values = append(result.Values, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// FormatValue renders a scanned value exactly. Floats use the shortest
// representation that round-trips, never exponent notation or rounding.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}
