package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Driver names accepted by Open.
const (
	DriverSQLite     = "sqlite3"
	DriverPostgres   = "pgx"
	DriverClickHouse = "clickhouse"
	DriverAthena     = "athena"

	// sqliteReadOnly is a sqlite3 driver whose connections refuse writes.
	sqliteReadOnly = "sqlite3_readonly"
)

func init() {
	sql.Register(sqliteReadOnly, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			_, err := conn.Exec("PRAGMA query_only = ON", nil)
			return err
		},
	})
}

// normalizeDriver maps user-facing names to registered database/sql drivers.
func normalizeDriver(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DriverPostgres, nil
	case "clickhouse":
		return DriverClickHouse, nil
	case "athena", "awsathena":
		return DriverAthena, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", name)
}

// readOnlyDSN returns a DSN that makes the server or file refuse writes.
// The store is read-only at the connection level in addition to the query guard.
func readOnlyDSN(driver, dsn string) string {
	switch driver {
	case DriverSQLite:
		if dsn == ":memory:" || strings.Contains(dsn, "mode=") {
			return dsn
		}
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		return appendParam(dsn, "mode", "ro")

	case DriverPostgres:
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			return appendParam(dsn, "default_transaction_read_only", "on")
		}
		return strings.TrimSpace(dsn + " default_transaction_read_only=on")

	case DriverClickHouse:
		// readonly=1 would also forbid the max_execution_time setting.
		return appendParam(dsn, "readonly", "2")
	}
	return dsn
}

func appendParam(dsn, key, value string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + url.QueryEscape(value)
}

// driverFor returns the registered driver that opens dsn read-only.
func driverFor(driver string) string {
	if driver == DriverSQLite {
		return sqliteReadOnly
	}
	return driver
}
