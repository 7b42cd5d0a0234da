package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/richinex/mped/model"
)

// ClickHouse server error codes.
const (
	chTimeoutExceeded    = 159
	chReadonly           = 164
	chTooManySimQueries  = 202
	chSocketTimeout      = 209
	chNetworkError       = 210
	chQueryWasCancelled  = 394
	chAccessDenied       = 497
	chAuthenticationFail = 516
)

// classify maps a driver error to the query error taxonomy.
func classify(ctx context.Context, err error) *model.QueryError {
	if err == nil {
		return nil
	}
	var qe *model.QueryError
	if errors.As(err, &qe) {
		return qe
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return model.NewQueryError(model.KindTimeout, err)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return model.NewQueryError(sqliteKind(sqliteErr), err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return model.NewQueryError(postgresKind(pgErr.Code), err)
	}

	var chErr *clickhouse.Exception
	if errors.As(err, &chErr) {
		return model.NewQueryError(clickhouseKind(chErr.Code), err)
	}

	var athenaErr *AthenaQueryError
	if errors.As(err, &athenaErr) {
		return model.NewQueryError(athenaQueryKind(athenaErr), err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := awsAPIKind(apiErr.ErrorCode()); ok {
			return model.NewQueryError(kind, err)
		}
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		if netErr != nil && netErr.Timeout() {
			return model.NewQueryError(model.KindTimeout, err)
		}
		return model.NewQueryError(model.KindConnectivity, err)
	}

	return model.NewQueryError(model.KindSyntax, err)
}

func sqliteKind(err sqlite3.Error) model.ErrorKind {
	switch err.Code {
	case sqlite3.ErrPerm, sqlite3.ErrReadonly, sqlite3.ErrAuth:
		return model.KindPermission
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrInterrupt:
		return model.KindTimeout
	case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
		return model.KindConnectivity
	}
	return model.KindSyntax
}

func postgresKind(code string) model.ErrorKind {
	switch {
	case code == "25006" || code == "42501" || strings.HasPrefix(code, "28"):
		// read_only_sql_transaction, insufficient_privilege, invalid authorization
		return model.KindPermission
	case code == "57014" || code == "55P03":
		// query_canceled (statement_timeout), lock_not_available
		return model.KindTimeout
	case strings.HasPrefix(code, "08") || code == "57P01" || code == "53300":
		return model.KindConnectivity
	}
	return model.KindSyntax
}

func clickhouseKind(code int32) model.ErrorKind {
	switch code {
	case chReadonly, chAccessDenied, chAuthenticationFail:
		return model.KindPermission
	case chTimeoutExceeded, chSocketTimeout, chTooManySimQueries, chQueryWasCancelled:
		return model.KindTimeout
	case chNetworkError:
		return model.KindConnectivity
	}
	// Anything else is a fault in the query itself.
	return model.KindSyntax
}

// Athena error categories.
const (
	athenaSystemError = 1
	athenaUserError   = 2
)

func athenaQueryKind(err *AthenaQueryError) model.ErrorKind {
	reason := strings.ToLower(err.Reason)
	switch {
	case err.State == types.QueryExecutionStateCancelled:
		return model.KindTimeout
	case strings.Contains(reason, "access denied") || strings.Contains(reason, "not authorized"):
		return model.KindPermission
	case err.Category == athenaSystemError || (err.Retryable && err.Category != athenaUserError):
		return model.KindConnectivity
	}
	return model.KindSyntax
}

// awsAPIKind maps AWS API error codes raised before a query execution starts.
// Unknown codes fall through to the generic checks.
func awsAPIKind(code string) (model.ErrorKind, bool) {
	switch code {
	case "AccessDeniedException", "UnrecognizedClientException", "InvalidSignatureException", "ExpiredTokenException":
		return model.KindPermission, true
	case "TooManyRequestsException", "ThrottlingException":
		return model.KindTimeout, true
	case "InternalServerException", "ServiceUnavailableException":
		return model.KindConnectivity, true
	case "InvalidRequestException":
		return model.KindSyntax, true
	}
	return 0, false
}
