package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/cenkalti/backoff/v5"
)

// Athena DSN:
//
//	athena://[ACCESS_KEY_ID:SECRET@]REGION/DATABASE?s3_staging_dir=s3://bucket/prefix/&work_group=primary
//
// Optional parameters: catalog (default AwsDataCatalog) and poll_interval
// (default 200ms, grows to 2s while a query runs). Without credentials in the
// DSN the default AWS credential chain is used.

const (
	defaultAthenaCatalog = "AwsDataCatalog"
	defaultAthenaPoll    = 200 * time.Millisecond
	maxAthenaPoll        = 2 * time.Second
	athenaStopTimeout    = 5 * time.Second
)

func init() {
	sql.Register(DriverAthena, athenaDriver{})
}

// athenaAPI is the part of the Athena client the driver uses.
type athenaAPI interface {
	athena.GetQueryResultsAPIClient
	StartQueryExecution(ctx context.Context, in *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, in *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	StopQueryExecution(ctx context.Context, in *athena.StopQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StopQueryExecutionOutput, error)
	GetDatabase(ctx context.Context, in *athena.GetDatabaseInput, optFns ...func(*athena.Options)) (*athena.GetDatabaseOutput, error)
}

type athenaConfig struct {
	Region          string
	Database        string
	Catalog         string
	WorkGroup       string
	OutputLocation  string
	AccessKeyID     string
	SecretAccessKey string
	PollInterval    time.Duration
}

func parseAthenaDSN(dsn string) (athenaConfig, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return athenaConfig{}, fmt.Errorf("invalid athena DSN: %w", err)
	}
	if u.Scheme != "athena" && u.Scheme != "awsathena" {
		return athenaConfig{}, fmt.Errorf("invalid athena DSN: scheme %q, want athena://", u.Scheme)
	}

	q := u.Query()
	cfg := athenaConfig{
		Region:         u.Hostname(),
		Database:       strings.Trim(u.Path, "/"),
		Catalog:        q.Get("catalog"),
		WorkGroup:      q.Get("work_group"),
		OutputLocation: q.Get("s3_staging_dir"),
		PollInterval:   defaultAthenaPoll,
	}
	if u.User != nil {
		cfg.AccessKeyID = u.User.Username()
		cfg.SecretAccessKey, _ = u.User.Password()
	}
	if cfg.Catalog == "" {
		cfg.Catalog = defaultAthenaCatalog
	}
	if v := q.Get("poll_interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return athenaConfig{}, fmt.Errorf("invalid athena DSN: poll_interval %q", v)
		}
		cfg.PollInterval = d
	}

	var errs []error
	if cfg.Region == "" {
		errs = append(errs, errors.New("region is required"))
	}
	if cfg.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if cfg.OutputLocation == "" && cfg.WorkGroup == "" {
		errs = append(errs, errors.New("s3_staging_dir or work_group is required"))
	}
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		errs = append(errs, errors.New("access key id and secret must be given together"))
	}
	if len(errs) > 0 {
		return athenaConfig{}, fmt.Errorf("invalid athena DSN: %w", errors.Join(errs...))
	}
	return cfg, nil
}

type athenaDriver struct{}

func (athenaDriver) Open(dsn string) (driver.Conn, error) {
	c, err := athenaDriver{}.OpenConnector(dsn)
	if err != nil {
		return nil, err
	}
	return c.Connect(context.Background())
}

// OpenConnector loads the AWS configuration once; every pooled connection
// shares the resulting client.
func (athenaDriver) OpenConnector(dsn string) (driver.Connector, error) {
	cfg, err := parseAthenaDSN(dsn)
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &athenaConnector{client: athena.NewFromConfig(awsCfg), cfg: cfg}, nil
}

type athenaConnector struct {
	client athenaAPI
	cfg    athenaConfig
}

func (c *athenaConnector) Connect(context.Context) (driver.Conn, error) {
	return &athenaConn{client: c.client, cfg: c.cfg}, nil
}

func (c *athenaConnector) Driver() driver.Driver {
	return athenaDriver{}
}

// athenaConn runs each query as one Athena query execution. Athena holds no
// per-connection state, so a connection is only a handle on the client.
type athenaConn struct {
	client athenaAPI
	cfg    athenaConfig
}

var (
	_ driver.QueryerContext = (*athenaConn)(nil)
	_ driver.Pinger         = (*athenaConn)(nil)
)

func (c *athenaConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("athena: prepared statements are not supported")
}

func (c *athenaConn) Begin() (driver.Tx, error) {
	return nil, errors.New("athena: transactions are not supported")
}

func (c *athenaConn) Close() error { return nil }

func (c *athenaConn) Ping(ctx context.Context) error {
	_, err := c.client.GetDatabase(ctx, &athena.GetDatabaseInput{
		CatalogName:  aws.String(c.cfg.Catalog),
		DatabaseName: aws.String(c.cfg.Database),
	})
	return err
}

func (c *athenaConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if len(args) > 0 {
		return nil, errors.New("athena: query parameters are not supported")
	}

	in := &athena.StartQueryExecutionInput{
		QueryString: aws.String(query),
		QueryExecutionContext: &types.QueryExecutionContext{
			Catalog:  aws.String(c.cfg.Catalog),
			Database: aws.String(c.cfg.Database),
		},
	}
	if c.cfg.WorkGroup != "" {
		in.WorkGroup = aws.String(c.cfg.WorkGroup)
	}
	if c.cfg.OutputLocation != "" {
		in.ResultConfiguration = &types.ResultConfiguration{OutputLocation: aws.String(c.cfg.OutputLocation)}
	}

	started, err := c.client.StartQueryExecution(ctx, in)
	if err != nil {
		return nil, err
	}
	id := aws.ToString(started.QueryExecutionId)

	if err := c.wait(ctx, id); err != nil {
		return nil, err
	}
	return c.results(ctx, id)
}

// wait polls the execution until it finishes. A cancelled context stops the
// execution so Athena does not keep scanning for nobody.
func (c *athenaConn) wait(ctx context.Context, id string) error {
	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = c.cfg.PollInterval
	poll.MaxInterval = max(maxAthenaPoll, c.cfg.PollInterval)
	poll.Reset()

	for {
		out, err := c.client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{QueryExecutionId: aws.String(id)})
		if err != nil {
			if ctx.Err() != nil {
				c.stop(ctx, id)
			}
			return err
		}

		var status types.QueryExecutionStatus
		if out.QueryExecution != nil && out.QueryExecution.Status != nil {
			status = *out.QueryExecution.Status
		}
		switch status.State {
		case types.QueryExecutionStateSucceeded:
			return nil
		case types.QueryExecutionStateFailed, types.QueryExecutionStateCancelled:
			return newAthenaQueryError(id, status)
		}

		timer := time.NewTimer(poll.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			c.stop(ctx, id)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *athenaConn) stop(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), athenaStopTimeout)
	defer cancel()
	_, _ = c.client.StopQueryExecution(ctx, &athena.StopQueryExecutionInput{QueryExecutionId: aws.String(id)})
}

// results reads every page. The first row of a SELECT result repeats the
// column labels and is dropped.
func (c *athenaConn) results(ctx context.Context, id string) (driver.Rows, error) {
	rows := &athenaRows{}
	pages := athena.NewGetQueryResultsPaginator(c.client, &athena.GetQueryResultsInput{QueryExecutionId: aws.String(id)})
	first := true
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		if page.ResultSet == nil {
			continue
		}
		if first && page.ResultSet.ResultSetMetadata != nil {
			for _, col := range page.ResultSet.ResultSetMetadata.ColumnInfo {
				rows.columns = append(rows.columns, aws.ToString(col.Name))
			}
		}
		for i, r := range page.ResultSet.Rows {
			if first && i == 0 && isHeaderRow(r, rows.columns) {
				continue
			}
			values := make([]driver.Value, len(r.Data))
			for j, d := range r.Data {
				if d.VarCharValue != nil {
					values[j] = *d.VarCharValue
				}
			}
			rows.values = append(rows.values, values)
		}
		first = false
	}
	return rows, nil
}

func isHeaderRow(r types.Row, columns []string) bool {
	if len(columns) == 0 || len(r.Data) != len(columns) {
		return false
	}
	for i, d := range r.Data {
		if aws.ToString(d.VarCharValue) != columns[i] {
			return false
		}
	}
	return true
}

type athenaRows struct {
	columns []string
	values  [][]driver.Value
	next    int
}

func (r *athenaRows) Columns() []string { return r.columns }

func (r *athenaRows) Close() error { return nil }

func (r *athenaRows) Next(dest []driver.Value) error {
	if r.next >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.next])
	r.next++
	return nil
}

// AthenaQueryError is a query execution that ended FAILED or CANCELLED.
type AthenaQueryError struct {
	QueryExecutionID string
	State            types.QueryExecutionState
	Reason           string
	Category         int32 // 1 system, 2 user, 3 other
	Retryable        bool
}

func newAthenaQueryError(id string, status types.QueryExecutionStatus) *AthenaQueryError {
	e := &AthenaQueryError{
		QueryExecutionID: id,
		State:            status.State,
		Reason:           aws.ToString(status.StateChangeReason),
	}
	if ae := status.AthenaError; ae != nil {
		e.Category = aws.ToInt32(ae.ErrorCategory)
		e.Retryable = ae.Retryable
		if e.Reason == "" {
			e.Reason = aws.ToString(ae.ErrorMessage)
		}
	}
	return e
}

func (e *AthenaQueryError) Error() string {
	return fmt.Sprintf("athena query %s %s: %s", e.QueryExecutionID, strings.ToLower(string(e.State)), e.Reason)
}
