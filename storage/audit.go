package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/richinex/mped/model"
)

// TurnRecord is one answered question as written to the audit log.
type TurnRecord struct {
	ID         int64
	SessionID  string
	Question   string
	Answer     string
	Outcome    string
	Iterations int
	CreatedAt  time.Time
	Attempts   []model.QueryAttempt
}

// AttemptRecord is one query attempt as read back from the audit log.
type AttemptRecord struct {
	Iteration  int
	Query      string
	Executed   string
	Tables     []string
	RowCount   int
	Error      string
	Rejected   bool
	RetryCount int
	Duration   time.Duration
}

// AuditLog keeps the provenance of every answer for the life of the process.
// It is an in-memory SQLite database; nothing is written to disk.
// Thread-safe: a single pooled connection serializes access.
type AuditLog struct {
	db *sql.DB
}

// NewAuditLog creates an empty in-memory audit log.
func NewAuditLog() (*AuditLog, error) {
	db, err := sql.Open(DriverSQLite, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory audit log: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	log := &AuditLog{db: db}
	if err := log.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return log, nil
}

// Close closes the database.
func (l *AuditLog) Close() error {
	return l.db.Close()
}

func (l *AuditLog) createSchema() error {
	schema := `
		PRAGMA foreign_keys = ON;

		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			outcome TEXT NOT NULL,
			iterations INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session
		ON turns(session_id, id);

		CREATE TABLE IF NOT EXISTS attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id INTEGER NOT NULL,
			iteration INTEGER NOT NULL,
			query TEXT NOT NULL,
			executed TEXT NOT NULL,
			tables TEXT NOT NULL,
			row_count INTEGER NOT NULL,
			error TEXT,
			rejected INTEGER NOT NULL,
			retry_count INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			FOREIGN KEY (turn_id) REFERENCES turns(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_attempts_turn
		ON attempts(turn_id, id);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordTurn writes a turn and its attempts in one transaction and returns the turn id.
func (l *AuditLog) RecordTurn(ctx context.Context, rec TurnRecord) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	// defer tx.Rollback() is safe even after Commit() - it becomes a no-op
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (session_id) VALUES (?)", rec.SessionID); err != nil {
		return 0, fmt.Errorf("failed to ensure session: %w", err)
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO turns (session_id, question, answer, outcome, iterations, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.SessionID, rec.Question, rec.Answer, rec.Outcome, rec.Iterations, created.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to insert turn: %w", err)
	}
	turnID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read turn id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO attempts
		(turn_id, iteration, query, executed, tables, row_count, error, rejected, retry_count, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	for _, a := range rec.Attempts {
		var errText any
		if a.Err != nil {
			errText = a.Err.Error()
		}
		_, err = stmt.ExecContext(ctx,
			turnID, a.Iteration, a.Query, a.Executed, strings.Join(a.Tables, ","),
			a.Rows.Len(), errText, a.Rejected, a.RetryCount, a.Duration.Milliseconds())
		if err != nil {
			return 0, fmt.Errorf("failed to insert attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return turnID, nil
}

// Turns returns the recorded turns of a session, oldest first, without attempts.
// Returns an empty slice if the session has none.
func (l *AuditLog) Turns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, session_id, question, answer, outcome, iterations, created_at
		FROM turns WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	turns := []TurnRecord{}
	for rows.Next() {
		var r TurnRecord
		var created int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Question, &r.Answer, &r.Outcome, &r.Iterations, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		turns = append(turns, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}
	return turns, nil
}

// Attempts returns the attempts recorded for a turn in execution order.
func (l *AuditLog) Attempts(ctx context.Context, turnID int64) ([]AttemptRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT iteration, query, executed, tables, row_count, error, rejected, retry_count, duration_ms
		FROM attempts WHERE turn_id = ? ORDER BY id ASC`, turnID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	attempts := []AttemptRecord{}
	for rows.Next() {
		var a AttemptRecord
		var tables string
		var errText sql.NullString
		var durationMs int64
		if err := rows.Scan(&a.Iteration, &a.Query, &a.Executed, &tables, &a.RowCount,
			&errText, &a.Rejected, &a.RetryCount, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if tables != "" {
			a.Tables = strings.Split(tables, ",")
		}
		if errText.Valid {
			a.Error = errText.String
		}
		a.Duration = time.Duration(durationMs) * time.Millisecond
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}

// DeleteSession removes a session with its turns and attempts.
func (l *AuditLog) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := l.db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Sessions lists the session ids with at least one recorded turn.
func (l *AuditLog) Sessions(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT session_id FROM sessions ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}
