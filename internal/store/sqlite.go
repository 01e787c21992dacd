package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codequay/codequay/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // serializes session writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		backend_kind TEXT,
		backend_id TEXT,
		workspace_path TEXT,
		messages_json TEXT NOT NULL DEFAULT '[]',
		last_active_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(last_active_at) WHERE backend_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS async_jobs (
		job_id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		params_json TEXT,
		status TEXT NOT NULL,
		result_json TEXT,
		error_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_async_jobs_status ON async_jobs(status, created_at);

	CREATE TABLE IF NOT EXISTS session_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		stop_reason TEXT,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		automation_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_session_audit_session ON session_audit(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, user_id, backend_kind, backend_id, workspace_path,
		       messages_json, last_active_at, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	sess, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

func scanSession(scan func(dest ...any) error) (*domain.Session, error) {
	var sess domain.Session
	var backendKind, backendID, workspacePath sql.NullString
	var messagesJSON string
	var lastActive, createdAt, updatedAt int64

	if err := scan(
		&sess.ID, &sess.UserID, &backendKind, &backendID, &workspacePath,
		&messagesJSON, &lastActive, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	sess.BackendKind = backendKind.String
	sess.BackendID = backendID.String
	sess.WorkspacePath = workspacePath.String
	sess.LastActiveAt = time.Unix(lastActive, 0)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)

	if messagesJSON != "" {
		if err := json.Unmarshal([]byte(messagesJSON), &sess.Messages); err != nil {
			return nil, fmt.Errorf("decode session messages: %w", err)
		}
	}
	return &sess, nil
}

// UpsertSession creates or updates a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	messagesJSON, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("encode session messages: %w", err)
	}

	query := `
	INSERT INTO sessions (session_id, user_id, backend_kind, backend_id, workspace_path,
		messages_json, last_active_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		backend_kind = excluded.backend_kind,
		backend_id = excluded.backend_id,
		workspace_path = excluded.workspace_path,
		messages_json = excluded.messages_json,
		last_active_at = excluded.last_active_at,
		updated_at = excluded.updated_at`

	var backendKind, backendID, workspacePath any
	if session.BackendKind != "" {
		backendKind = session.BackendKind
	}
	if session.BackendID != "" {
		backendID = session.BackendID
	}
	if session.WorkspacePath != "" {
		workspacePath = session.WorkspacePath
	}

	_, err = s.db.ExecContext(ctx, query,
		session.ID, session.UserID, backendKind, backendID, workspacePath,
		string(messagesJSON), session.LastActiveAt.Unix(),
		session.CreatedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// TouchSession bumps the last-active timestamp for a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	query := `UPDATE sessions SET last_active_at = ?, updated_at = ? WHERE session_id = ?`
	result, err := s.db.ExecContext(ctx, query, at.Unix(), time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("TouchSession affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// GetIdleSessions retrieves backend-bound sessions idle past the TTL.
func (s *SQLiteStore) GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT session_id, user_id, backend_kind, backend_id, workspace_path,
		       messages_json, last_active_at, created_at, updated_at
		FROM sessions WHERE backend_id IS NOT NULL AND last_active_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return sessions, nil
}

// ClearSessionBackend detaches a session from its backend instance.
func (s *SQLiteStore) ClearSessionBackend(ctx context.Context, sessionID string, expectedBackendID string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	query := `UPDATE sessions SET backend_id = NULL, backend_kind = NULL, updated_at = ? WHERE session_id = ?`
	args := []any{time.Now().Unix(), sessionID}

	if expectedBackendID != "" {
		query += ` AND backend_id = ?`
		args = append(args, expectedBackendID)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("clear session backend: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("ClearSessionBackend affected 0 rows",
			"session_id", sessionID, "expected_backend_id", expectedBackendID)
		if expectedBackendID != "" {
			return fmt.Errorf("optimistic lock failed: backend_id does not match expected id")
		}
		return fmt.Errorf("session not found")
	}
	return nil
}

// DeleteExpiredSessions removes session rows idle past the TTL.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_active_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// CreateJob persists a new job record with status pending.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.AsyncJob) error {
	query := `
		INSERT INTO async_jobs (job_id, method, params_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	var params any
	if len(job.Params) > 0 {
		params = string(job.Params)
	}

	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Method, params, string(domain.JobStatusPending),
		job.CreatedAt.Unix(), job.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.AsyncJob, error) {
	query := `
		SELECT job_id, method, params_json, status, result_json, error_json, created_at, updated_at
		FROM async_jobs WHERE job_id = ?`

	row := s.db.QueryRowContext(ctx, query, jobID)

	var job domain.AsyncJob
	var params, result, errPayload sql.NullString
	var status string
	var createdAt, updatedAt int64

	err := row.Scan(&job.ID, &job.Method, &params, &status, &result, &errPayload, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job row: %w", err)
	}

	job.Status = domain.JobStatus(status)
	if params.Valid {
		job.Params = json.RawMessage(params.String)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if errPayload.Valid {
		job.Error = json.RawMessage(errPayload.String)
	}
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	return &job, nil
}

// MarkJobProcessing transitions pending -> processing. The guarded UPDATE
// keeps the exactly-twice mutation invariant under concurrent workers.
func (s *SQLiteStore) MarkJobProcessing(ctx context.Context, jobID string) error {
	return s.transitionJob(ctx, jobID, domain.JobStatusPending, domain.JobStatusProcessing, "", "")
}

// CompleteJob transitions processing -> completed with a result payload.
func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	return s.transitionJob(ctx, jobID, domain.JobStatusProcessing, domain.JobStatusCompleted, string(result), "")
}

// FailJob transitions a pending or processing job to failed with an error
// payload. Pending is accepted so a job that never reached a worker (enqueue
// failure, restart sweep) carries its error instead of staying pending
// forever.
func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, errPayload json.RawMessage) error {
	query := `UPDATE async_jobs SET status = ?, updated_at = ?, error_json = ?
	          WHERE job_id = ? AND status IN (?, ?)`
	res, err := execWithBusyRetry(ctx, s.db, query,
		string(domain.JobStatusFailed), time.Now().Unix(), string(errPayload),
		jobID, string(domain.JobStatusPending), string(domain.JobStatusProcessing))
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s -> failed: %w", jobID, ErrJobTransition)
	}
	return nil
}

func (s *SQLiteStore) transitionJob(ctx context.Context, jobID string, from, to domain.JobStatus, result, errPayload string) error {
	query := `UPDATE async_jobs SET status = ?, updated_at = ?`
	args := []any{string(to), time.Now().Unix()}
	if result != "" {
		query += `, result_json = ?`
		args = append(args, result)
	}
	if errPayload != "" {
		query += `, error_json = ?`
		args = append(args, errPayload)
	}
	query += ` WHERE job_id = ? AND status = ?`
	args = append(args, jobID, string(from))

	res, err := execWithBusyRetry(ctx, s.db, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s %s -> %s: %w", jobID, from, to, ErrJobTransition)
	}
	return nil
}

// AppendAuditRecord appends one prompt audit entry.
func (s *SQLiteStore) AppendAuditRecord(ctx context.Context, rec *domain.PromptAuditRecord) error {
	var automationJSON any
	if rec.Automation != nil {
		raw, err := json.Marshal(rec.Automation)
		if err != nil {
			return fmt.Errorf("encode automation summary: %w", err)
		}
		automationJSON = string(raw)
	}

	query := `
		INSERT INTO session_audit (session_id, ts, stop_reason, input_tokens, output_tokens, automation_json)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := execWithBusyRetry(ctx, s.db, query,
		rec.SessionID, rec.Timestamp.Unix(), rec.StopReason,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, automationJSON,
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// ListAuditRecords returns the most recent audit entries for a session,
// oldest first.
func (s *SQLiteStore) ListAuditRecords(ctx context.Context, sessionID string, limit int) ([]*domain.PromptAuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, ts, stop_reason, input_tokens, output_tokens, automation_json
		FROM (
			SELECT * FROM session_audit WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close audit rows", "error", closeErr)
		}
	}()

	var records []*domain.PromptAuditRecord
	for rows.Next() {
		var rec domain.PromptAuditRecord
		var stopReason, automationJSON sql.NullString
		var ts int64

		if err := rows.Scan(&rec.ID, &rec.SessionID, &ts, &stopReason,
			&rec.Usage.InputTokens, &rec.Usage.OutputTokens, &automationJSON); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}

		rec.Timestamp = time.Unix(ts, 0)
		rec.StopReason = stopReason.String
		if automationJSON.Valid {
			var summary domain.AutomationSummary
			if err := json.Unmarshal([]byte(automationJSON.String), &summary); err != nil {
				return nil, fmt.Errorf("decode automation summary: %w", err)
			}
			rec.Automation = &summary
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

// isSQLiteConflict reports a SQLITE_BUSY / "database is locked" error.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// execWithBusyRetry retries a write with exponential backoff when the
// database is locked by another connection.
func execWithBusyRetry(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var res sql.Result
	var err error
	for i := 0; i < maxRetries; i++ {
		res, err = db.ExecContext(ctx, query, args...)
		if err == nil || !isSQLiteConflict(err) {
			return res, err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
			slog.Debug("Write failed with SQLITE_BUSY, retrying", "attempt", i+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return res, fmt.Errorf("after %d attempts: %w", maxRetries, err)
}
