// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/codequay/codequay/internal/domain"
)

// ErrJobTransition is returned when a job status update does not match the
// expected prior state. Job rows move pending -> processing -> terminal and
// are immutable afterward.
var ErrJobTransition = errors.New("invalid job status transition")

// Repository defines the interface for persisting sessions, async jobs and
// the per-session audit trail. Only the dispatcher writes to the job and
// audit tables.
type Repository interface {
	// GetSession retrieves a session by id. Returns (nil, nil) when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpsertSession creates or updates a session record.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// TouchSession bumps the last-active timestamp for a session.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// GetIdleSessions retrieves sessions bound to a backend whose last
	// activity exceeds the TTL.
	GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error)

	// ClearSessionBackend detaches a session from its backend instance.
	// If expectedBackendID is non-empty the update only happens when the
	// current binding matches (optimistic locking).
	ClearSessionBackend(ctx context.Context, sessionID string, expectedBackendID string) error

	// DeleteExpiredSessions removes session rows idle past the TTL.
	DeleteExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// CreateJob persists a new job record with status pending.
	CreateJob(ctx context.Context, job *domain.AsyncJob) error

	// GetJob retrieves a job by id. Returns (nil, nil) when absent.
	GetJob(ctx context.Context, jobID string) (*domain.AsyncJob, error)

	// MarkJobProcessing transitions pending -> processing.
	MarkJobProcessing(ctx context.Context, jobID string) error

	// CompleteJob transitions processing -> completed with a result payload.
	CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error

	// FailJob transitions pending or processing -> failed with an error
	// payload. Pending is accepted so jobs that never reach a worker are
	// not stranded.
	FailJob(ctx context.Context, jobID string, errPayload json.RawMessage) error

	// AppendAuditRecord appends one prompt audit entry. Append-only.
	AppendAuditRecord(ctx context.Context, rec *domain.PromptAuditRecord) error

	// ListAuditRecords returns the most recent audit entries for a session,
	// oldest first, bounded by limit.
	ListAuditRecords(ctx context.Context, sessionID string, limit int) ([]*domain.PromptAuditRecord, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
