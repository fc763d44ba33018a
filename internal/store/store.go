// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/numismatch/numismatch/internal/domain"
)

// StoredReport is a finished appraisal report together with its ownership
// metadata, as persisted per invocation.
type StoredReport struct {
	InvocationID string
	UserID       string
	SessionID    string
	Report       *domain.AppraisalReport
	CreatedAt    time.Time
}

// Repository defines the interface for persisting sessions, appraisal
// reports and feedback.
type Repository interface {
	// GetSession retrieves a conversation session. Returns nil when the
	// session does not exist.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error)

	// UpsertSession creates or updates a conversation session.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// ListSessions returns all sessions of a user, most recently updated
	// first.
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// SaveReport persists a finished appraisal report by invocation ID.
	SaveReport(ctx context.Context, report *StoredReport) error

	// GetReport retrieves a stored report. Returns nil when the invocation
	// is unknown.
	GetReport(ctx context.Context, invocationID string) (*StoredReport, error)

	// SaveFeedback persists user feedback on an appraisal.
	SaveFeedback(ctx context.Context, fb *domain.Feedback) error

	// CleanupExpiredSessions removes sessions idle longer than TTL.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
