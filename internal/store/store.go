// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/coach-intake/internal/domain"
)

// ErrNotFound is returned when a requested session does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional write lost to a concurrent one.
var ErrConflict = errors.New("session changed concurrently")

// Repository persists users and collection sessions.
//
// Sessions are opaque documents keyed by (userID, sessionID). A few fields
// are mirrored into indexed columns so the lock can be compared and set
// atomically and active sessions can be found by conversation.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetSession returns one session or ErrNotFound.
	GetSession(ctx context.Context, userID, sessionID string) (domain.Session, error)

	// ListActiveSessions returns the non-deleted sessions of a user for one
	// domain and conversation, most recently active first.
	ListActiveSessions(ctx context.Context, userID, domainName, conversationID string) ([]domain.Session, error)

	// ListRecentSessions returns a user's sessions for one domain, including
	// retired ones, most recently active first.
	ListRecentSessions(ctx context.Context, userID, domainName string, limit int) ([]domain.Session, error)

	// PutSession writes the whole session document unconditionally.
	PutSession(ctx context.Context, s domain.Session) error

	// CompareAndPutSession writes s only if the stored lock status is one of
	// expected. A soft-deleted session is only overwritten by a soft-deleted
	// s, so a retired session never becomes live again. It reports false
	// without error when the comparison fails and returns ErrNotFound when
	// there is nothing stored.
	CompareAndPutSession(ctx context.Context, s domain.Session, expected ...domain.LockStatus) (bool, error)

	// UpdateActiveSession writes s only while the stored session is not
	// soft-deleted and its lock status is still expected. It reports false
	// without error when either check fails and returns ErrNotFound when
	// there is nothing stored. Retired sessions are never revived by it.
	UpdateActiveSession(ctx context.Context, s domain.Session, expected domain.LockStatus) (bool, error)

	// AppendMessage atomically appends one message to the stored history
	// without touching any other field.
	AppendMessage(ctx context.Context, userID, sessionID string, msg domain.Message) error

	// ListStaleGenerations returns sessions whose lock entered IN_PROGRESS
	// before startedBefore.
	ListStaleGenerations(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Session, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

func lockStatus(s domain.Session) domain.LockStatus {
	if s.Lock.Status == "" {
		return domain.LockNotStarted
	}
	return s.Lock.Status
}

func normalize(s domain.Session) domain.Session {
	out := s.Clone()
	out.Lock.Status = lockStatus(s)
	if out.Slots == nil {
		out.Slots = map[string]domain.Slot{}
	}
	if out.History == nil {
		out.History = []domain.Message{}
	}
	return out
}
