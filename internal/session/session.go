// Package session owns creation, persistence and retirement of collection
// sessions. Persist is the single point where session state becomes durable.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/slots"
	"github.com/ashureev/coach-intake/internal/store"
)

// Key identifies the conversation a session belongs to.
type Key struct {
	Domain         string
	ConversationID string
	CoachID        string
}

// Schemas resolves the slot schema for a domain.
type Schemas interface {
	Get(name string) (domain.SlotSchema, error)
}

// Manager is the session lifecycle manager.
type Manager struct {
	repo    store.Repository
	schemas Schemas
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDs overrides session id generation.
func WithIDs(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager returns a Manager backed by repo.
func NewManager(repo store.Repository, schemas Schemas, opts ...Option) *Manager {
	m := &Manager{
		repo:    repo,
		schemas: schemas,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time { return m.now() }

// Load returns the active session for (userID, key), if any.
func (m *Manager) Load(ctx context.Context, userID string, key Key) (domain.Session, bool, error) {
	active, err := m.repo.ListActiveSessions(ctx, userID, key.Domain, key.ConversationID)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("load session: %w", err)
	}
	if len(active) == 0 {
		return domain.Session{}, false, nil
	}
	if len(active) > 1 {
		m.logger.Warn("multiple active sessions for conversation",
			"user_id", userID,
			"domain", key.Domain,
			"conversation_id", key.ConversationID,
			"count", len(active),
		)
	}
	return active[0], true, nil
}

// Get returns one session by id.
func (m *Manager) Get(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	s, err := m.repo.GetSession(ctx, userID, sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// CreateEmpty builds a new, unpersisted session with every slot pending.
func (m *Manager) CreateEmpty(userID string, key Key, schema domain.SlotSchema) domain.Session {
	now := m.now().UTC()
	return domain.Session{
		UserID:         userID,
		SessionID:      m.newID(),
		Domain:         schema.Domain,
		ConversationID: key.ConversationID,
		CoachID:        key.CoachID,
		Slots:          slots.CreateEmpty(schema),
		History:        []domain.Message{},
		StartedAt:      now,
		LastActivity:   now,
		Lock:           domain.NewGenerationLock(),
	}
}

// Start retires every active session of the conversation and persists a
// fresh one.
func (m *Manager) Start(ctx context.Context, userID string, key Key, schema domain.SlotSchema) (domain.Session, error) {
	active, err := m.repo.ListActiveSessions(ctx, userID, key.Domain, key.ConversationID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("start session: %w", err)
	}
	for _, prior := range active {
		if _, err := m.CancelLatest(ctx, prior, domain.DeleteReasonSuperseded); err != nil {
			return domain.Session{}, fmt.Errorf("start session: %w", err)
		}
	}

	s := m.CreateEmpty(userID, key, schema)
	if err := s.Validate(schema); err != nil {
		return domain.Session{}, fmt.Errorf("start session: %w", err)
	}
	if err := m.repo.PutSession(ctx, s); err != nil {
		return domain.Session{}, fmt.Errorf("start session: %w", err)
	}
	m.logger.Info("collection session started",
		"user_id", userID,
		"session_id", s.SessionID,
		"domain", s.Domain,
		"superseded", len(active),
	)
	return s, nil
}

// AppendTurn records a user message and advances the turn counter.
func (m *Manager) AppendTurn(s domain.Session, msg domain.Message) domain.Session {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}
	return s.WithUserTurn(msg)
}

// Cancel soft-deletes s with reason and persists it. It fails with
// store.ErrConflict when the stored session moved on since s was loaded.
func (m *Manager) Cancel(ctx context.Context, s domain.Session, reason string) (domain.Session, error) {
	out := s.SoftDelete(m.now().UTC(), reason)
	if err := m.update(ctx, s, out); err != nil {
		return s, fmt.Errorf("cancel session: %w", err)
	}
	m.logger.Info("collection session cancelled",
		"user_id", s.UserID,
		"session_id", s.SessionID,
		"reason", reason,
	)
	return out, nil
}

// CancelLatest is Cancel for callers that only care about the outcome. On a
// conflict it reloads once: a session already retired is returned as is,
// otherwise the fresh copy is cancelled.
func (m *Manager) CancelLatest(ctx context.Context, s domain.Session, reason string) (domain.Session, error) {
	out, err := m.Cancel(ctx, s, reason)
	if !errors.Is(err, store.ErrConflict) {
		return out, err
	}
	current, err := m.Get(ctx, s.UserID, s.SessionID)
	if err != nil {
		return s, err
	}
	if current.IsDeleted {
		return current, nil
	}
	return m.Cancel(ctx, current, reason)
}

// Persist validates s against its schema and makes it durable. The write
// only lands while the stored session is live and still holds the lock
// status s was loaded with; otherwise it fails with store.ErrConflict and
// nothing is written.
func (m *Manager) Persist(ctx context.Context, s domain.Session) error {
	schema, err := m.schemas.Get(s.Domain)
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	if err := s.Validate(schema); err != nil {
		return fmt.Errorf("persist session %s: %w", s.SessionID, err)
	}
	if err := m.update(ctx, s, s); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// update writes next in place of loaded.
func (m *Manager) update(ctx context.Context, loaded, next domain.Session) error {
	expected := loaded.Lock.Status
	if expected == "" {
		expected = domain.LockNotStarted
	}
	ok, err := m.repo.UpdateActiveSession(ctx, next, expected)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Warn("stale session write rejected",
			"user_id", loaded.UserID,
			"session_id", loaded.SessionID,
			"lock_status", expected,
		)
		return fmt.Errorf("session %s: %w", loaded.SessionID, store.ErrConflict)
	}
	return nil
}

// AppendMessage appends msg to the stored history without rewriting the
// rest of the document, so a lock written since s was loaded is preserved.
// The turn counter is not advanced.
func (m *Manager) AppendMessage(ctx context.Context, s domain.Session, msg domain.Message) (domain.Session, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}
	if err := m.repo.AppendMessage(ctx, s.UserID, s.SessionID, msg); err != nil {
		return s, fmt.Errorf("append %s message: %w", msg.Role, err)
	}
	return s.WithMessage(msg), nil
}

// AppendAssistantMessage is AppendMessage for assistant output.
func (m *Manager) AppendAssistantMessage(ctx context.Context, s domain.Session, msg domain.Message) (domain.Session, error) {
	msg.Role = domain.RoleAssistant
	return m.AppendMessage(ctx, s, msg)
}
