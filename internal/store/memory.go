package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/coach-intake/internal/domain"
)

// MemoryStore is an in-process Repository for tests and single-node demos.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]domain.User
	sessions map[string]domain.Session
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		sessions: make(map[string]domain.Session),
	}
}

func sessionKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

// GetUser implements Repository.
func (m *MemoryStore) GetUser(_ context.Context, userID string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// UpsertUser implements Repository.
func (m *MemoryStore) UpsertUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := *user
	if existing, ok := m.users[user.UserID]; ok {
		u.CreatedAt = existing.CreatedAt
	}
	m.users[user.UserID] = u
	return nil
}

// UpdateLastSeen implements Repository.
func (m *MemoryStore) UpdateLastSeen(_ context.Context, userID string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil
	}
	u.LastSeenAt = lastSeen
	u.UpdatedAt = time.Now()
	m.users[userID] = u
	return nil
}

// GetSession implements Repository.
func (m *MemoryStore) GetSession(_ context.Context, userID, sessionID string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(userID, sessionID)]
	if !ok {
		return domain.Session{}, fmt.Errorf("session %s/%s: %w", userID, sessionID, ErrNotFound)
	}
	return s.Clone(), nil
}

// ListActiveSessions implements Repository.
func (m *MemoryStore) ListActiveSessions(_ context.Context, userID, domainName, conversationID string) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Domain == domainName && s.ConversationID == conversationID && !s.IsDeleted {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

// ListRecentSessions implements Repository.
func (m *MemoryStore) ListRecentSessions(_ context.Context, userID, domainName string, limit int) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Domain == domainName {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PutSession implements Repository.
func (m *MemoryStore) PutSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionKey(s.UserID, s.SessionID)] = normalize(s)
	return nil
}

// CompareAndPutSession implements Repository.
func (m *MemoryStore) CompareAndPutSession(_ context.Context, s domain.Session, expected ...domain.LockStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey(s.UserID, s.SessionID)
	cur, ok := m.sessions[key]
	if !ok {
		return false, fmt.Errorf("session %s: %w", key, ErrNotFound)
	}
	if !slices.Contains(expected, lockStatus(cur)) || (cur.IsDeleted && !s.IsDeleted) {
		return false, nil
	}
	m.sessions[key] = normalize(s)
	return true, nil
}

// UpdateActiveSession implements Repository.
func (m *MemoryStore) UpdateActiveSession(_ context.Context, s domain.Session, expected domain.LockStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey(s.UserID, s.SessionID)
	cur, ok := m.sessions[key]
	if !ok {
		return false, fmt.Errorf("session %s: %w", key, ErrNotFound)
	}
	if cur.IsDeleted || lockStatus(cur) != expected {
		return false, nil
	}
	m.sessions[key] = normalize(s)
	return true, nil
}

// AppendMessage implements Repository.
func (m *MemoryStore) AppendMessage(_ context.Context, userID, sessionID string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey(userID, sessionID)
	cur, ok := m.sessions[key]
	if !ok {
		return fmt.Errorf("session %s: %w", key, ErrNotFound)
	}
	m.sessions[key] = cur.WithMessage(msg)
	return nil
}

// ListStaleGenerations implements Repository.
func (m *MemoryStore) ListStaleGenerations(_ context.Context, startedBefore time.Time, limit int) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.Lock.Status == domain.LockInProgress && s.Lock.StartedAt != nil && s.Lock.StartedAt.Before(startedBefore) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lock.StartedAt.Before(*out[j].Lock.StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements Repository.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Repository.
func (m *MemoryStore) Close() error { return nil }
