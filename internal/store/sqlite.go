package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
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

	store := &SQLiteStore{db: db, retry: shared.DefaultRetry}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS intake_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		is_deleted INTEGER NOT NULL DEFAULT 0,
		is_complete INTEGER NOT NULL DEFAULT 0,
		lock_status TEXT NOT NULL DEFAULT 'NOT_STARTED',
		lock_started_at INTEGER,
		last_activity INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		doc TEXT NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_intake_active
		ON intake_sessions(user_id, domain, conversation_id) WHERE is_deleted = 0;
	CREATE INDEX IF NOT EXISTS idx_intake_lock
		ON intake_sessions(lock_started_at) WHERE lock_status = 'IN_PROGRESS';
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

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, display_name, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.DisplayName, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, display_name, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		display_name = excluded.display_name,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.DisplayName, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

const sessionColumns = `doc`

func scanSession(row interface{ Scan(...any) error }) (domain.Session, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		return domain.Session{}, err
	}
	var sess domain.Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return domain.Session{}, fmt.Errorf("decode session document: %w", err)
	}
	return sess, nil
}

// GetSession returns one session or ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM intake_sessions WHERE user_id = ? AND session_id = ?`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, userID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("session %s/%s: %w", userID, sessionID, ErrNotFound)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListActiveSessions returns non-deleted sessions for one conversation.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context, userID, domainName, conversationID string) ([]domain.Session, error) {
	query := `
		SELECT ` + sessionColumns + ` FROM intake_sessions
		WHERE user_id = ? AND domain = ? AND conversation_id = ? AND is_deleted = 0
		ORDER BY last_activity DESC`
	return s.querySessions(ctx, "list active sessions", query, userID, domainName, conversationID)
}

// ListRecentSessions returns a user's sessions for a domain, newest first.
func (s *SQLiteStore) ListRecentSessions(ctx context.Context, userID, domainName string, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 5
	}
	query := `
		SELECT ` + sessionColumns + ` FROM intake_sessions
		WHERE user_id = ? AND domain = ?
		ORDER BY last_activity DESC LIMIT ?`
	return s.querySessions(ctx, "list recent sessions", query, userID, domainName, limit)
}

// ListStaleGenerations returns sessions stuck in IN_PROGRESS.
func (s *SQLiteStore) ListStaleGenerations(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + sessionColumns + ` FROM intake_sessions
		WHERE lock_status = 'IN_PROGRESS' AND lock_started_at < ?
		ORDER BY lock_started_at LIMIT ?`
	return s.querySessions(ctx, "list stale generations", query, startedBefore.UnixMilli(), limit)
}

func (s *SQLiteStore) querySessions(ctx context.Context, op, query string, args ...any) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "op", op, "error", closeErr)
		}
	}()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

type sessionRow struct {
	doc           string
	lockStatus    string
	lockStartedAt any
	lastActivity  int64
}

func encodeSession(sess domain.Session) (domain.Session, sessionRow, error) {
	sess = normalize(sess)
	data, err := json.Marshal(sess)
	if err != nil {
		return sess, sessionRow{}, fmt.Errorf("encode session document: %w", err)
	}
	row := sessionRow{
		doc:          string(data),
		lockStatus:   string(sess.Lock.Status),
		lastActivity: sess.LastActivity.UnixMilli(),
	}
	if sess.Lock.StartedAt != nil {
		row.lockStartedAt = sess.Lock.StartedAt.UnixMilli()
	}
	return sess, row, nil
}

// PutSession writes the whole session document.
func (s *SQLiteStore) PutSession(ctx context.Context, sess domain.Session) error {
	sess, row, err := encodeSession(sess)
	if err != nil {
		return err
	}
	query := `
	INSERT INTO intake_sessions (
		user_id, session_id, domain, conversation_id, is_deleted, is_complete,
		lock_status, lock_started_at, last_activity, updated_at, doc
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, session_id) DO UPDATE SET
		domain = excluded.domain,
		conversation_id = excluded.conversation_id,
		is_deleted = excluded.is_deleted,
		is_complete = excluded.is_complete,
		lock_status = excluded.lock_status,
		lock_started_at = excluded.lock_started_at,
		last_activity = excluded.last_activity,
		updated_at = excluded.updated_at,
		doc = excluded.doc`

	return shared.RetryOnConflict(ctx, s.retry, "put session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			sess.UserID, sess.SessionID, sess.Domain, sess.ConversationID,
			sess.IsDeleted, sess.IsComplete,
			row.lockStatus, row.lockStartedAt, row.lastActivity, time.Now().UnixMilli(), row.doc,
		)
		if err != nil {
			return fmt.Errorf("put session: %w", err)
		}
		return nil
	})
}

// CompareAndPutSession writes sess only when the stored lock status matches.
func (s *SQLiteStore) CompareAndPutSession(ctx context.Context, sess domain.Session, expected ...domain.LockStatus) (bool, error) {
	if len(expected) == 0 {
		return false, errors.New("compare and put: no expected lock status")
	}
	return s.putIf(ctx, "compare and put session", sess, false, expected)
}

// UpdateActiveSession writes sess only while the stored row is live and its
// lock status is expected.
func (s *SQLiteStore) UpdateActiveSession(ctx context.Context, sess domain.Session, expected domain.LockStatus) (bool, error) {
	return s.putIf(ctx, "update active session", sess, true, []domain.LockStatus{expected})
}

// putIf updates one row when its lock status is in expected. A retired row
// is only written by a retired document, and never when liveOnly is set.
func (s *SQLiteStore) putIf(ctx context.Context, op string, sess domain.Session, liveOnly bool, expected []domain.LockStatus) (bool, error) {
	sess, row, err := encodeSession(sess)
	if err != nil {
		return false, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(expected)), ",")
	query := `
	UPDATE intake_sessions SET
		is_deleted = ?, is_complete = ?, lock_status = ?, lock_started_at = ?,
		last_activity = ?, updated_at = ?, doc = ?
	WHERE user_id = ? AND session_id = ? AND lock_status IN (` + placeholders + `)`

	args := []any{
		sess.IsDeleted, sess.IsComplete, row.lockStatus, row.lockStartedAt,
		row.lastActivity, time.Now().UnixMilli(), row.doc,
		sess.UserID, sess.SessionID,
	}
	for _, st := range expected {
		args = append(args, string(st))
	}
	if liveOnly {
		query += ` AND is_deleted = 0`
	} else {
		query += ` AND (is_deleted = 0 OR ? = 1)`
		args = append(args, sess.IsDeleted)
	}

	var swapped bool
	err = shared.RetryOnConflict(ctx, s.retry, op, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		swapped = n == 1
		return nil
	})
	if err != nil || swapped {
		return swapped, err
	}

	if _, err := s.GetSession(ctx, sess.UserID, sess.SessionID); err != nil {
		return false, err
	}
	return false, nil
}

// AppendMessage appends to the stored history with SQLite's JSON functions
// so concurrent lock writes are never overwritten.
func (s *SQLiteStore) AppendMessage(ctx context.Context, userID, sessionID string, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	ts, err := json.Marshal(msg.Timestamp)
	if err != nil {
		return fmt.Errorf("encode message timestamp: %w", err)
	}

	query := `
	UPDATE intake_sessions SET
		doc = json_set(
			json_insert(doc, '$.conversationHistory[#]', json(?)),
			'$.lastActivity', json(?)),
		last_activity = MAX(last_activity, ?),
		updated_at = ?
	WHERE user_id = ? AND session_id = ?`

	return shared.RetryOnConflict(ctx, s.retry, "append message", func() error {
		result, err := s.db.ExecContext(ctx, query,
			string(data), string(ts), msg.Timestamp.UnixMilli(), time.Now().UnixMilli(),
			userID, sessionID,
		)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("session %s/%s: %w", userID, sessionID, ErrNotFound)
		}
		return nil
	})
}
