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
	"sync"
	"time"

	"github.com/ashureev/skillprobe/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an update targets a row that does not exist
// or is no longer in progress.
var ErrNotFound = errors.New("store: not found")

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes multi-statement writes to avoid SQLITE_BUSY
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
	CREATE TABLE IF NOT EXISTS assessment_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		profile_json TEXT NOT NULL,
		focus_skills_json TEXT NOT NULL,
		state TEXT NOT NULL,
		turns INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_state ON assessment_sessions(user_id, state);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON assessment_sessions(updated_at) WHERE state = 'in_progress';

	CREATE TABLE IF NOT EXISTS assessment_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON assessment_messages(session_id, id);

	CREATE TABLE IF NOT EXISTS cooldowns (
		user_id TEXT PRIMARY KEY,
		ends_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bookmarks (
		profile_key TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		session_id TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (profile_key, endpoint)
	);
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

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.AssessmentSession) error {
	profileJSON, err := json.Marshal(session.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	skillsJSON, err := json.Marshal(session.FocusSkills)
	if err != nil {
		return fmt.Errorf("marshal focus skills: %w", err)
	}
	state := session.State
	if state == "" {
		state = domain.SessionInProgress
	}

	query := `
	INSERT INTO assessment_sessions
		(session_id, user_id, profile_json, focus_skills_json, state, turns, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		session.ID, session.UserID, string(profileJSON), string(skillsJSON),
		string(state), session.Turns,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, user_id, profile_json, focus_skills_json, state, turns, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.AssessmentSession, error) {
	var session domain.AssessmentSession
	var profileJSON, skillsJSON, state string
	var createdAt, updatedAt int64

	if err := row.Scan(
		&session.ID, &session.UserID, &profileJSON, &skillsJSON,
		&state, &session.Turns, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(profileJSON), &session.Profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := json.Unmarshal([]byte(skillsJSON), &session.FocusSkills); err != nil {
		return nil, fmt.Errorf("decode focus skills: %w", err)
	}
	session.State = domain.SessionState(state)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.AssessmentSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM assessment_sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// GetActiveSession retrieves the newest in-progress session for a user.
func (s *SQLiteStore) GetActiveSession(ctx context.Context, userID string) (*domain.AssessmentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM assessment_sessions
		WHERE user_id = ? AND state = ?
		ORDER BY updated_at DESC, created_at DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, userID, string(domain.SessionInProgress))
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan active session row: %w", err)
	}
	return session, nil
}

// RecordTurn bumps the turn counter of an in-progress session and returns the new count.
func (s *SQLiteStore) RecordTurn(ctx context.Context, sessionID string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE assessment_sessions SET turns = turns + 1, updated_at = ? WHERE session_id = ? AND state = ?`,
		time.Now().Unix(), sessionID, string(domain.SessionInProgress),
	)
	if err != nil {
		return 0, fmt.Errorf("update turns: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, fmt.Errorf("record turn for %s: %w", sessionID, ErrNotFound)
	}

	var turns int
	if err := s.db.QueryRowContext(ctx, `SELECT turns FROM assessment_sessions WHERE session_id = ?`, sessionID).Scan(&turns); err != nil {
		return 0, fmt.Errorf("read turns: %w", err)
	}
	return turns, nil
}

// SetSessionState moves an in-progress session to state.
func (s *SQLiteStore) SetSessionState(ctx context.Context, sessionID string, state domain.SessionState) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE assessment_sessions SET state = ?, updated_at = ? WHERE session_id = ? AND state = ?`,
		string(state), time.Now().Unix(), sessionID, string(domain.SessionInProgress),
	)
	if err != nil {
		return false, fmt.Errorf("update session state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Debug("SetSessionState affected 0 rows", "session_id", sessionID, "state", state)
	}
	return rows > 0, nil
}

// AppendMessage adds a message to a session transcript.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg domain.PriorMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assessment_messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(msg.Role), msg.Content, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a session transcript in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.PriorMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM assessment_messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []domain.PriorMessage
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, domain.PriorMessage{Role: domain.Role(role), Content: content})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// GetCooldown returns the user's cooldown.
func (s *SQLiteStore) GetCooldown(ctx context.Context, userID string) (*domain.Cooldown, error) {
	var endsAt int64
	err := s.db.QueryRowContext(ctx, `SELECT ends_at FROM cooldowns WHERE user_id = ?`, userID).Scan(&endsAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cooldown: %w", err)
	}
	return &domain.Cooldown{UserID: userID, EndsAt: time.Unix(endsAt, 0)}, nil
}

// SetCooldown records or replaces the user's cooldown.
func (s *SQLiteStore) SetCooldown(ctx context.Context, cooldown *domain.Cooldown) error {
	query := `
	INSERT INTO cooldowns (user_id, ends_at) VALUES (?, ?)
	ON CONFLICT(user_id) DO UPDATE SET ends_at = excluded.ends_at`
	if _, err := s.db.ExecContext(ctx, query, cooldown.UserID, cooldown.EndsAt.Unix()); err != nil {
		return fmt.Errorf("upsert cooldown: %w", err)
	}
	return nil
}

// GetIdleSessions retrieves in-progress sessions idle for longer than ttl.
func (s *SQLiteStore) GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.AssessmentSession, error) {
	threshold := time.Now().Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM assessment_sessions WHERE state = ? AND updated_at < ?`,
		string(domain.SessionInProgress), threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.AssessmentSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return sessions, nil
}

// PruneCooldowns removes cooldowns that ended before now.
func (s *SQLiteStore) PruneCooldowns(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE ends_at < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune cooldowns: %w", err)
	}
	return result.RowsAffected()
}

// GetBookmark retrieves a bookmark.
func (s *SQLiteStore) GetBookmark(ctx context.Context, profileKey, endpoint string) (*domain.Bookmark, error) {
	var b domain.Bookmark
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT profile_key, endpoint, session_id, updated_at FROM bookmarks WHERE profile_key = ? AND endpoint = ?`,
		profileKey, endpoint,
	).Scan(&b.ProfileKey, &b.Endpoint, &b.SessionID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan bookmark: %w", err)
	}
	b.UpdatedAt = time.Unix(updatedAt, 0)
	return &b, nil
}

// UpsertBookmark creates or updates a bookmark.
func (s *SQLiteStore) UpsertBookmark(ctx context.Context, bookmark *domain.Bookmark) error {
	query := `
	INSERT INTO bookmarks (profile_key, endpoint, session_id, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(profile_key, endpoint) DO UPDATE SET
		session_id = excluded.session_id,
		updated_at = excluded.updated_at`

	updatedAt := bookmark.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, query,
		bookmark.ProfileKey, bookmark.Endpoint, bookmark.SessionID, updatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("upsert bookmark: %w", err)
	}
	return nil
}

// DeleteBookmark removes a bookmark.
func (s *SQLiteStore) DeleteBookmark(ctx context.Context, profileKey, endpoint string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM bookmarks WHERE profile_key = ? AND endpoint = ?`, profileKey, endpoint,
	); err != nil {
		return fmt.Errorf("delete bookmark: %w", err)
	}
	return nil
}

// ListBookmarks returns all bookmarks, newest first.
func (s *SQLiteStore) ListBookmarks(ctx context.Context) ([]*domain.Bookmark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT profile_key, endpoint, session_id, updated_at FROM bookmarks ORDER BY updated_at DESC, profile_key`)
	if err != nil {
		return nil, fmt.Errorf("query bookmarks: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close bookmark rows", "error", closeErr)
		}
	}()

	var bookmarks []*domain.Bookmark
	for rows.Next() {
		var b domain.Bookmark
		var updatedAt int64
		if err := rows.Scan(&b.ProfileKey, &b.Endpoint, &b.SessionID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan bookmark row: %w", err)
		}
		b.UpdatedAt = time.Unix(updatedAt, 0)
		bookmarks = append(bookmarks, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmarks: %w", err)
	}
	return bookmarks, nil
}
