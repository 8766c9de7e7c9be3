// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/skillprobe/internal/domain"
)

// Repository defines the interface for persisting assessment sessions,
// transcripts, cooldowns, and client bookmarks.
type Repository interface {
	// CreateSession inserts a new in-progress session.
	CreateSession(ctx context.Context, session *domain.AssessmentSession) error

	// GetSession retrieves a session by ID. It returns nil, nil when missing.
	GetSession(ctx context.Context, sessionID string) (*domain.AssessmentSession, error)

	// GetActiveSession retrieves the newest in-progress session for a user.
	GetActiveSession(ctx context.Context, userID string) (*domain.AssessmentSession, error)

	// RecordTurn bumps the turn counter and activity timestamp of a session.
	RecordTurn(ctx context.Context, sessionID string) (int, error)

	// SetSessionState moves a session to a terminal state. It reports whether
	// the session was still in progress.
	SetSessionState(ctx context.Context, sessionID string, state domain.SessionState) (bool, error)

	// AppendMessage adds a message to a session transcript.
	AppendMessage(ctx context.Context, sessionID string, msg domain.PriorMessage) error

	// ListMessages returns a session transcript in order.
	ListMessages(ctx context.Context, sessionID string) ([]domain.PriorMessage, error)

	// GetCooldown returns the user's cooldown, or nil when none is recorded.
	GetCooldown(ctx context.Context, userID string) (*domain.Cooldown, error)

	// SetCooldown records or replaces the user's cooldown.
	SetCooldown(ctx context.Context, cooldown *domain.Cooldown) error

	// GetIdleSessions retrieves in-progress sessions with no activity within ttl.
	GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.AssessmentSession, error)

	// PruneCooldowns removes cooldowns that ended before now.
	PruneCooldowns(ctx context.Context, now time.Time) (int64, error)

	// GetBookmark retrieves the bookmark for a profile and endpoint.
	GetBookmark(ctx context.Context, profileKey, endpoint string) (*domain.Bookmark, error)

	// UpsertBookmark creates or updates a bookmark.
	UpsertBookmark(ctx context.Context, bookmark *domain.Bookmark) error

	// DeleteBookmark removes a bookmark.
	DeleteBookmark(ctx context.Context, profileKey, endpoint string) error

	// ListBookmarks returns all bookmarks, newest first.
	ListBookmarks(ctx context.Context) ([]*domain.Bookmark, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
