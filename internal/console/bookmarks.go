package console

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/skillprobe/internal/domain"
)

// BookmarkStore persists resume bookmarks.
type BookmarkStore interface {
	GetBookmark(ctx context.Context, profileKey, endpoint string) (*domain.Bookmark, error)
	UpsertBookmark(ctx context.Context, bookmark *domain.Bookmark) error
	DeleteBookmark(ctx context.Context, profileKey, endpoint string) error
	ListBookmarks(ctx context.Context) ([]*domain.Bookmark, error)
}

// Bookmarks remembers the last session per profile for one evaluator endpoint.
// Profiles without a key are never bookmarked.
type Bookmarks struct {
	store    BookmarkStore
	endpoint string
	now      func() time.Time
}

// NewBookmarks creates bookmarks scoped to endpoint.
func NewBookmarks(store BookmarkStore, endpoint string) *Bookmarks {
	return &Bookmarks{store: store, endpoint: endpoint, now: time.Now}
}

// Lookup returns the bookmarked session id for profileKey, or "".
func (b *Bookmarks) Lookup(ctx context.Context, profileKey string) (string, error) {
	if profileKey == "" {
		return "", nil
	}
	bm, err := b.store.GetBookmark(ctx, profileKey, b.endpoint)
	if err != nil {
		return "", fmt.Errorf("get bookmark: %w", err)
	}
	if bm == nil {
		return "", nil
	}
	return bm.SessionID, nil
}

// Save records sessionID as the session to resume for profileKey.
func (b *Bookmarks) Save(ctx context.Context, profileKey, sessionID string) error {
	if profileKey == "" || sessionID == "" {
		return nil
	}
	err := b.store.UpsertBookmark(ctx, &domain.Bookmark{
		ProfileKey: profileKey,
		Endpoint:   b.endpoint,
		SessionID:  sessionID,
		UpdatedAt:  b.now(),
	})
	if err != nil {
		return fmt.Errorf("save bookmark: %w", err)
	}
	return nil
}

// Forget removes the bookmark for profileKey.
func (b *Bookmarks) Forget(ctx context.Context, profileKey string) error {
	if profileKey == "" {
		return nil
	}
	if err := b.store.DeleteBookmark(ctx, profileKey, b.endpoint); err != nil {
		return fmt.Errorf("delete bookmark: %w", err)
	}
	return nil
}

// List returns every bookmark across endpoints, newest first.
func (b *Bookmarks) List(ctx context.Context) ([]*domain.Bookmark, error) {
	bookmarks, err := b.store.ListBookmarks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	return bookmarks, nil
}
