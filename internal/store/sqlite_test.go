package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/skillprobe/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestStore(t)

	now := time.Now()
	session := &domain.AssessmentSession{
		ID:          "s1",
		UserID:      "ada",
		Profile:     domain.Profile{"id": "ada"},
		FocusSkills: []string{"sql"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := repo.GetSession(ctx, "s1")
	if err != nil || got == nil {
		t.Fatalf("GetSession failed: %v %v", got, err)
	}
	if got.State != domain.SessionInProgress || got.Profile["id"] != "ada" || len(got.FocusSkills) != 1 {
		t.Fatalf("unexpected session %+v", got)
	}

	active, err := repo.GetActiveSession(ctx, "ada")
	if err != nil || active == nil || active.ID != "s1" {
		t.Fatalf("expected active session s1, got %+v (%v)", active, err)
	}

	for want := 1; want <= 2; want++ {
		turns, err := repo.RecordTurn(ctx, "s1")
		if err != nil {
			t.Fatalf("RecordTurn failed: %v", err)
		}
		if turns != want {
			t.Fatalf("expected %d turns, got %d", want, turns)
		}
	}

	changed, err := repo.SetSessionState(ctx, "s1", domain.SessionCompleted)
	if err != nil || !changed {
		t.Fatalf("SetSessionState failed: %v %v", changed, err)
	}
	changed, err = repo.SetSessionState(ctx, "s1", domain.SessionAbandoned)
	if err != nil || changed {
		t.Fatalf("expected second state change to be a no-op, got %v %v", changed, err)
	}

	if _, err := repo.RecordTurn(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for closed session, got %v", err)
	}
	active, err = repo.GetActiveSession(ctx, "ada")
	if err != nil || active != nil {
		t.Fatalf("expected no active session, got %+v (%v)", active, err)
	}
}

func TestGetSessionMissingReturnsNil(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	got, err := repo.GetSession(context.Background(), "missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil; got %v, %v", got, err)
	}
}

func TestMessagesKeepOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestStore(t)

	for i := 0; i < 4; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleBot
		}
		if err := repo.AppendMessage(ctx, "s1", domain.PriorMessage{Role: role, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	if err := repo.AppendMessage(ctx, "other", domain.PriorMessage{Role: domain.RoleUser, Content: "x"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	msgs, err := repo.ListMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Content != fmt.Sprintf("m%d", i) {
			t.Fatalf("message %d out of order: %+v", i, m)
		}
	}
	if msgs[1].Role != domain.RoleBot {
		t.Fatalf("expected bot role, got %s", msgs[1].Role)
	}
}

func TestCooldowns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestStore(t)

	if cd, err := repo.GetCooldown(ctx, "ada"); err != nil || cd != nil {
		t.Fatalf("expected no cooldown, got %v %v", cd, err)
	}

	now := time.Now()
	if err := repo.SetCooldown(ctx, &domain.Cooldown{UserID: "ada", EndsAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("SetCooldown failed: %v", err)
	}
	if err := repo.SetCooldown(ctx, &domain.Cooldown{UserID: "bob", EndsAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("SetCooldown failed: %v", err)
	}

	cd, err := repo.GetCooldown(ctx, "bob")
	if err != nil || cd == nil || cd.EndsAt.Unix() != now.Add(time.Hour).Unix() {
		t.Fatalf("unexpected cooldown %+v (%v)", cd, err)
	}

	deleted, err := repo.PruneCooldowns(ctx, now)
	if err != nil || deleted != 1 {
		t.Fatalf("expected 1 pruned cooldown, got %d (%v)", deleted, err)
	}
	if cd, _ := repo.GetCooldown(ctx, "ada"); cd != nil {
		t.Fatalf("expected ada's cooldown pruned, got %+v", cd)
	}
}

func TestGetIdleSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestStore(t)

	old := time.Now().Add(-2 * time.Hour)
	for _, s := range []*domain.AssessmentSession{
		{ID: "idle", UserID: "a", CreatedAt: old, UpdatedAt: old},
		{ID: "fresh", UserID: "b", CreatedAt: time.Now(), UpdatedAt: time.Now()},
		{ID: "done", UserID: "c", State: domain.SessionCompleted, CreatedAt: old, UpdatedAt: old},
	} {
		if err := repo.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}

	idle, err := repo.GetIdleSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("GetIdleSessions failed: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != "idle" {
		t.Fatalf("expected only the idle session, got %+v", idle)
	}
}

func TestBookmarks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestStore(t)

	if b, err := repo.GetBookmark(ctx, "ada", "grpc://localhost:50061"); err != nil || b != nil {
		t.Fatalf("expected no bookmark, got %v %v", b, err)
	}

	if err := repo.UpsertBookmark(ctx, &domain.Bookmark{ProfileKey: "ada", Endpoint: "grpc://localhost:50061", SessionID: "s1"}); err != nil {
		t.Fatalf("UpsertBookmark failed: %v", err)
	}
	if err := repo.UpsertBookmark(ctx, &domain.Bookmark{ProfileKey: "ada", Endpoint: "grpc://localhost:50061", SessionID: "s2"}); err != nil {
		t.Fatalf("UpsertBookmark failed: %v", err)
	}

	b, err := repo.GetBookmark(ctx, "ada", "grpc://localhost:50061")
	if err != nil || b == nil || b.SessionID != "s2" {
		t.Fatalf("expected bookmark s2, got %+v (%v)", b, err)
	}

	all, err := repo.ListBookmarks(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one bookmark, got %v (%v)", all, err)
	}

	if err := repo.DeleteBookmark(ctx, "ada", "grpc://localhost:50061"); err != nil {
		t.Fatalf("DeleteBookmark failed: %v", err)
	}
	if b, _ := repo.GetBookmark(ctx, "ada", "grpc://localhost:50061"); b != nil {
		t.Fatalf("expected bookmark deleted, got %+v", b)
	}
}

func TestWithRetry(t *testing.T) {
	t.Parallel()

	calls := 0
	err := WithRetry(context.Background(), "test", func() error {
		calls++
		if calls < 2 {
			return errors.New("SQLITE_BUSY: database is locked")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success on second attempt, got %v after %d calls", err, calls)
	}

	calls = 0
	permanent := errors.New("constraint failed")
	if err := WithRetry(context.Background(), "test", func() error {
		calls++
		return permanent
	}); !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected no retry for permanent error, got %v after %d calls", err, calls)
	}

	calls = 0
	if err := WithRetry(context.Background(), "test", func() error {
		calls++
		return errors.New("database is locked")
	}); err == nil || calls != 3 {
		t.Fatalf("expected failure after 3 attempts, got %v after %d calls", err, calls)
	}
}
