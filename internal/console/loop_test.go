package console

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/skillprobe/internal/assessment"
	"github.com/ashureev/skillprobe/internal/domain"
	"github.com/ashureev/skillprobe/internal/evaluator"
	"github.com/ashureev/skillprobe/internal/store"
)

// scriptedEvaluator answers every turn with the same two fragments and
// finishes the assessment after finishAfter answers.
type scriptedEvaluator struct {
	mu          sync.Mutex
	resp        *evaluator.LookupResponse
	resumeErr   error
	finishAfter int
	answers     int
	resumeIDs   []string
	terminated  []string
}

func (f *scriptedEvaluator) Initialize(_ context.Context, req evaluator.InitRequest) (*evaluator.LookupResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeIDs = append(f.resumeIDs, req.ResumeID)
	if req.ResumeID != "" && f.resumeErr != nil {
		return nil, f.resumeErr
	}
	return f.resp, nil
}

func (f *scriptedEvaluator) SendTurn(_ context.Context, _ string, text string) iter.Seq2[evaluator.Chunk, error] {
	return func(yield func(evaluator.Chunk, error) bool) {
		f.mu.Lock()
		if text != "" {
			f.answers++
		}
		finished := f.finishAfter > 0 && f.answers >= f.finishAfter
		f.mu.Unlock()

		if !yield(evaluator.Fragment("Great"), nil) || !yield(evaluator.Fragment(", tell me more"), nil) {
			return
		}
		yield(evaluator.Complete(finished), nil)
	}
}

func (f *scriptedEvaluator) Terminate(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID)
	return nil
}

func newBookmarks(t *testing.T) (*Bookmarks, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return NewBookmarks(repo, "grpc://localhost:50061"), repo
}

func run(t *testing.T, ev evaluator.Service, cfg Config) (assessment.Status, string) {
	t.Helper()
	sess := assessment.New(ev, assessment.WithOpeningTurn(false), assessment.WithIdleTimeout(5*time.Second))
	defer sess.Close()

	var out bytes.Buffer
	cfg.Out = &out
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := Run(ctx, sess, cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return status, out.String()
}

func TestRunConversationUntilFinished(t *testing.T) {
	t.Parallel()
	bookmarks, _ := newBookmarks(t)
	ev := &scriptedEvaluator{resp: &evaluator.LookupResponse{SessionID: "42"}, finishAfter: 2}

	status, out := run(t, ev, Config{
		Profile:   domain.Profile{"name": "Ada"},
		Bookmarks: bookmarks,
		In:        strings.NewReader("I use spreadsheets daily\n   \nMostly pivot tables\nnever read\n"),
	})

	if status != assessment.StatusComplete {
		t.Fatalf("expected complete, got %s\n%s", status, out)
	}
	if !strings.Contains(out, "you: I use spreadsheets daily\nbot: Great, tell me more\n") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "-- assessment complete, thank you --") {
		t.Fatalf("expected completion notice:\n%s", out)
	}
	if strings.Contains(out, "never read") {
		t.Fatalf("expected input after completion to be ignored:\n%s", out)
	}
	if id, err := bookmarks.Lookup(context.Background(), "ada"); err != nil || id != "" {
		t.Fatalf("expected bookmark removed, got %q (%v)", id, err)
	}
}

func TestRunQuitKeepsBookmark(t *testing.T) {
	t.Parallel()
	bookmarks, _ := newBookmarks(t)
	ev := &scriptedEvaluator{resp: &evaluator.LookupResponse{SessionID: "42"}}

	status, out := run(t, ev, Config{
		Profile:   domain.Profile{"name": "Ada"},
		Bookmarks: bookmarks,
		In:        strings.NewReader("hello there\n/quit\n"),
	})

	if status != assessment.StatusActive {
		t.Fatalf("expected active, got %s", status)
	}
	if !strings.Contains(out, "session 42 saved") {
		t.Fatalf("expected saved notice:\n%s", out)
	}
	if id, err := bookmarks.Lookup(context.Background(), "ada"); err != nil || id != "42" {
		t.Fatalf("expected bookmark 42, got %q (%v)", id, err)
	}
}

func TestRunResumesFromBookmark(t *testing.T) {
	t.Parallel()
	bookmarks, _ := newBookmarks(t)
	if err := bookmarks.Save(context.Background(), "ada", "42"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	ev := &scriptedEvaluator{resp: &evaluator.LookupResponse{
		SessionID: "42",
		PriorMessages: []domain.PriorMessage{
			{Role: domain.RoleUser, Content: "hi"},
			{Role: domain.RoleBot, Content: "hello"},
		},
	}}

	status, out := run(t, ev, Config{
		Profile:   domain.Profile{"name": "Ada"},
		Bookmarks: bookmarks,
		In:        strings.NewReader("/end\n"),
	})

	if status != assessment.StatusComplete {
		t.Fatalf("expected complete, got %s", status)
	}
	if len(ev.resumeIDs) != 1 || ev.resumeIDs[0] != "42" {
		t.Fatalf("expected resume of 42, got %v", ev.resumeIDs)
	}
	if !strings.Contains(out, "-- resuming session 42 --\nyou: hi\nbot: hello\n") {
		t.Fatalf("expected restored log:\n%s", out)
	}
	if len(ev.terminated) != 1 || ev.terminated[0] != "42" {
		t.Fatalf("expected terminate of 42, got %v", ev.terminated)
	}
	if id, _ := bookmarks.Lookup(context.Background(), "ada"); id != "" {
		t.Fatalf("expected bookmark removed, got %q", id)
	}
}

func TestRunDropsStaleBookmark(t *testing.T) {
	t.Parallel()
	bookmarks, _ := newBookmarks(t)
	if err := bookmarks.Save(context.Background(), "ada", "old"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	ev := &scriptedEvaluator{
		resp:      &evaluator.LookupResponse{SessionID: "new"},
		resumeErr: evaluator.ErrSessionNotFound,
	}

	status, out := run(t, ev, Config{
		Profile:   domain.Profile{"name": "Ada"},
		Bookmarks: bookmarks,
		In:        strings.NewReader(""),
	})

	if status != assessment.StatusActive {
		t.Fatalf("expected active, got %s\n%s", status, out)
	}
	if len(ev.resumeIDs) != 2 || ev.resumeIDs[0] != "old" || ev.resumeIDs[1] != "" {
		t.Fatalf("unexpected lookups %v", ev.resumeIDs)
	}
	if !strings.Contains(out, "saved session old is no longer available") {
		t.Fatalf("expected notice:\n%s", out)
	}
	if id, _ := bookmarks.Lookup(context.Background(), "ada"); id != "new" {
		t.Fatalf("expected bookmark new, got %q", id)
	}
}

func TestRunCooldownReturnsImmediately(t *testing.T) {
	t.Parallel()
	endsAt := time.Now().Add(2 * time.Hour)
	ev := &scriptedEvaluator{resp: &evaluator.LookupResponse{CooldownEndsAt: &endsAt}}

	status, out := run(t, ev, Config{
		Profile: domain.Profile{"name": "Ada"},
		In:      strings.NewReader("hello\n"),
	})

	if status != assessment.StatusCooldown {
		t.Fatalf("expected cooldown, got %s", status)
	}
	if !strings.Contains(out, "-- next assessment available in") {
		t.Fatalf("expected cooldown notice:\n%s", out)
	}
	if strings.Contains(out, "you: hello") {
		t.Fatalf("expected no messages during cooldown:\n%s", out)
	}
}

func TestRunRetryAfterInitFailure(t *testing.T) {
	t.Parallel()
	ev := &failingOnceEvaluator{scriptedEvaluator: scriptedEvaluator{resp: &evaluator.LookupResponse{SessionID: "42"}}}

	status, out := run(t, ev, Config{
		Profile: domain.Profile{"name": "Ada"},
		In:      strings.NewReader("hello\n/retry\n/bogus\n/quit\n"),
	})

	if status != assessment.StatusActive {
		t.Fatalf("expected active after retry, got %s\n%s", status, out)
	}
	for _, want := range []string{
		"!! could not start the assessment",
		"-- not sent: the session is errored --",
		`unknown command "/bogus"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q:\n%s", want, out)
		}
	}
}

type failingOnceEvaluator struct {
	scriptedEvaluator
	failed bool
}

func (f *failingOnceEvaluator) Initialize(ctx context.Context, req evaluator.InitRequest) (*evaluator.LookupResponse, error) {
	f.mu.Lock()
	if !f.failed {
		f.failed = true
		f.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	f.mu.Unlock()
	return f.scriptedEvaluator.Initialize(ctx, req)
}
