// Package server implements the dev evaluator: a scripted interviewer exposed
// over gRPC, HTTP with server-sent events, and WebSocket.
package server

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/skillprobe/internal/domain"
	"github.com/ashureev/skillprobe/internal/evaluator"
	"github.com/ashureev/skillprobe/internal/identity"
	"github.com/ashureev/skillprobe/internal/store"
	"github.com/ashureev/skillprobe/internal/transcript"
)

// EngineConfig tunes the scripted evaluator.
type EngineConfig struct {
	MaxTurns    int
	Cooldown    time.Duration
	TypingSpeed time.Duration
	ThinkPause  time.Duration
	RateLimit   int
	RateWindow  time.Duration
}

// Engine is the evaluator backend shared by all transports. It implements
// evaluator.Service; the caller's identity comes from the request context.
type Engine struct {
	repo        store.Repository
	interviewer *Interviewer
	limiter     *RateLimiter
	cfg         EngineConfig
	log         transcript.Logger
	logger      *slog.Logger
	now         func() time.Time

	mu   sync.Mutex
	busy map[string]struct{}
}

var _ evaluator.Service = (*Engine)(nil)

// NewEngine creates an evaluator engine.
func NewEngine(repo store.Repository, cfg EngineConfig, log transcript.Logger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if log == nil {
		log = transcript.Nop()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 6
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &Engine{
		repo:        repo,
		interviewer: NewInterviewer(cfg.MaxTurns),
		limiter:     NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		cfg:         cfg,
		log:         log,
		logger:      logger,
		now:         time.Now,
		busy:        make(map[string]struct{}),
	}
}

// Close stops background work.
func (e *Engine) Close() {
	e.limiter.Stop()
}

// Initialize looks up a cooldown, resumes an owned session, or opens a new one.
func (e *Engine) Initialize(ctx context.Context, req evaluator.InitRequest) (*evaluator.LookupResponse, error) {
	userID := identity.UserIDFromContext(ctx)
	if userID == "" {
		return nil, evaluator.ErrUnauthorized
	}

	cooldown, err := e.repo.GetCooldown(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get cooldown: %w", err)
	}
	if cooldown != nil && cooldown.EndsAt.After(e.now()) {
		endsAt := cooldown.EndsAt
		e.logger.Info("Assessment blocked by cooldown", "user_id", userID, "ends_at", endsAt)
		return &evaluator.LookupResponse{CooldownEndsAt: &endsAt}, nil
	}

	if req.ResumeID != "" {
		session, err := e.ownedSession(ctx, userID, req.ResumeID)
		if err != nil {
			return nil, err
		}
		msgs, err := e.repo.ListMessages(ctx, session.ID)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		e.logger.Info("Assessment resumed", "user_id", userID, "session_id", session.ID, "messages", len(msgs))
		return &evaluator.LookupResponse{SessionID: session.ID, PriorMessages: msgs}, nil
	}

	now := e.now()
	session := &domain.AssessmentSession{
		ID:          uuid.NewString(),
		UserID:      userID,
		Profile:     req.Profile,
		FocusSkills: req.FocusSkills,
		State:       domain.SessionInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.WithRetry(ctx, "create_session", func() error {
		return e.repo.CreateSession(ctx, session)
	}); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	e.logger.Info("Assessment started", "user_id", userID, "session_id", session.ID, "focus_skills", session.FocusSkills)
	return &evaluator.LookupResponse{SessionID: session.ID}, nil
}

// SendTurn records the answer and streams the interviewer's reply.
func (e *Engine) SendTurn(ctx context.Context, sessionID, text string) iter.Seq2[evaluator.Chunk, error] {
	return func(yield func(evaluator.Chunk, error) bool) {
		userID := identity.UserIDFromContext(ctx)
		if userID == "" {
			yield(evaluator.Chunk{}, evaluator.ErrUnauthorized)
			return
		}
		if !e.limiter.Allow(userID) {
			yield(evaluator.Chunk{}, fmt.Errorf("%w: slow down", evaluator.ErrRateLimited))
			return
		}

		session, err := e.ownedSession(ctx, userID, sessionID)
		if err != nil {
			yield(evaluator.Chunk{}, err)
			return
		}
		if !e.acquire(session.ID) {
			yield(evaluator.Chunk{}, fmt.Errorf("%w: a turn is already streaming", evaluator.ErrInvalidRequest))
			return
		}
		defer e.release(session.ID)

		reply, finished, err := e.prepareReply(ctx, session, strings.TrimSpace(text))
		if err != nil {
			yield(evaluator.Chunk{}, err)
			return
		}

		if err := pause(ctx, e.cfg.ThinkPause); err != nil {
			return
		}
		for i, word := range words(reply) {
			if i > 0 {
				if err := pause(ctx, e.cfg.TypingSpeed); err != nil {
					return
				}
			}
			if !yield(evaluator.Fragment(word), nil) {
				return
			}
		}
		yield(evaluator.Complete(finished), nil)
	}
}

// prepareReply persists the user's answer and the bot reply, and closes the
// session when the script is done.
func (e *Engine) prepareReply(ctx context.Context, session *domain.AssessmentSession, text string) (string, bool, error) {
	answered := session.Turns
	if text == "" {
		history, err := e.repo.ListMessages(ctx, session.ID)
		if err != nil {
			return "", false, fmt.Errorf("list messages: %w", err)
		}
		if len(history) > 0 {
			return "", false, fmt.Errorf("%w: text is required", evaluator.ErrInvalidRequest)
		}
	} else {
		if err := e.repo.AppendMessage(ctx, session.ID, domain.PriorMessage{Role: domain.RoleUser, Content: text}); err != nil {
			return "", false, fmt.Errorf("store answer: %w", err)
		}
		e.record(session, "inbound", "evaluator_user_message", text, nil)

		var turns int
		if err := store.WithRetry(ctx, "record_turn", func() error {
			var err error
			turns, err = e.repo.RecordTurn(ctx, session.ID)
			return err
		}); err != nil {
			return "", false, fmt.Errorf("record turn: %w", err)
		}
		answered = turns
	}

	reply := e.interviewer.Reply(session.FocusSkills, answered, text)
	finished := text != "" && e.interviewer.Finished(answered)

	if err := e.repo.AppendMessage(ctx, session.ID, domain.PriorMessage{Role: domain.RoleBot, Content: reply}); err != nil {
		return "", false, fmt.Errorf("store reply: %w", err)
	}
	e.record(session, "outbound", "evaluator_bot_message", reply, map[string]any{
		"answered": answered,
		"finished": finished,
	})

	if finished {
		if err := e.finish(ctx, session, "completed"); err != nil {
			return "", false, err
		}
	}
	return reply, finished, nil
}

// Terminate ends an owned session early. Ending an already closed session succeeds.
func (e *Engine) Terminate(ctx context.Context, sessionID string) error {
	userID := identity.UserIDFromContext(ctx)
	if userID == "" {
		return evaluator.ErrUnauthorized
	}
	session, err := e.lookupOwned(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if session.State != domain.SessionInProgress {
		return nil
	}
	return e.finish(ctx, session, "terminated")
}

func (e *Engine) finish(ctx context.Context, session *domain.AssessmentSession, reason string) error {
	var changed bool
	if err := store.WithRetry(ctx, "complete_session", func() error {
		var err error
		changed, err = e.repo.SetSessionState(ctx, session.ID, domain.SessionCompleted)
		return err
	}); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if !changed {
		return nil
	}

	endsAt := e.now().Add(e.cfg.Cooldown)
	if err := e.repo.SetCooldown(ctx, &domain.Cooldown{UserID: session.UserID, EndsAt: endsAt}); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	e.logger.Info("Assessment finished",
		"user_id", session.UserID,
		"session_id", session.ID,
		"reason", reason,
		"cooldown_ends_at", endsAt,
	)
	e.record(session, "internal", "evaluator_session_closed", "", map[string]any{"reason": reason})
	return nil
}

// lookupOwned returns a session owned by userID in any state.
func (e *Engine) lookupOwned(ctx context.Context, userID, sessionID string) (*domain.AssessmentSession, error) {
	session, err := e.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil || session.UserID != userID {
		return nil, fmt.Errorf("%w: %s", evaluator.ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// ownedSession returns an in-progress session owned by userID.
func (e *Engine) ownedSession(ctx context.Context, userID, sessionID string) (*domain.AssessmentSession, error) {
	session, err := e.lookupOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != domain.SessionInProgress {
		return nil, fmt.Errorf("%w: %s is %s", evaluator.ErrSessionClosed, sessionID, session.State)
	}
	return session, nil
}

func (e *Engine) acquire(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.busy[sessionID]; ok {
		return false
	}
	e.busy[sessionID] = struct{}{}
	return true
}

func (e *Engine) release(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, sessionID)
}

func (e *Engine) record(session *domain.AssessmentSession, direction, eventType, content string, meta map[string]any) {
	e.log.Log(transcript.Event{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     session.UserID,
		SessionID:  session.ID,
		Channel:    "evaluator",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
