package assessment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/skillprobe/internal/conversation"
	"github.com/ashureev/skillprobe/internal/domain"
	"github.com/ashureev/skillprobe/internal/evaluator"
	"github.com/ashureev/skillprobe/internal/transcript"
)

// InitOptions are the optional inputs to Initialize.
type InitOptions struct {
	FocusSkills []string
	ResumeID    string
}

// Session is the client-side state machine for one assessment.
// All methods are safe for concurrent use. Mutations are serialized by mu and
// every observable change is published to subscribers as a Snapshot.
type Session struct {
	svc    evaluator.Service
	opts   options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	status         Status
	sessionID      string
	cooldownEndsAt time.Time
	resumed        bool
	err            error
	userID         string
	store          *conversation.Store
	turn           *turn
	terminating    bool
	closed         bool
	subscribers    map[int]chan Snapshot
	nextSubscriber int
}

// turn is one in-flight bot reply. Events from a turn that is no longer
// s.turn are stale and dropped.
type turn struct {
	id           string
	messageID    int64
	cancel       context.CancelFunc
	watchdog     *time.Timer
	lastActivity time.Time
	chunks       int
	done         chan struct{}
}

// New creates an uninitialized session bound to an evaluator.
func New(svc evaluator.Service, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		svc:         svc,
		opts:        o,
		logger:      o.logger,
		ctx:         ctx,
		cancel:      cancel,
		status:      StatusUninitialized,
		userID:      o.userID,
		store:       conversation.NewStore(),
		subscribers: make(map[int]chan Snapshot),
	}
}

// Initialize looks up the evaluator session for profile and moves to cooldown,
// resumed, active, or errored. It is accepted from uninitialized, errored, and
// cooldown; otherwise it is ignored and the current status is returned. After a
// failure with a known session id, the retry asks the evaluator to resume it.
func (s *Session) Initialize(ctx context.Context, profile domain.Profile, opts InitOptions) Status {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return StatusUninitialized
	}
	switch s.status {
	case StatusUninitialized, StatusErrored, StatusCooldown:
	default:
		s.logger.Warn("Ignoring initialize", "status", s.status, "session_id", s.sessionID)
		status := s.status
		s.mu.Unlock()
		return status
	}

	req := evaluator.InitRequest{
		Profile:     profile,
		FocusSkills: slices.Clone(opts.FocusSkills),
		ResumeID:    opts.ResumeID,
	}
	if s.sessionID != "" {
		req.ResumeID = s.sessionID
	}
	if s.userID == "" {
		s.userID = profile.Key()
	}
	s.err = nil
	s.resumed = false
	s.cooldownEndsAt = time.Time{}
	s.store.Reset()
	s.transition(StatusInitializing)
	s.notify()
	s.mu.Unlock()

	resp, err := s.svc.Initialize(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.status
	}
	defer s.notify()

	if err != nil {
		s.fail(fmt.Errorf("%w: %w", ErrInitialization, err))
		return s.status
	}

	res := Resolve(resp, s.opts.now())
	switch res.Status {
	case StatusCooldown:
		s.cooldownEndsAt = res.CooldownEndsAt
		s.transition(StatusCooldown)
	case StatusResumed:
		if !s.assignSessionID(res.SessionID) {
			return s.status
		}
		if err := s.store.Hydrate(res.Messages); err != nil {
			s.fail(fmt.Errorf("%w: %w", ErrInitialization, err))
			return s.status
		}
		s.resumed = true
		s.transition(StatusResumed)
	case StatusActive:
		if !s.assignSessionID(res.SessionID) {
			return s.status
		}
		s.transition(StatusActive)
		if s.opts.openingTurn {
			s.startTurn("")
		}
	default:
		s.fail(fmt.Errorf("%w: %s", ErrInitialization, res.Reason))
	}
	return s.status
}

// assignSessionID enforces that a session id, once known, never changes.
func (s *Session) assignSessionID(id string) bool {
	if s.sessionID != "" && s.sessionID != id {
		s.fail(fmt.Errorf("%w: evaluator returned session %q, expected %q", ErrInitialization, id, s.sessionID))
		return false
	}
	s.sessionID = id
	return true
}

// SendMessage records a user turn and opens the bot reply stream. Blank text,
// a turn already in flight, or a status that does not accept turns make it a
// no-op. It reports whether the message was accepted.
func (s *Session) SendMessage(text string) bool {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || text == "" || s.turn != nil || !s.status.Accepting() {
		return false
	}

	msg, err := s.store.Append(domain.Message{Role: domain.RoleUser, Content: text})
	if err != nil {
		s.guard(err)
		return false
	}
	s.record("assessment_user_message", "outbound", msg.Content, nil)
	s.startTurn(text)
	s.notify()
	return true
}

// startTurn appends the streaming bot placeholder and starts the pump. Caller holds mu.
func (s *Session) startTurn(text string) {
	bot, err := s.store.Append(domain.Message{Role: domain.RoleBot, Streaming: true})
	if err != nil {
		s.guard(err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &turn{
		id:           uuid.NewString(),
		messageID:    bot.ID,
		cancel:       cancel,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
	t.watchdog = time.AfterFunc(s.opts.idleTimeout, func() { s.stalled(t) })
	s.turn = t
	if s.status == StatusResumed {
		s.transition(StatusActive)
	}

	s.logger.Debug("Turn started",
		"session_id", s.sessionID,
		"turn_id", t.id,
		"opening", text == "",
	)
	go s.pump(t, s.svc.SendTurn(ctx, s.sessionID, text))
}

func (s *Session) pump(t *turn, seq iter.Seq2[evaluator.Chunk, error]) {
	for chunk, err := range seq {
		if err != nil {
			s.abortTurn(t, fmt.Errorf("%w: %w", ErrStream, err))
			return
		}
		if !s.applyChunk(t, chunk) {
			return
		}
	}
	s.abortTurn(t, fmt.Errorf("%w: %w", ErrStream, errStreamClosed))
}

// applyChunk folds one chunk into the session and reports whether the pump
// should keep reading.
func (s *Session) applyChunk(t *turn, chunk evaluator.Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn != t {
		return false
	}
	defer s.notify()

	switch chunk.Kind {
	case evaluator.ChunkFragment:
		if err := s.store.AppendFragment(t.messageID, chunk.Text); err != nil {
			s.guard(err)
			return true
		}
		t.chunks++
		t.lastActivity = time.Now()
		t.watchdog.Reset(s.opts.idleTimeout)
		return true

	case evaluator.ChunkComplete:
		s.finishTurn(t, nil)
		if chunk.Finished {
			s.transition(StatusComplete)
		}
		return false

	case evaluator.ChunkError:
		cause := errEvaluatorError
		if chunk.Cause != "" {
			cause = errors.New(chunk.Cause)
		}
		err := fmt.Errorf("%w: %w", ErrStream, cause)
		s.finishTurn(t, err)
		s.fail(err)
		return false

	default:
		err := fmt.Errorf("%w: %w: kind %q", ErrStream, evaluator.ErrMalformedChunk, chunk.Kind)
		s.finishTurn(t, err)
		s.fail(err)
		return false
	}
}

// abortTurn ends t with a stream failure unless it already ended.
func (s *Session) abortTurn(t *turn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn != t {
		return
	}
	s.finishTurn(t, err)
	s.fail(err)
	s.notify()
}

func (s *Session) stalled(t *turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn != t {
		return
	}
	// A fragment may have raced the timer.
	if idle := time.Since(t.lastActivity); idle < s.opts.idleTimeout {
		t.watchdog.Reset(s.opts.idleTimeout - idle)
		return
	}
	err := fmt.Errorf("%w: no data from evaluator for %s", ErrStream, s.opts.idleTimeout)
	s.logger.Warn("Turn stream stalled", "session_id", s.sessionID, "turn_id", t.id, "chunks", t.chunks)
	s.finishTurn(t, err)
	s.fail(err)
	s.notify()
}

// finishTurn freezes the bot message and releases the turn. Caller holds mu.
func (s *Session) finishTurn(t *turn, streamErr error) {
	t.watchdog.Stop()
	t.cancel()

	msg, _ := s.store.Streaming()
	s.store.FreezeLatest()
	s.turn = nil
	close(t.done)

	meta := map[string]any{
		"turn_id":       t.id,
		"stream_chunks": t.chunks,
		"partial":       streamErr != nil,
	}
	if streamErr != nil {
		meta["stream_error"] = streamErr.Error()
	}
	s.record("assessment_bot_message", "inbound", msg.Content, meta)

	if streamErr != nil {
		s.logger.Warn("Turn ended with error",
			"session_id", s.sessionID,
			"turn_id", t.id,
			"chunks", t.chunks,
			"error", streamErr,
		)
		return
	}
	s.logger.Debug("Turn finished", "session_id", s.sessionID, "turn_id", t.id, "chunks", t.chunks)
}

// EndAssessment asks the evaluator to terminate the session. It is accepted
// from active and resumed, including while a turn streams. On success any
// in-flight reply is frozen and the status becomes complete. On failure the
// status is unchanged and Error reports the termination failure. It reports
// whether the session was ended.
func (s *Session) EndAssessment(ctx context.Context) bool {
	s.mu.Lock()
	if s.closed || s.terminating || s.sessionID == "" || !s.status.Accepting() {
		s.mu.Unlock()
		return false
	}
	s.terminating = true
	sessionID := s.sessionID
	s.mu.Unlock()

	err := s.svc.Terminate(ctx, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminating = false
	if s.closed {
		return err == nil
	}
	defer s.notify()

	if err != nil {
		s.err = fmt.Errorf("%w: %w", ErrTermination, err)
		s.logger.Warn("Failed to end assessment", "session_id", sessionID, "error", err)
		return false
	}
	if s.turn != nil {
		s.finishTurn(s.turn, errTurnAbandoned)
	}
	s.err = nil
	s.transition(StatusComplete)
	return true
}

// Close abandons the session. The in-flight turn is canceled, the message log
// is cleared, and subscriber channels are closed. Further calls are no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessionID := s.sessionID
	if t := s.turn; t != nil {
		t.watchdog.Stop()
		t.cancel()
		s.turn = nil
		close(t.done)
	}
	s.store.Reset()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	s.mu.Unlock()

	s.cancel()
	s.logger.Debug("Session closed", "session_id", sessionID)
}

// WaitIdle blocks until no turn is in flight or ctx is done.
func (s *Session) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	t := s.turn
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail records err and moves to errored. Caller holds mu.
func (s *Session) fail(err error) {
	s.err = err
	s.transition(StatusErrored)
}

// transition changes status and records it. Caller holds mu.
func (s *Session) transition(to Status) {
	from := s.status
	if from == to {
		return
	}
	s.status = to
	s.logger.Info("Assessment status changed",
		"session_id", s.sessionID,
		"from", from,
		"to", to,
	)
	s.record("assessment_status", "internal", "", map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

// guard handles a violated internal invariant. Caller holds mu.
func (s *Session) guard(err error) {
	if s.opts.strictGuards {
		panic(fmt.Sprintf("assessment: invariant violated: %v", err))
	}
	s.logger.Error("Assessment invariant violated", "session_id", s.sessionID, "error", err)
}

func (s *Session) record(eventType, direction, content string, meta map[string]any) {
	s.opts.transcript.Log(transcript.Event{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     s.userID,
		SessionID:  s.sessionID,
		Channel:    "assessment",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}
