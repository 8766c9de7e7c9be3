package assessment

import (
	"slices"
	"time"

	"github.com/ashureev/skillprobe/internal/domain"
)

// Status returns the lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Messages returns a copy of the conversation in order.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Collect(s.store.All())
}

// IsInitializing reports whether a lookup is in flight.
func (s *Session) IsInitializing() bool {
	return s.Status() == StatusInitializing
}

// IsStreaming reports whether a bot reply is in flight.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn != nil
}

// IsComplete reports whether the assessment has ended.
func (s *Session) IsComplete() bool {
	return s.Status() == StatusComplete
}

// IsResumed reports whether the session continued an earlier conversation.
// It stays true after the first new turn.
func (s *Session) IsResumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumed
}

// SessionID returns the evaluator session id, or "" before one is assigned.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// CooldownEndsAt returns when a new assessment becomes available, if the
// session is in cooldown.
func (s *Session) CooldownEndsAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldownEndsAt, !s.cooldownEndsAt.IsZero()
}

// Err returns the last failure, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Error returns the last failure as display text, or "".
func (s *Session) Error() string {
	if err := s.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// Snapshot returns the full observable state at one instant.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Status:         s.status,
		SessionID:      s.sessionID,
		CooldownEndsAt: s.cooldownEndsAt,
		Messages:       slices.Collect(s.store.All()),
		Initializing:   s.status == StatusInitializing,
		Streaming:      s.turn != nil,
		Complete:       s.status == StatusComplete,
		Resumed:        s.resumed,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// Subscribe returns a channel of snapshots and a function that cancels the
// subscription. The current state is delivered immediately. Slow readers only
// ever see the latest snapshot. The channel is closed by the cancel function
// or by Close.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubscriber
	s.nextSubscriber++
	s.subscribers[id] = ch
	ch <- s.snapshot()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

// notify publishes the current state. Caller holds mu, so at most one sender
// touches a channel at a time and the drain-then-send below cannot block.
func (s *Session) notify() {
	if len(s.subscribers) == 0 {
		return
	}
	snap := s.snapshot()
	for _, ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
