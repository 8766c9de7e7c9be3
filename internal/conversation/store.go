// Package conversation holds the ordered message log of one assessment session.
package conversation

import (
	"errors"
	"fmt"
	"iter"

	"github.com/ashureev/skillprobe/internal/domain"
)

// ErrInvalidState is returned when a mutation would break the store's invariants:
// appending while a message is streaming, or writing fragments to a message that
// is not the one currently streaming.
var ErrInvalidState = errors.New("conversation: invalid state")

// Store is an append-only message log with a single mutable in-progress bot slot.
// It is not safe for concurrent use; the owning session serializes access.
type Store struct {
	messages  []domain.Message
	nextID    int64
	streaming int // index of the streaming message, -1 when none
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{nextID: 1, streaming: -1}
}

// Append adds a message and returns it with its assigned ID.
// Only bot messages may be appended in the streaming state, and only one at a time.
func (s *Store) Append(msg domain.Message) (domain.Message, error) {
	if !msg.Role.Valid() {
		return domain.Message{}, fmt.Errorf("%w: unknown role %q", ErrInvalidState, msg.Role)
	}
	if s.streaming >= 0 {
		return domain.Message{}, fmt.Errorf("%w: message %d is still streaming", ErrInvalidState, s.messages[s.streaming].ID)
	}
	if msg.Streaming && msg.Role != domain.RoleBot {
		return domain.Message{}, fmt.Errorf("%w: only bot messages stream", ErrInvalidState)
	}

	msg.ID = s.nextID
	s.nextID++
	s.messages = append(s.messages, msg)
	if msg.Streaming {
		s.streaming = len(s.messages) - 1
	}
	return msg, nil
}

// AppendFragment appends text to the currently streaming message.
func (s *Store) AppendFragment(id int64, text string) error {
	if s.streaming < 0 {
		return fmt.Errorf("%w: no message is streaming (got id %d)", ErrInvalidState, id)
	}
	msg := &s.messages[s.streaming]
	if msg.ID != id {
		return fmt.Errorf("%w: message %d is not streaming", ErrInvalidState, id)
	}
	msg.Content += text
	return nil
}

// FreezeLatest ends streaming for the in-progress message, if any.
// It reports whether a message was frozen.
func (s *Store) FreezeLatest() bool {
	if s.streaming < 0 {
		return false
	}
	s.messages[s.streaming].Streaming = false
	s.streaming = -1
	return true
}

// Streaming returns the in-progress message.
func (s *Store) Streaming() (domain.Message, bool) {
	if s.streaming < 0 {
		return domain.Message{}, false
	}
	return s.messages[s.streaming], true
}

// Latest returns the most recently appended message.
func (s *Store) Latest() (domain.Message, bool) {
	if len(s.messages) == 0 {
		return domain.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Len returns the number of messages.
func (s *Store) Len() int {
	return len(s.messages)
}

// All yields messages in insertion order. The sequence can be ranged over
// any number of times and yields copies, so callers cannot mutate the log.
func (s *Store) All() iter.Seq[domain.Message] {
	return func(yield func(domain.Message) bool) {
		for i := 0; i < len(s.messages); i++ {
			if !yield(s.messages[i]) {
				return
			}
		}
	}
}

// Hydrate replaces the log with previously exchanged messages, keeping their order
// and roles. It is used when a session is resumed.
func (s *Store) Hydrate(prior []domain.PriorMessage) error {
	for i, p := range prior {
		if !p.Role.Valid() {
			return fmt.Errorf("%w: prior message %d has unknown role %q", ErrInvalidState, i, p.Role)
		}
	}
	s.Reset()
	for _, p := range prior {
		s.messages = append(s.messages, domain.Message{ID: s.nextID, Role: p.Role, Content: p.Content})
		s.nextID++
	}
	return nil
}

// Reset clears the log. IDs keep increasing so stale references never match.
func (s *Store) Reset() {
	s.messages = nil
	s.streaming = -1
}
