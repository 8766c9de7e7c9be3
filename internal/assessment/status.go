// Package assessment drives one assessment session against a remote evaluator:
// initialization, streamed turns, early termination, and the observable state
// a UI renders from.
package assessment

import (
	"errors"
	"time"

	"github.com/ashureev/skillprobe/internal/domain"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusActive        Status = "active"
	StatusResumed       Status = "resumed"
	StatusCooldown      Status = "cooldown"
	StatusComplete      Status = "complete"
	StatusErrored       Status = "errored"
)

// Accepting reports whether the session accepts user turns in this status.
func (s Status) Accepting() bool {
	return s == StatusActive || s == StatusResumed
}

var (
	// ErrInitialization wraps lookup failures and rejected lookup responses.
	ErrInitialization = errors.New("could not start the assessment")
	// ErrStream wraps failures of an in-flight turn stream.
	ErrStream = errors.New("the evaluator stream failed")
	// ErrTermination wraps a failed early end. The session stays usable.
	ErrTermination = errors.New("could not end the assessment")

	errStreamClosed   = errors.New("stream closed unexpectedly")
	errEvaluatorError = errors.New("evaluator reported an error")
	errTurnAbandoned  = errors.New("turn abandoned")
)

// Snapshot is a consistent copy of the observable session state.
type Snapshot struct {
	Status         Status
	SessionID      string
	CooldownEndsAt time.Time
	Messages       []domain.Message
	Initializing   bool
	Streaming      bool
	Complete       bool
	Resumed        bool
	Error          string
}
