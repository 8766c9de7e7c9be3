package domain

import "time"

// SessionState is the evaluator-side lifecycle of an assessment session.
type SessionState string

const (
	SessionInProgress SessionState = "in_progress"
	SessionCompleted  SessionState = "completed"
	SessionAbandoned  SessionState = "abandoned"
)

// AssessmentSession is an evaluator-side session record.
type AssessmentSession struct {
	ID          string
	UserID      string
	Profile     Profile
	FocusSkills []string
	State       SessionState
	Turns       int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Cooldown blocks a user from starting a new assessment until EndsAt.
type Cooldown struct {
	UserID string
	EndsAt time.Time
}

// Bookmark remembers the last session a profile used against an evaluator
// endpoint so the client can offer to resume it.
type Bookmark struct {
	ProfileKey string
	Endpoint   string
	SessionID  string
	UpdatedAt  time.Time
}
