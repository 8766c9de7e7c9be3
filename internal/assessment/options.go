package assessment

import (
	"log/slog"
	"time"

	"github.com/ashureev/skillprobe/internal/transcript"
)

// DefaultIdleTimeout bounds how long a turn stream may stay silent.
const DefaultIdleTimeout = 45 * time.Second

// Option configures a Session.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	idleTimeout  time.Duration
	openingTurn  bool
	strictGuards bool
	transcript   transcript.Logger
	userID       string
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		logger:      slog.Default(),
		idleTimeout: DefaultIdleTimeout,
		openingTurn: true,
		transcript:  transcript.Nop(),
		now:         time.Now,
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithIdleTimeout sets the stream watchdog bound. Non-positive values keep the default.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

// WithOpeningTurn controls whether a fresh session immediately asks the
// evaluator for its opening question.
func WithOpeningTurn(enabled bool) Option {
	return func(o *options) {
		o.openingTurn = enabled
	}
}

// WithStrictGuards makes internal invariant violations panic instead of being logged.
func WithStrictGuards(enabled bool) Option {
	return func(o *options) {
		o.strictGuards = enabled
	}
}

// WithTranscript records messages and status changes.
func WithTranscript(logger transcript.Logger, userID string) Option {
	return func(o *options) {
		if logger != nil {
			o.transcript = logger
		}
		o.userID = userID
	}
}

// WithClock overrides the time source used for cooldown comparison.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
