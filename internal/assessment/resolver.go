package assessment

import (
	"time"

	"github.com/ashureev/skillprobe/internal/domain"
	"github.com/ashureev/skillprobe/internal/evaluator"
)

// Resolution is the outcome of classifying a lookup response.
type Resolution struct {
	Status         Status
	SessionID      string
	CooldownEndsAt time.Time
	Messages       []domain.PriorMessage
	// Reason explains an errored resolution.
	Reason string
}

// Resolve classifies a lookup response. A cooldown still in the future wins
// over everything else, then prior messages mean resume, then a bare session id
// means a fresh session. Anything else is an error.
func Resolve(resp *evaluator.LookupResponse, now time.Time) Resolution {
	if resp == nil {
		return Resolution{Status: StatusErrored, Reason: "empty lookup response"}
	}
	if resp.CooldownEndsAt != nil && resp.CooldownEndsAt.After(now) {
		return Resolution{Status: StatusCooldown, CooldownEndsAt: *resp.CooldownEndsAt}
	}
	if len(resp.PriorMessages) > 0 {
		if resp.SessionID == "" {
			return Resolution{Status: StatusErrored, Reason: "prior messages without a session id"}
		}
		return Resolution{
			Status:    StatusResumed,
			SessionID: resp.SessionID,
			Messages:  resp.PriorMessages,
		}
	}
	if resp.SessionID != "" {
		return Resolution{Status: StatusActive, SessionID: resp.SessionID}
	}
	return Resolution{Status: StatusErrored, Reason: "lookup response has no session id"}
}
