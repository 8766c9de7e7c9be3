// Package evaluator defines the transport channel to the remote evaluator and
// its gRPC, HTTP+SSE, and WebSocket implementations.
package evaluator

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/ashureev/skillprobe/internal/domain"
)

var (
	// ErrUnauthorized means the evaluator rejected the credential.
	ErrUnauthorized = errors.New("evaluator: unauthorized")
	// ErrSessionNotFound means the session id is unknown or belongs to someone else.
	ErrSessionNotFound = errors.New("evaluator: session not found")
	// ErrSessionClosed means the session no longer accepts turns.
	ErrSessionClosed = errors.New("evaluator: session closed")
	// ErrInvalidRequest means the evaluator refused a malformed request.
	ErrInvalidRequest = errors.New("evaluator: invalid request")
	// ErrRateLimited means too many turns were submitted in a short window.
	ErrRateLimited = errors.New("evaluator: rate limited")
	// ErrMalformedChunk means a stream frame could not be decoded.
	ErrMalformedChunk = errors.New("evaluator: malformed stream chunk")
)

// ChunkKind discriminates stream chunks.
type ChunkKind string

const (
	// ChunkFragment carries a piece of bot text.
	ChunkFragment ChunkKind = "fragment"
	// ChunkComplete terminates a turn successfully.
	ChunkComplete ChunkKind = "complete"
	// ChunkError terminates a turn with a human-readable cause.
	ChunkError ChunkKind = "error"
)

// Chunk is one unit delivered by a turn stream.
type Chunk struct {
	Kind ChunkKind
	Text string
	// Finished is set on a complete chunk when the whole assessment, not just the turn, is over.
	Finished bool
	Cause    string
}

// Fragment returns a text chunk.
func Fragment(text string) Chunk {
	return Chunk{Kind: ChunkFragment, Text: text}
}

// Complete returns a terminal success chunk.
func Complete(finished bool) Chunk {
	return Chunk{Kind: ChunkComplete, Finished: finished}
}

// Failure returns a terminal error chunk.
func Failure(cause string) Chunk {
	return Chunk{Kind: ChunkError, Cause: cause}
}

// Terminal reports whether the chunk ends the stream.
func (c Chunk) Terminal() bool {
	return c.Kind == ChunkComplete || c.Kind == ChunkError
}

// InitRequest opens or resumes a session.
type InitRequest struct {
	Profile     domain.Profile `json:"profile"`
	FocusSkills []string       `json:"focus_skills,omitempty"`
	ResumeID    string         `json:"resume_id,omitempty"`
}

// LookupResponse is the evaluator's answer to an initialize call.
type LookupResponse struct {
	SessionID      string                `json:"session_id,omitempty"`
	CooldownEndsAt *time.Time            `json:"cooldown_ends_at,omitempty"`
	PriorMessages  []domain.PriorMessage `json:"prior_messages,omitempty"`
}

// Service is the remote evaluator contract. Backends implement it on the server
// side; transports implement it on the client side.
type Service interface {
	// Initialize looks up, resumes, or opens a session.
	Initialize(ctx context.Context, req InitRequest) (*LookupResponse, error)

	// SendTurn submits text and returns the bot's reply as a lazy sequence.
	// A well-behaved stream yields zero or more fragments followed by exactly one
	// terminal chunk. Transport failures are yielded as errors. Canceling ctx or
	// breaking out of the range loop stops delivery.
	SendTurn(ctx context.Context, sessionID, text string) iter.Seq2[Chunk, error]

	// Terminate ends the session early.
	Terminate(ctx context.Context, sessionID string) error
}

// Evaluator is a client-side connection to a remote evaluator.
type Evaluator interface {
	Service

	// Close releases transport resources.
	Close() error
}

// Ensure transports implement Evaluator.
var (
	_ Evaluator = (*GRPCClient)(nil)
	_ Evaluator = (*HTTPClient)(nil)
	_ Evaluator = (*WebSocketClient)(nil)
)
