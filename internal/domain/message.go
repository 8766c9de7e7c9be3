package domain

// Role identifies who authored a message.
type Role string

const (
	// RoleUser marks messages written by the person being assessed.
	RoleUser Role = "user"
	// RoleBot marks messages streamed by the remote evaluator.
	RoleBot Role = "bot"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleBot
}

// Message is one turn entry in a conversation.
type Message struct {
	ID        int64  `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Streaming bool   `json:"is_streaming"`
}

// PriorMessage is a serialized message returned by the evaluator when a session is resumed.
type PriorMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
