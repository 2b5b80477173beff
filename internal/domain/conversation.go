package domain

import "time"

// Role identifies which side of the exchange produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation is a durable chat thread. Clients hold only the session token;
// the internal id never leaves the backend.
type Conversation struct {
	ID           string
	SessionToken string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is a single persisted conversation turn, owned by exactly one
// conversation and ordered by CreatedAt.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	CreatedAt      time.Time
}
