package types

import "time"

// Role represents the role of a conversation participant.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleNPC    Role = "npc"
)

// Message represents a single conversation turn.
// Turns are append-only per conversation; the core only ever holds a
// bounded working copy of the full history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage creates a new system (instruction) message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewUserMessage creates a new player message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewNPCMessage creates a new NPC reply message.
func NewNPCMessage(content string) Message {
	return NewMessage(RoleNPC, content)
}

// IsConversational reports whether the message counts against the
// conversational context window. System turns never do.
func (m Message) IsConversational() bool {
	return m.Role != RoleSystem
}
