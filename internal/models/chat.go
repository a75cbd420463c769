package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatKind classifies a chat line.
type ChatKind string

const (
	ChatKindChat     ChatKind = "chat"
	ChatKindReaction ChatKind = "reaction"
	ChatKindSystem   ChatKind = "system"
)

// Valid reports whether k is a known kind.
func (k ChatKind) Valid() bool {
	switch k {
	case ChatKindChat, ChatKindReaction, ChatKindSystem:
		return true
	}
	return false
}

// ChatMessage is an immutable chat line in a session. Seq orders messages of a session by persistence.
type ChatMessage struct {
	ID        uuid.UUID  `json:"id"`
	SessionID uuid.UUID  `json:"session_id"`
	AuthorID  *uuid.UUID `json:"author_id,omitempty"`
	Body      string     `json:"body"`
	Kind      ChatKind   `json:"kind"`
	Seq       int64      `json:"seq"`
	CreatedAt time.Time  `json:"created_at"`
}
