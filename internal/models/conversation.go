package models

import "time"

// ConversationKind distinguishes direct chats from groups.
type ConversationKind string

const (
	KindDirect ConversationKind = "user"
	KindGroup  ConversationKind = "group"
)

// Conversation holds directory metadata for a chat.
type Conversation struct {
	ID        string           `db:"id" json:"id"`
	Kind      ConversationKind `db:"kind" json:"kind"`
	Name      string           `db:"name" json:"name"`
	AvatarURL *string          `db:"avatar_url" json:"avatar_url,omitempty"`
}

// Summary is the derived per-conversation aggregate.
type Summary struct {
	ConversationID     string    `json:"conversation_id"`
	LastMessageID      string    `json:"last_message_id,omitempty"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageAt      time.Time `json:"last_message_at,omitempty"`
	UnreadCount        int       `json:"unread_count"`
}

// ConversationView pairs a conversation with its summary for listings.
type ConversationView struct {
	Conversation
	Summary  Summary `json:"summary"`
	Active   bool    `json:"active"`
	Degraded bool    `json:"degraded"`
}
