package models

import "time"

// EventKind enumerates live change notifications.
type EventKind string

const (
	EventInserted EventKind = "inserted"
	EventUpdated  EventKind = "updated"
	EventDeleted  EventKind = "deleted"
)

// LiveEvent is a change pushed by the live feed.
type LiveEvent struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	Message        *Message  `json:"message,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
}

// ChatEvent is the wire envelope shared by the websocket feed and database notifications.
type ChatEvent struct {
	Type      string   `json:"type"`
	Message   *Message `json:"message,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
}

// TypingPayload is broadcast while the local user types.
type TypingPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	SentAt         time.Time `json:"sent_at"`
}

// UpdateType labels engine notifications.
type UpdateType string

const (
	UpdateLog     UpdateType = "log"
	UpdateSummary UpdateType = "summary"
	UpdateTyping  UpdateType = "typing"
	UpdateFeed    UpdateType = "feed"
)

// Update is pushed to UI clients whenever engine state changes.
type Update struct {
	Type           UpdateType `json:"type"`
	ConversationID string     `json:"conversation_id"`
	Message        *Message   `json:"message,omitempty"`
	RemovedID      string     `json:"removed_id,omitempty"`
	Summary        *Summary   `json:"summary,omitempty"`
	TypingUsers    []string   `json:"typing_users,omitempty"`
	Degraded       *bool      `json:"degraded,omitempty"`
}
