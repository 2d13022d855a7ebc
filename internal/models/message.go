package models

import (
	"sort"
	"time"
)

// Status tracks the local lifecycle of a message.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Message is one entry of a conversation log.
type Message struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"chat_id" json:"conversation_id"`
	SenderID       string    `db:"sender_id" json:"sender_id"`
	Body           *string   `db:"content" json:"body"`
	AttachmentURL  *string   `db:"file_url" json:"attachment_url,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
	Edited         bool      `db:"is_edited" json:"edited"`
	Deleted        bool      `db:"deleted" json:"deleted"`
	ClientRef      string    `db:"client_ref" json:"client_ref,omitempty"`
	ReaderIDs      []string  `db:"-" json:"reader_ids"`
	Status         Status    `db:"-" json:"status,omitempty"`
}

// Before reports whether m sorts ahead of o by (CreatedAt, ID).
func (m Message) Before(o Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.ID < o.ID
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

// Clone returns a copy that shares no memory with m.
func (m Message) Clone() Message {
	out := m
	if m.Body != nil {
		body := *m.Body
		out.Body = &body
	}
	if m.AttachmentURL != nil {
		url := *m.AttachmentURL
		out.AttachmentURL = &url
	}
	if m.ReaderIDs != nil {
		out.ReaderIDs = append([]string(nil), m.ReaderIDs...)
	}
	return out
}

// ReadBy reports whether userID is among the readers.
func (m Message) ReadBy(userID string) bool {
	for _, id := range m.ReaderIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Text returns the body or an empty string.
func (m Message) Text() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// AddReaders merges ids into the reader set and reports whether it grew.
func (m *Message) AddReaders(ids ...string) bool {
	grew := false
	for _, id := range ids {
		if id == "" || m.ReadBy(id) {
			continue
		}
		m.ReaderIDs = append(m.ReaderIDs, id)
		grew = true
	}
	if grew {
		sort.Strings(m.ReaderIDs)
	}
	return grew
}

// Draft is an outbound message before the remote store assigns an id.
type Draft struct {
	ConversationID string  `json:"conversation_id"`
	SenderID       string  `json:"sender_id"`
	Body           *string `json:"body"`
	AttachmentURL  *string `json:"attachment_url,omitempty"`
	ClientRef      string  `json:"client_ref"`
}

// Patch carries the mutable fields of an edit.
type Patch struct {
	Body *string `json:"body"`
}

// ReadReceipt records that a user observed a message.
type ReadReceipt struct {
	MessageID string    `db:"message_id" json:"message_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	ReadAt    time.Time `db:"read_at" json:"read_at"`
}

// StringPtr is a helper for optional text fields.
func StringPtr(s string) *string {
	return &s
}
