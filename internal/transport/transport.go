// Package transport declares the collaborators the sync engine consumes.
package transport

import (
	"context"

	"chat-sync/internal/models"
)

// SnapshotSource answers point-in-time history queries.
type SnapshotSource interface {
	Fetch(ctx context.Context, conversationID string) ([]models.Message, error)
}

// LiveFeed opens change streams scoped to one conversation.
type LiveFeed interface {
	Subscribe(ctx context.Context, conversationID string) (LiveSubscription, error)
}

// LiveSubscription is a cancellable handle on one live stream. Events is
// closed when the stream ends; Err then reports why (nil after Close).
type LiveSubscription interface {
	Events() <-chan models.LiveEvent
	Err() error
	Close() error
}

// RemoteWriter applies mutations to the authoritative store.
type RemoteWriter interface {
	CreateMessage(ctx context.Context, draft models.Draft) (models.Message, error)
	UpdateMessage(ctx context.Context, messageID string, patch models.Patch) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	AppendReadReceipt(ctx context.Context, messageID, userID string) error
}

// Broadcaster carries ephemeral payloads such as typing presence.
// Delivery is at-most-once.
type Broadcaster interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (TopicSubscription, error)
}

// TopicSubscription streams broadcast payloads until closed.
type TopicSubscription interface {
	Messages() <-chan []byte
	Close() error
}

// Uploader stores attachment bytes and returns a retrievable URL.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// Directory lists the session user's conversations with batched summaries.
type Directory interface {
	ListConversations(ctx context.Context, userID string) ([]models.ConversationView, error)
}
