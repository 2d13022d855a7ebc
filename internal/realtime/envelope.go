// Package realtime opens live change feeds scoped to one conversation.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"chat-sync/internal/models"
)

// Envelope types shared by the websocket feed and database notifications.
const (
	TypeMessage       = "message"
	TypeMessageUpdate = "message_update"
	TypeDeleteForAll  = "delete_for_all"
)

var (
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrGap means notifications may have been lost and a snapshot is due.
	ErrGap = errors.New("live feed reconnected, events may be missing")
)

// Decode turns a wire envelope into a live event for conversationID.
func Decode(conversationID string, raw []byte) (models.LiveEvent, error) {
	var env models.ChatEvent
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.LiveEvent{}, fmt.Errorf("decode envelope: %w", err)
	}

	ev := models.LiveEvent{ConversationID: conversationID}
	switch env.Type {
	case TypeMessage, TypeMessageUpdate:
		if env.Message == nil || env.Message.ID == "" {
			return models.LiveEvent{}, fmt.Errorf("%s without message", env.Type)
		}
		ev.Kind = models.EventInserted
		if env.Type == TypeMessageUpdate {
			ev.Kind = models.EventUpdated
		}
		msg := *env.Message
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		if msg.UpdatedAt.IsZero() {
			msg.UpdatedAt = msg.CreatedAt
		}
		msg.Status = models.StatusConfirmed
		ev.ConversationID = msg.ConversationID
		ev.Message = &msg
	case TypeDeleteForAll:
		id := env.MessageID
		if id == "" && env.Message != nil {
			id = env.Message.ID
		}
		if id == "" {
			return models.LiveEvent{}, fmt.Errorf("%s without message id", env.Type)
		}
		ev.Kind = models.EventDeleted
		ev.MessageID = id
	default:
		return models.LiveEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return ev, nil
}

// Encode is the inverse of Decode, used by feed producers.
func Encode(ev models.LiveEvent) ([]byte, error) {
	env := models.ChatEvent{Message: ev.Message, MessageID: ev.MessageID}
	switch ev.Kind {
	case models.EventInserted:
		env.Type = TypeMessage
	case models.EventUpdated:
		env.Type = TypeMessageUpdate
	case models.EventDeleted:
		env.Type = TypeDeleteForAll
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	return json.Marshal(env)
}

// subscription is the LiveSubscription shared by both feeds. One producer
// goroutine owns the events channel and closes it on exit.
type subscription struct {
	events chan models.LiveEvent
	done   chan struct{}
	once   sync.Once
	closer func()

	mu  sync.Mutex
	err error
}

func newSubscription(closer func()) *subscription {
	return &subscription{
		events: make(chan models.LiveEvent, 64),
		done:   make(chan struct{}),
		closer: closer,
	}
}

func (s *subscription) Events() <-chan models.LiveEvent {
	return s.events
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.closer != nil {
			s.closer()
		}
	})
	return nil
}

func (s *subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// send hands ev to the consumer; false means the subscription was closed.
func (s *subscription) send(ev models.LiveEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// fail records why the stream ended unless the consumer closed it.
func (s *subscription) fail(err error) {
	if s.closed() {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
