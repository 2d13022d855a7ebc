package mocks

import (
	"context"
	"errors"
	"sync"

	"chat-sync/internal/models"
	"chat-sync/internal/transport"
)

// FeedStub hands out in-memory subscriptions that tests push events into.
type FeedStub struct {
	mu      sync.Mutex
	subs    []*SubscriptionStub
	failing int
}

// FailNext makes the next n Subscribe calls fail.
func (f *FeedStub) FailNext(n int) {
	f.mu.Lock()
	f.failing = n
	f.mu.Unlock()
}

func (f *FeedStub) Subscribe(ctx context.Context, conversationID string) (transport.LiveSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing > 0 {
		f.failing--
		return nil, errors.New("feed unavailable")
	}
	sub := &SubscriptionStub{
		ConversationID: conversationID,
		events:         make(chan models.LiveEvent, 64),
	}
	f.subs = append(f.subs, sub)
	return sub, nil
}

// Subscriptions returns every subscription opened so far.
func (f *FeedStub) Subscriptions() []*SubscriptionStub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*SubscriptionStub(nil), f.subs...)
}

// Last returns the newest subscription, or nil.
func (f *FeedStub) Last() *SubscriptionStub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

type SubscriptionStub struct {
	ConversationID string

	mu     sync.Mutex
	events chan models.LiveEvent
	err    error
	closed bool
}

// Push delivers an event unless the subscription has ended.
func (s *SubscriptionStub) Push(ev models.LiveEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

// Fail ends the stream with err.
func (s *SubscriptionStub) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

func (s *SubscriptionStub) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SubscriptionStub) Events() <-chan models.LiveEvent {
	return s.events
}

func (s *SubscriptionStub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *SubscriptionStub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// TopicStub is an in-memory broadcast subscription.
type TopicStub struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func NewTopicStub() *TopicStub {
	return &TopicStub{ch: make(chan []byte, 16)}
}

func (t *TopicStub) Push(payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.ch <- payload
	}
}

func (t *TopicStub) Messages() <-chan []byte {
	return t.ch
}

func (t *TopicStub) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
	return nil
}

var (
	_ transport.LiveFeed          = (*FeedStub)(nil)
	_ transport.LiveSubscription  = (*SubscriptionStub)(nil)
	_ transport.TopicSubscription = (*TopicStub)(nil)
)
