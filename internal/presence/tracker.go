// Package presence tracks who is typing and throttles the local user's own
// typing broadcasts.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTTL is how long a typing indication lasts without a fresh broadcast.
const DefaultTTL = 3 * time.Second

type entryKey struct {
	conversationID string
	userID         string
}

type entry struct {
	timer     *clock.Timer
	expiresAt time.Time
}

// ChangeFunc receives the typing set of a conversation after it changes.
type ChangeFunc func(conversationID string, typing []string)

// Tracker holds idle/typing state per (conversation, user). Each entry owns
// one timer that is re-armed by every broadcast.
type Tracker struct {
	mu       sync.Mutex
	clock    clock.Clock
	ttl      time.Duration
	entries  map[entryKey]*entry
	onChange ChangeFunc
}

// NewTracker builds a Tracker. onChange may be nil.
func NewTracker(clk clock.Clock, ttl time.Duration, onChange ChangeFunc) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		clock:    clk,
		ttl:      ttl,
		entries:  make(map[entryKey]*entry),
		onChange: onChange,
	}
}

// Observe records a typing broadcast received now.
func (t *Tracker) Observe(conversationID, userID string) {
	if conversationID == "" || userID == "" {
		return
	}
	key := entryKey{conversationID: conversationID, userID: userID}

	t.mu.Lock()
	e, exists := t.entries[key]
	if exists {
		e.expiresAt = t.clock.Now().Add(t.ttl)
		e.timer.Reset(t.ttl)
		t.mu.Unlock()
		return
	}
	e = &entry{expiresAt: t.clock.Now().Add(t.ttl)}
	e.timer = t.clock.AfterFunc(t.ttl, func() { t.expire(key, e) })
	t.entries[key] = e
	typing := t.typingLocked(conversationID)
	t.mu.Unlock()

	t.notify(conversationID, typing)
}

// IsTyping reports the state of one user.
func (t *Tracker) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[entryKey{conversationID: conversationID, userID: userID}]
	return ok && t.clock.Now().Before(e.expiresAt)
}

// Typing lists users currently typing in a conversation.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typingLocked(conversationID)
}

// Clear drops every entry of a conversation without notifying.
func (t *Tracker) Clear(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		if key.conversationID == conversationID {
			e.timer.Stop()
			delete(t.entries, key)
		}
	}
}

// Stop cancels all timers.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
}

func (t *Tracker) expire(key entryKey, fired *entry) {
	t.mu.Lock()
	e, ok := t.entries[key]
	// A re-armed timer can fire while Observe holds the lock; the deadline
	// decides whether this firing is stale.
	if !ok || e != fired || t.clock.Now().Before(e.expiresAt) {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	typing := t.typingLocked(key.conversationID)
	t.mu.Unlock()

	t.notify(key.conversationID, typing)
}

func (t *Tracker) typingLocked(conversationID string) []string {
	now := t.clock.Now()
	users := []string{}
	for key, e := range t.entries {
		if key.conversationID == conversationID && now.Before(e.expiresAt) {
			users = append(users, key.userID)
		}
	}
	sort.Strings(users)
	return users
}

func (t *Tracker) notify(conversationID string, typing []string) {
	if t.onChange != nil {
		t.onChange(conversationID, typing)
	}
}
