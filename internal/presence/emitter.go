package presence

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"chat-sync/internal/models"
)

// DefaultDebounce bounds outbound typing broadcasts per conversation.
const DefaultDebounce = 2 * time.Second

const publishTimeout = 2 * time.Second

// Publisher delivers a payload on a broadcast topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ResultFunc observes the outcome of each outbound broadcast.
type ResultFunc func(conversationID string, err error)

// Emitter broadcasts the local user's typing activity at most once per window.
type Emitter struct {
	mu       sync.Mutex
	clock    clock.Clock
	window   time.Duration
	pub      Publisher
	selfID   string
	limiters map[string]*rate.Limiter
	onResult ResultFunc
}

// NewEmitter builds an Emitter for the session user.
func NewEmitter(clk clock.Clock, window time.Duration, pub Publisher, selfID string, onResult ResultFunc) *Emitter {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Emitter{
		clock:    clk,
		window:   window,
		pub:      pub,
		selfID:   selfID,
		limiters: make(map[string]*rate.Limiter),
		onResult: onResult,
	}
}

// Topic names the broadcast topic of a conversation.
func Topic(conversationID string) string {
	return "typing." + conversationID
}

// Keystroke reports local typing. It returns true when a broadcast was sent.
// Delivery failures are logged and dropped.
func (e *Emitter) Keystroke(ctx context.Context, conversationID string) bool {
	if e.pub == nil || conversationID == "" {
		return false
	}
	now := e.clock.Now()

	e.mu.Lock()
	lim, ok := e.limiters[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(e.window), 1)
		e.limiters[conversationID] = lim
	}
	allowed := lim.AllowN(now, 1)
	e.mu.Unlock()
	if !allowed {
		return false
	}

	payload, err := json.Marshal(models.TypingPayload{
		ConversationID: conversationID,
		UserID:         e.selfID,
		SentAt:         now.UTC(),
	})
	if err != nil {
		return false
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	err = e.pub.Publish(pubCtx, Topic(conversationID), payload)
	if err != nil {
		log.Printf("typing broadcast dropped conversation=%s: %v", conversationID, err)
	}
	if e.onResult != nil {
		e.onResult(conversationID, err)
	}
	return true
}

// Forget drops limiter state for a conversation.
func (e *Emitter) Forget(conversationID string) {
	e.mu.Lock()
	delete(e.limiters, conversationID)
	e.mu.Unlock()
}

// Decode parses an inbound typing payload.
func Decode(raw []byte) (models.TypingPayload, error) {
	var p models.TypingPayload
	err := json.Unmarshal(raw, &p)
	return p, err
}
