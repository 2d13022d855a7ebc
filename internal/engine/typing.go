package engine

import (
	"context"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

// NotifyTyping reports local keystrokes in the active conversation. At most
// one broadcast goes out per debounce window; it returns whether one did.
func (e *Engine) NotifyTyping(ctx context.Context) bool {
	if e.emitter == nil {
		return false
	}
	e.mu.Lock()
	conv := e.active
	e.mu.Unlock()
	if conv == nil {
		return false
	}
	return e.emitter.Keystroke(ctx, conv.id)
}

// TypingUsers lists other users currently typing in a conversation.
func (e *Engine) TypingUsers(conversationID string) []string {
	return e.tracker.Typing(conversationID)
}

func (e *Engine) onTypingChange(conversationID string, typing []string) {
	e.emit(models.Update{Type: models.UpdateTyping, ConversationID: conversationID, TypingUsers: typing})
}

func onTypingSent(_ string, err error) {
	if err != nil {
		observability.IncTypingBroadcast("out", "error")
		return
	}
	observability.IncTypingBroadcast("out", "ok")
}
