package engine

import (
	"errors"
	"log"

	"github.com/cenkalti/backoff/v4"

	"chat-sync/internal/errs"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/presence"
	"chat-sync/internal/transport"
)

var errFeedClosed = errors.New("live feed closed")

func (e *Engine) openFeed(conv *conversation) {
	sub, err := e.feed.Subscribe(conv.ctx, conv.id)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if e.active != conv {
			return
		}
		e.markDegradedLocked(conv, err)
		e.goLocked(func() { e.recoverFeed(conv) })
		return
	}
	if !e.adoptLocked(conv, sub) {
		_ = sub.Close()
		return
	}
	e.goLocked(func() { e.runFeed(conv, sub) })
}

func (e *Engine) adoptLocked(conv *conversation, sub transport.LiveSubscription) bool {
	if e.active != conv || conv.ctx.Err() != nil {
		return false
	}
	conv.sub = sub
	return true
}

// runFeed drains one subscription at a time, in receipt order. When a
// subscription ends on its own the feed is marked degraded until a new
// subscription and a gap-filling snapshot are both in place.
func (e *Engine) runFeed(conv *conversation, sub transport.LiveSubscription) {
	for {
		for ev := range sub.Events() {
			e.deliver(conv, ev)
		}
		if conv.ctx.Err() != nil {
			return
		}
		cause := sub.Err()
		if cause == nil {
			cause = errFeedClosed
		}
		_ = sub.Close()

		e.mu.Lock()
		if e.active != conv {
			e.mu.Unlock()
			return
		}
		e.markDegradedLocked(conv, cause)
		e.mu.Unlock()

		next, ok := e.resubscribe(conv)
		if !ok {
			return
		}
		sub = next
	}
}

func (e *Engine) recoverFeed(conv *conversation) {
	sub, ok := e.resubscribe(conv)
	if !ok {
		return
	}
	e.runFeed(conv, sub)
}

func (e *Engine) resubscribe(conv *conversation) (transport.LiveSubscription, bool) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.ResubscribeInitial
	b.MaxInterval = e.opts.ResubscribeMax
	b.MaxElapsedTime = 0

	var sub transport.LiveSubscription
	op := func() error {
		s, err := e.feed.Subscribe(conv.ctx, conv.id)
		if err != nil {
			log.Printf("sync: resubscribe failed conversation=%s: %v", conv.id, err)
			return err
		}
		if err := e.loadSnapshot(conv.ctx, conv); err != nil {
			_ = s.Close()
			if errors.Is(err, errs.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		sub = s
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, conv.ctx)); err != nil {
		if conv.ctx.Err() == nil {
			log.Printf("sync: giving up on live feed conversation=%s: %v", conv.id, err)
		}
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.adoptLocked(conv, sub) {
		_ = sub.Close()
		return nil, false
	}
	conv.degraded = false
	observability.SetFeedDegraded(false)
	observability.IncFeedResubscribe()
	recovered := false
	e.emit(models.Update{Type: models.UpdateFeed, ConversationID: conv.id, Degraded: &recovered})
	e.auditLocked("feed_recovered", conv.id, "")
	log.Printf("sync: live feed recovered conversation=%s", conv.id)
	return sub, true
}

func (e *Engine) markDegradedLocked(conv *conversation, cause error) {
	if conv.degraded {
		return
	}
	conv.degraded = true
	conv.sub = nil
	observability.SetFeedDegraded(true)
	degraded := true
	e.emit(models.Update{Type: models.UpdateFeed, ConversationID: conv.id, Degraded: &degraded})
	e.auditLocked("feed_degraded", conv.id, cause.Error())
	log.Printf("sync: feed degraded conversation=%s err=%v", conv.id, cause)
}

// openTyping subscribes to the conversation's presence topic. Failures
// only cost typing indicators, so they are logged and dropped.
func (e *Engine) openTyping(conv *conversation) {
	if e.broadcaster == nil {
		return
	}
	sub, err := e.broadcaster.Subscribe(conv.ctx, presence.Topic(conv.id))
	if err != nil {
		log.Printf("sync: typing subscribe failed conversation=%s: %v", conv.id, err)
		observability.IncTypingBroadcast("in", "subscribe_error")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != conv || conv.ctx.Err() != nil {
		_ = sub.Close()
		return
	}
	conv.typing = sub
	e.goLocked(func() { e.runTyping(conv, sub) })
}

func (e *Engine) runTyping(conv *conversation, sub transport.TopicSubscription) {
	for raw := range sub.Messages() {
		if conv.ctx.Err() != nil {
			return
		}
		p, err := presence.Decode(raw)
		if err != nil {
			observability.IncTypingBroadcast("in", "invalid")
			continue
		}
		if p.UserID == e.session.UserID || p.ConversationID != conv.id {
			continue
		}
		e.tracker.Observe(conv.id, p.UserID)
		observability.IncTypingBroadcast("in", "ok")
	}
}
