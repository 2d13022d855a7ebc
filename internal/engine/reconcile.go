package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"chat-sync/internal/errs"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

var tracer = otel.Tracer("chat-sync/engine")

func startSpan(ctx context.Context, name, conversationID string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, name, oteltrace.WithAttributes(attribute.String("conversation.id", conversationID)))
}

func endSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ApplyLiveEvent merges one live event into the active conversation and
// reports whether the log changed. Events for any other conversation, or
// naming none, are dropped.
func (e *Engine) ApplyLiveEvent(ev models.LiveEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyToLocked(e.active, ev)
}

// deliver is the per-subscription consumer; conv is the conversation the
// subscription was opened for.
func (e *Engine) deliver(conv *conversation, ev models.LiveEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != conv {
		observability.IncLiveEvent(string(ev.Kind), "stray")
		return false
	}
	return e.applyToLocked(conv, ev)
}

func (e *Engine) applyToLocked(conv *conversation, ev models.LiveEvent) bool {
	if conv == nil || ev.ConversationID != conv.id {
		observability.IncLiveEvent(string(ev.Kind), "stray")
		return false
	}
	return e.applyLocked(conv, ev)
}

func (e *Engine) applyLocked(conv *conversation, ev models.LiveEvent) bool {
	var changed bool
	switch ev.Kind {
	case models.EventInserted, models.EventUpdated:
		if ev.Message == nil || ev.Message.ID == "" {
			observability.IncLiveEvent(string(ev.Kind), "invalid")
			return false
		}
		changed = e.mergeRemoteLocked(conv, ev.Message.Clone(), true)
	case models.EventDeleted:
		if ev.MessageID == "" {
			observability.IncLiveEvent(string(ev.Kind), "invalid")
			return false
		}
		changed = e.tombstoneLocked(conv, ev.MessageID)
	default:
		observability.IncLiveEvent(string(ev.Kind), "invalid")
		return false
	}

	if changed {
		observability.IncLiveEvent(string(ev.Kind), "applied")
	} else {
		observability.IncLiveEvent(string(ev.Kind), "duplicate")
	}
	return changed
}

// mergeRemoteLocked folds a server-confirmed version into the log. It is
// the single merge path for snapshots, live events and write confirmations.
func (e *Engine) mergeRemoteLocked(conv *conversation, m models.Message, notify bool) bool {
	if m.ConversationID == "" {
		m.ConversationID = conv.id
	}
	m.Status = models.StatusConfirmed
	if e.receipts.Has(m.ID, e.session.UserID) {
		m.AddReaders(e.session.UserID)
	}
	if p := e.matchPendingLocked(conv, m); p != nil {
		e.resolveLocked(conv, p, m, notify)
		return true
	}
	_, changed := conv.log.Upsert(m)
	if changed {
		e.logChangedLocked(conv, m.ID, "", notify)
	}
	return changed
}

func (e *Engine) tombstoneLocked(conv *conversation, id string) bool {
	_, changed := conv.log.Tombstone(id)
	if changed {
		e.logChangedLocked(conv, id, "", true)
	}
	return changed
}

func (e *Engine) loadSnapshot(ctx context.Context, conv *conversation) error {
	ctx, span := startSpan(ctx, "sync.snapshot", conv.id)
	start := time.Now()
	msgs, err := e.snapshots.Fetch(ctx, conv.id)
	endSpan(span, err)
	if err != nil {
		observability.ObserveSnapshotFetch("error", time.Since(start))
		return errs.Classify("fetch snapshot", err)
	}
	observability.ObserveSnapshotFetch("ok", time.Since(start))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != conv {
		return nil
	}
	for _, m := range msgs {
		e.mergeRemoteLocked(conv, m, false)
	}
	e.emit(models.Update{Type: models.UpdateLog, ConversationID: conv.id})
	if s, changed := e.summaries.MarkLoaded(conv.id); changed {
		e.emitSummary(s)
	} else {
		s, _ := e.summaries.Summary(conv.id)
		e.emitSummary(s)
	}
	return nil
}
