package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"chat-sync/internal/errs"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

const tempIDPrefix = "tmp-"

// Change notifications carry the message inline and Postgres caps a NOTIFY
// payload below 8000 bytes, so body and attachment URL are bounded by their
// JSON-encoded size.
const (
	MaxBodyBytes          = 6000
	MaxAttachmentURLBytes = 1024
)

func checkSize(field, value string, limit int) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return errs.Invalid(field, err.Error())
	}
	if len(encoded) > limit {
		return errs.Invalid(field, fmt.Sprintf("too long (%d bytes encoded, max %d)", len(encoded), limit))
	}
	return nil
}

type pendingSend struct {
	tempID    string
	clientRef string
	draft     models.Draft
	createdAt time.Time
	failed    bool
}

// Send appends a pending message to the active conversation and issues the
// remote write in the background. The returned message carries a temporary
// id; it is replaced in place by the confirmed message, or marked failed.
func (e *Engine) Send(ctx context.Context, conversationID, body string, attachmentURL *string) (models.Message, error) {
	text := strings.TrimSpace(body)
	if attachmentURL != nil && *attachmentURL == "" {
		attachmentURL = nil
	}
	if text == "" && attachmentURL == nil {
		return models.Message{}, errs.Invalid("body", "empty message")
	}
	if err := checkSize("body", text, MaxBodyBytes); err != nil {
		return models.Message{}, err
	}
	if attachmentURL != nil {
		if err := checkSize("attachment_url", *attachmentURL, MaxAttachmentURLBytes); err != nil {
			return models.Message{}, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	conv, err := e.activeLocked(conversationID)
	if err != nil {
		return models.Message{}, err
	}

	now := e.clock.Now().UTC()
	p := &pendingSend{
		tempID:    tempIDPrefix + uuid.NewString(),
		clientRef: uuid.NewString(),
		createdAt: now,
	}
	p.draft = models.Draft{
		ConversationID: conv.id,
		SenderID:       e.session.UserID,
		AttachmentURL:  attachmentURL,
		ClientRef:      p.clientRef,
	}
	if text != "" {
		p.draft.Body = models.StringPtr(text)
	}

	pending := models.Message{
		ID:             p.tempID,
		ConversationID: conv.id,
		SenderID:       e.session.UserID,
		Body:           p.draft.Body,
		AttachmentURL:  p.draft.AttachmentURL,
		CreatedAt:      now,
		UpdatedAt:      now,
		ClientRef:      p.clientRef,
		Status:         models.StatusPending,
	}
	conv.log.Upsert(pending)
	conv.pending[p.clientRef] = p
	e.logChangedLocked(conv, p.tempID, "", true)
	e.syncPendingLocked(conv)
	e.goWriteLocked(func() { e.confirmSend(conv, p) })

	out, _ := conv.log.Get(p.tempID)
	return out, nil
}

// SendAttachment uploads data and sends a message carrying its URL, with the
// file name as body. Nothing is added to the log if the upload fails.
func (e *Engine) SendAttachment(ctx context.Context, conversationID, fileName string, data []byte, contentType string) (models.Message, error) {
	if strings.TrimSpace(fileName) == "" {
		return models.Message{}, errs.Invalid("attachment", "missing file name")
	}
	if len(data) == 0 {
		return models.Message{}, errs.Invalid("attachment", "empty file")
	}
	if err := checkSize("attachment", fileName, MaxBodyBytes); err != nil {
		return models.Message{}, err
	}
	if e.uploader == nil {
		return models.Message{}, errs.Invalid("attachment", "uploads not configured")
	}

	e.mu.Lock()
	conv, err := e.activeLocked(conversationID)
	var kind models.ConversationKind
	if err == nil {
		kind = conv.meta.Kind
	}
	e.mu.Unlock()
	if err != nil {
		return models.Message{}, err
	}

	url, err := e.uploader.Upload(ctx, ObjectPath(kind, conversationID, fileName), data, contentType)
	if err != nil {
		observability.IncWriteFailure("upload")
		return models.Message{}, errs.Classify("upload attachment", err)
	}
	return e.Send(ctx, conversationID, fileName, &url)
}

// ObjectPath names the storage object for an attachment.
func ObjectPath(kind models.ConversationKind, conversationID, fileName string) string {
	if kind == "" {
		kind = models.KindDirect
	}
	return fmt.Sprintf("%s-%s/%s%s", kind, conversationID, uuid.NewString(), strings.ToLower(path.Ext(fileName)))
}

// Retry re-issues a failed send with its original correlation id.
func (e *Engine) Retry(ctx context.Context, conversationID, tempID string) (models.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, err := e.activeLocked(conversationID)
	if err != nil {
		return models.Message{}, err
	}
	p := conv.pendingByTemp(tempID)
	if p == nil || !p.failed {
		return models.Message{}, errs.Invalid("message", "no failed send "+tempID)
	}
	p.failed = false
	_, cur, _ := conv.log.Patch(tempID, func(m *models.Message) { m.Status = models.StatusPending })
	e.logChangedLocked(conv, tempID, "", true)
	e.syncPendingLocked(conv)
	e.goWriteLocked(func() { e.confirmSend(conv, p) })
	return cur, nil
}

// Discard drops a failed send from the log.
func (e *Engine) Discard(conversationID, tempID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, err := e.activeLocked(conversationID)
	if err != nil {
		return err
	}
	p := conv.pendingByTemp(tempID)
	if p == nil || !p.failed {
		return errs.Invalid("message", "no failed send "+tempID)
	}
	delete(conv.pending, p.clientRef)
	if gone, ok := conv.log.Remove(tempID); ok {
		e.removedLocked(conv, gone)
	}
	e.syncPendingLocked(conv)
	return nil
}

func (e *Engine) confirmSend(conv *conversation, p *pendingSend) {
	ctx, span := startSpan(conv.ctx, "sync.create_message", conv.id)
	msg, err := e.writer.CreateMessage(ctx, p.draft)
	endSpan(span, err)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != conv {
		return
	}
	outstanding := conv.pending[p.clientRef] == p

	if err != nil {
		if !outstanding {
			return
		}
		p.failed = true
		conv.log.Patch(p.tempID, func(m *models.Message) { m.Status = models.StatusFailed })
		e.logChangedLocked(conv, p.tempID, "", true)
		e.syncPendingLocked(conv)
		observability.IncWriteFailure("create")
		e.auditLocked("write_failed", conv.id, "create: "+err.Error())
		log.Printf("sync: send failed conversation=%s temp_id=%s: %v", conv.id, p.tempID, err)
		return
	}

	if msg.ClientRef == "" {
		msg.ClientRef = p.clientRef
	}
	msg.Status = models.StatusConfirmed
	if msg.ConversationID == "" {
		msg.ConversationID = conv.id
	}
	if outstanding {
		e.resolveLocked(conv, p, msg, true)
		return
	}
	// The live echo got here first.
	e.mergeRemoteLocked(conv, msg, true)
}

// matchPendingLocked finds the outstanding send a confirmed message stands
// for. The correlation id decides when present; otherwise an echo of our own
// message with identical content inside the correlation window matches the
// oldest candidate still in flight.
func (e *Engine) matchPendingLocked(conv *conversation, m models.Message) *pendingSend {
	if len(conv.pending) == 0 {
		return nil
	}
	if m.ClientRef != "" {
		return conv.pending[m.ClientRef]
	}
	if m.SenderID != e.session.UserID || conv.log.Has(m.ID) {
		return nil
	}
	var best *pendingSend
	for _, p := range conv.pending {
		// a failed send stays visible until retried or discarded
		if p.failed {
			continue
		}
		if !sameText(p.draft.Body, m.Body) || !sameText(p.draft.AttachmentURL, m.AttachmentURL) {
			continue
		}
		if absDuration(m.CreatedAt.Sub(p.createdAt)) > e.opts.CorrelationWindow {
			continue
		}
		if best == nil || p.createdAt.Before(best.createdAt) ||
			(p.createdAt.Equal(best.createdAt) && p.tempID < best.tempID) {
			best = p
		}
	}
	return best
}

func (e *Engine) resolveLocked(conv *conversation, p *pendingSend, m models.Message, notify bool) {
	delete(conv.pending, p.clientRef)
	if m.ClientRef == "" {
		m.ClientRef = p.clientRef
	}
	removed, _, _ := conv.log.Replace(p.tempID, m)
	if removed.ID != "" {
		e.summaries.Remove(conv.id, removed, conv.log)
	}
	e.logChangedLocked(conv, m.ID, p.tempID, notify)
	e.syncPendingLocked(conv)
}

func (e *Engine) syncPendingLocked(conv *conversation) {
	n := 0
	for _, p := range conv.pending {
		if !p.failed {
			n++
		}
	}
	observability.SetPendingWrites(n)
}

// Edit changes the body of one of the session user's messages. The local
// entry is updated first and restored if the remote update fails.
func (e *Engine) Edit(ctx context.Context, conversationID, messageID, body string) (models.Message, error) {
	text := strings.TrimSpace(body)
	if text == "" {
		return models.Message{}, errs.Invalid("body", "empty message")
	}
	if err := checkSize("body", text, MaxBodyBytes); err != nil {
		return models.Message{}, err
	}

	e.mu.Lock()
	conv, cur, err := e.ownedLocked(conversationID, messageID)
	if err != nil {
		e.mu.Unlock()
		return models.Message{}, err
	}
	if cur.Deleted {
		e.mu.Unlock()
		return models.Message{}, &errs.ConflictError{Op: "edit", MessageID: messageID, Err: errs.ErrConflict}
	}
	if cur.Text() == text {
		e.mu.Unlock()
		return cur, nil
	}
	prev, optimistic, _ := conv.log.Patch(messageID, func(m *models.Message) {
		m.Body = models.StringPtr(text)
		m.Edited = true
	})
	e.logChangedLocked(conv, messageID, "", true)
	e.mu.Unlock()

	spanCtx, span := startSpan(ctx, "sync.update_message", conversationID)
	msg, err := e.writer.UpdateMessage(spanCtx, messageID, models.Patch{Body: models.StringPtr(text)})
	endSpan(span, err)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		observability.IncWriteFailure("edit")
		if e.active == conv {
			e.rollbackLocked(conv, prev, optimistic)
			e.auditLocked("write_failed", conv.id, "edit: "+err.Error())
		}
		return models.Message{}, writeError("edit", messageID, err)
	}
	if e.active != conv {
		return msg, nil
	}
	e.mergeRemoteLocked(conv, msg, true)
	out, _ := conv.log.Get(messageID)
	return out, nil
}

// Delete tombstones one of the session user's messages, locally first.
func (e *Engine) Delete(ctx context.Context, conversationID, messageID string) error {
	e.mu.Lock()
	conv, cur, err := e.ownedLocked(conversationID, messageID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if cur.Deleted {
		e.mu.Unlock()
		return nil
	}
	prev, optimistic, _ := conv.log.Patch(messageID, func(m *models.Message) {
		m.Deleted = true
		m.Body = nil
		m.AttachmentURL = nil
	})
	e.logChangedLocked(conv, messageID, "", true)
	e.mu.Unlock()

	spanCtx, span := startSpan(ctx, "sync.delete_message", conversationID)
	err = e.writer.DeleteMessage(spanCtx, messageID)
	endSpan(span, err)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		observability.IncWriteFailure("delete")
		if e.active == conv {
			e.rollbackLocked(conv, prev, optimistic)
			e.auditLocked("write_failed", conv.id, "delete: "+err.Error())
		}
		return writeError("delete", messageID, err)
	}
	if e.active == conv {
		e.tombstoneLocked(conv, messageID)
	}
	return nil
}

// RecordRead appends a receipt for the session user and persists it in the
// background. Persistence failures are logged only; recording the same
// receipt again retries a failed persist.
func (e *Engine) RecordRead(ctx context.Context, conversationID, messageID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, err := e.activeLocked(conversationID)
	if err != nil {
		return err
	}
	cur, ok := conv.log.Get(messageID)
	if !ok {
		return errs.Invalid("message", "not found: "+messageID)
	}
	if cur.Status != models.StatusConfirmed {
		return nil
	}
	receipt := models.ReadReceipt{MessageID: messageID, UserID: e.session.UserID, ReadAt: e.clock.Now().UTC()}
	persist := e.receipts.Append(receipt) || e.receipts.Reclaim(messageID, e.session.UserID)

	if s, changed := e.summaries.MarkRead(conv.id, messageID); changed {
		e.emitSummary(s)
	}
	if !cur.ReadBy(e.session.UserID) {
		conv.log.Patch(messageID, func(m *models.Message) { m.AddReaders(e.session.UserID) })
		e.logChangedLocked(conv, messageID, "", true)
	}
	if !persist {
		return nil
	}

	e.goWriteLocked(func() {
		rctx, cancel := context.WithTimeout(e.baseCtx, e.opts.ReceiptTimeout)
		defer cancel()
		err := e.writer.AppendReadReceipt(rctx, receipt.MessageID, receipt.UserID)
		e.receipts.Settle(receipt.MessageID, receipt.UserID, err)
		if err != nil {
			observability.IncWriteFailure("read_receipt")
			log.Printf("sync: read receipt not persisted message=%s: %v", receipt.MessageID, err)
		}
	})
	return nil
}

func (e *Engine) ownedLocked(conversationID, messageID string) (*conversation, models.Message, error) {
	conv, err := e.activeLocked(conversationID)
	if err != nil {
		return nil, models.Message{}, err
	}
	cur, ok := conv.log.Get(messageID)
	if !ok {
		return nil, models.Message{}, errs.Invalid("message", "not found: "+messageID)
	}
	if cur.Status != models.StatusConfirmed {
		return nil, models.Message{}, errs.Invalid("message", "not confirmed yet")
	}
	if cur.SenderID != e.session.UserID {
		return nil, models.Message{}, errs.Invalid("message", "only the author may change it")
	}
	return conv, cur, nil
}

// rollbackLocked restores prev unless a newer remote version has already
// replaced the optimistic one. Readers gathered meanwhile are kept.
func (e *Engine) rollbackLocked(conv *conversation, prev, optimistic models.Message) {
	cur, ok := conv.log.Get(prev.ID)
	if !ok || !sameVersion(cur, optimistic) {
		return
	}
	prev.AddReaders(cur.ReaderIDs...)
	if conv.log.Restore(prev) {
		e.logChangedLocked(conv, prev.ID, "", true)
	}
}

func writeError(op, messageID string, err error) error {
	if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrConflict) {
		return &errs.ConflictError{Op: op, MessageID: messageID, Err: err}
	}
	return errs.Classify(op+" message", err)
}

func (c *conversation) pendingByTemp(tempID string) *pendingSend {
	for _, p := range c.pending {
		if p.tempID == tempID {
			return p
		}
	}
	return nil
}

func sameVersion(a, b models.Message) bool {
	return sameText(a.Body, b.Body) &&
		sameText(a.AttachmentURL, b.AttachmentURL) &&
		a.Deleted == b.Deleted &&
		a.Edited == b.Edited &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}

func sameText(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
