package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/errs"
	"chat-sync/internal/models"
)

const maxAttachmentBytes = 10 << 20

// SyncEngine is the part of the sync engine the control API drives.
type SyncEngine interface {
	Conversations(query string) []models.ConversationView
	LoadConversations(ctx context.Context) error
	Activate(ctx context.Context, conversationID string) error
	Deactivate()
	Active() (string, bool)
	Degraded() bool
	Messages(conversationID string) ([]models.Message, error)
	Summary(conversationID string) models.Summary
	Refresh(ctx context.Context) error
	Send(ctx context.Context, conversationID, body string, attachmentURL *string) (models.Message, error)
	SendAttachment(ctx context.Context, conversationID, fileName string, data []byte, contentType string) (models.Message, error)
	Retry(ctx context.Context, conversationID, tempID string) (models.Message, error)
	Discard(conversationID, tempID string) error
	Edit(ctx context.Context, conversationID, messageID, body string) (models.Message, error)
	Delete(ctx context.Context, conversationID, messageID string) error
	RecordRead(ctx context.Context, conversationID, messageID string) error
	NotifyTyping(ctx context.Context) bool
	TypingUsers(conversationID string) []string
}

// ConversationCreator stores new conversations.
type ConversationCreator interface {
	CreateConversation(ctx context.Context, kind models.ConversationKind, name string, memberIDs []string) (models.Conversation, error)
}

// SyncHandler exposes the engine to a local UI.
type SyncHandler struct {
	engine  SyncEngine
	creator ConversationCreator
}

// NewSyncHandler builds a SyncHandler. creator may be nil.
func NewSyncHandler(engine SyncEngine, creator ConversationCreator) *SyncHandler {
	return &SyncHandler{engine: engine, creator: creator}
}

// ListConversations returns known conversations, optionally filtered by ?q=.
func (h *SyncHandler) ListConversations(c *gin.Context) {
	views := h.engine.Conversations(c.Query("q"))
	if views == nil {
		views = []models.ConversationView{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

// CreateConversation creates a direct chat or group including the session
// user and reloads the directory.
func (h *SyncHandler) CreateConversation(c *gin.Context) {
	if h.creator == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "conversation directory is read-only"})
		return
	}
	var req struct {
		Kind      models.ConversationKind `json:"kind" binding:"required"`
		Name      string                  `json:"name"`
		MemberIDs []string                `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	members := withMember(req.MemberIDs, c.GetString("userID"))
	conv, err := h.creator.CreateConversation(c.Request.Context(), req.Kind, strings.TrimSpace(req.Name), members)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.engine.LoadConversations(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

// Activate switches the active conversation.
func (h *SyncHandler) Activate(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	if err := h.engine.Activate(c.Request.Context(), conversationID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID, "degraded": h.engine.Degraded()})
}

// Deactivate leaves the active conversation.
func (h *SyncHandler) Deactivate(c *gin.Context) {
	h.engine.Deactivate()
	c.Status(http.StatusNoContent)
}

// Refresh re-fetches the active conversation's snapshot.
func (h *SyncHandler) Refresh(c *gin.Context) {
	if err := h.engine.Refresh(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetMessages returns the active conversation's log and summary.
func (h *SyncHandler) GetMessages(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	msgs, err := h.engine.Messages(conversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"summary":  h.engine.Summary(conversationID),
		"degraded": h.engine.Degraded(),
	})
}

// PostMessage sends a message optimistically; the pending entry is returned.
func (h *SyncHandler) PostMessage(c *gin.Context) {
	var req struct {
		Body          string  `json:"body"`
		AttachmentURL *string `json:"attachment_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.engine.Send(c.Request.Context(), c.Param("conversation_id"), req.Body, req.AttachmentURL)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": msg})
}

// PostAttachment uploads the multipart "file" field and sends it.
func (h *SyncHandler) PostAttachment(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	if fh.Size > maxAttachmentBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxAttachmentBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}

	msg, err := h.engine.SendAttachment(c.Request.Context(), c.Param("conversation_id"), fh.Filename, data, fh.Header.Get("Content-Type"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": msg})
}

// EditMessage replaces the body of one of the user's messages.
func (h *SyncHandler) EditMessage(c *gin.Context) {
	var req struct {
		Body string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.engine.Edit(c.Request.Context(), c.Param("conversation_id"), c.Param("message_id"), req.Body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// DeleteMessage tombstones one of the user's messages.
func (h *SyncHandler) DeleteMessage(c *gin.Context) {
	if err := h.engine.Delete(c.Request.Context(), c.Param("conversation_id"), c.Param("message_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RetryMessage re-issues a failed send.
func (h *SyncHandler) RetryMessage(c *gin.Context) {
	msg, err := h.engine.Retry(c.Request.Context(), c.Param("conversation_id"), c.Param("message_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": msg})
}

// DiscardMessage drops a failed send.
func (h *SyncHandler) DiscardMessage(c *gin.Context) {
	if err := h.engine.Discard(c.Param("conversation_id"), c.Param("message_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkRead records a read receipt.
func (h *SyncHandler) MarkRead(c *gin.Context) {
	if err := h.engine.RecordRead(c.Request.Context(), c.Param("conversation_id"), c.Param("message_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Typing reports a keystroke in the active conversation.
func (h *SyncHandler) Typing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sent": h.engine.NotifyTyping(c.Request.Context())})
}

// TypingUsers lists who else is typing.
func (h *SyncHandler) TypingUsers(c *gin.Context) {
	users := h.engine.TypingUsers(c.Param("conversation_id"))
	if users == nil {
		users = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// respondError maps the engine's error taxonomy to HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsValidation(err):
		status = http.StatusBadRequest
	case errs.IsConflict(err), errors.Is(err, errs.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errs.IsRetryable(err):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func withMember(ids []string, userID string) []string {
	out := make([]string, 0, len(ids)+1)
	seen := map[string]bool{}
	for _, id := range append([]string{userID}, ids...) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
