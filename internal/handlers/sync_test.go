package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/errs"
	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
)

func setupSyncRouter(handler *SyncHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", "user-A")
		c.Next()
	})
	r.GET("/conversations", handler.ListConversations)
	r.POST("/conversations", handler.CreateConversation)
	r.DELETE("/conversations/active", handler.Deactivate)
	r.POST("/conversations/active/refresh", handler.Refresh)
	r.POST("/conversations/:conversation_id/activate", handler.Activate)
	r.GET("/conversations/:conversation_id/messages", handler.GetMessages)
	r.POST("/conversations/:conversation_id/messages", handler.PostMessage)
	r.POST("/conversations/:conversation_id/attachments", handler.PostAttachment)
	r.PATCH("/conversations/:conversation_id/messages/:message_id", handler.EditMessage)
	r.DELETE("/conversations/:conversation_id/messages/:message_id", handler.DeleteMessage)
	r.POST("/conversations/:conversation_id/messages/:message_id/retry", handler.RetryMessage)
	r.DELETE("/conversations/:conversation_id/messages/:message_id/pending", handler.DiscardMessage)
	r.POST("/conversations/:conversation_id/messages/:message_id/read", handler.MarkRead)
	r.POST("/typing", handler.Typing)
	r.GET("/conversations/:conversation_id/typing", handler.TypingUsers)
	return r
}

func strPtr(s string) *string { return &s }

func serve(router *gin.Engine, method, target string, body *bytes.Buffer) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestListConversationsFiltersByQuery(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))

	engine.On("Conversations", "ali").Return([]models.ConversationView{
		{Conversation: models.Conversation{ID: "c1", Kind: models.KindDirect, Name: "Alice"}},
	}).Once()

	rec := serve(router, http.MethodGet, "/conversations?q=ali", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Conversations []models.ConversationView `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, "Alice", resp.Conversations[0].Name)
	engine.AssertExpectations(t)
}

func TestListConversationsEmptyIsArray(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))
	engine.On("Conversations", "").Return(nil).Once()

	rec := serve(router, http.MethodGet, "/conversations", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversations":[]}`, rec.Body.String())
}

func TestCreateConversationAddsSessionUser(t *testing.T) {
	engine := new(mocks.EngineMock)
	creator := new(mocks.ConversationCreatorMock)
	router := setupSyncRouter(NewSyncHandler(engine, creator))

	creator.On("CreateConversation", mock.Anything, models.KindDirect, "", []string{"user-A", "user-B"}).
		Return(models.Conversation{ID: "c9", Kind: models.KindDirect}, nil).Once()
	engine.On("LoadConversations", mock.Anything).Return(nil).Once()

	rec := serve(router, http.MethodPost, "/conversations", bytes.NewBufferString(`{"kind":"user","member_ids":["user-B","user-A"]}`))

	require.Equal(t, http.StatusCreated, rec.Code)
	creator.AssertExpectations(t)
	engine.AssertExpectations(t)
}

func TestCreateConversationWithoutCreator(t *testing.T) {
	router := setupSyncRouter(NewSyncHandler(new(mocks.EngineMock), nil))

	rec := serve(router, http.MethodPost, "/conversations", bytes.NewBufferString(`{"kind":"group","member_ids":["x"]}`))

	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestCreateConversationValidation(t *testing.T) {
	engine := new(mocks.EngineMock)
	creator := new(mocks.ConversationCreatorMock)
	router := setupSyncRouter(NewSyncHandler(engine, creator))

	creator.On("CreateConversation", mock.Anything, models.KindDirect, "", []string{"user-A"}).
		Return(models.Conversation{}, errs.Invalid("members", "direct conversations have two members")).Once()

	rec := serve(router, http.MethodPost, "/conversations", bytes.NewBufferString(`{"kind":"user","member_ids":[]}`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	engine.AssertNotCalled(t, "LoadConversations", mock.Anything)
}

func TestActivateUnknownConversation(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))
	engine.On("Activate", mock.Anything, "missing").Return(errs.ErrNotFound).Once()

	rec := serve(router, http.MethodPost, "/conversations/missing/activate", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	engine.AssertExpectations(t)
}

func TestActivateReportsDegraded(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))
	engine.On("Activate", mock.Anything, "c1").Return(nil).Once()
	engine.On("Degraded").Return(true).Once()

	rec := serve(router, http.MethodPost, "/conversations/c1/activate", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversation_id":"c1","degraded":true}`, rec.Body.String())
}

func TestDeactivateAndRefresh(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))
	engine.On("Deactivate").Return().Once()
	engine.On("Refresh", mock.Anything).Return(&errs.TransportError{Op: "snapshot", Err: assert.AnError}).Once()

	rec := serve(router, http.MethodDelete, "/conversations/active", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(router, http.MethodPost, "/conversations/active/refresh", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	engine.AssertExpectations(t)
}

func TestGetMessagesIncludesSummary(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	engine.On("Messages", "c1").Return([]models.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "user-B", Body: strPtr("hi"), CreatedAt: created, Status: models.StatusConfirmed},
	}, nil).Once()
	engine.On("Summary", "c1").Return(models.Summary{ConversationID: "c1", LastMessageID: "m1", LastMessagePreview: "hi", UnreadCount: 1}).Once()
	engine.On("Degraded").Return(false).Once()

	rec := serve(router, http.MethodGet, "/conversations/c1/messages", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
		Summary  models.Summary   `json:"summary"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "m1", resp.Messages[0].ID)
	assert.Equal(t, 1, resp.Summary.UnreadCount)
}

func TestGetMessagesInactiveConversation(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))
	engine.On("Messages", "c2").Return(nil, errs.Invalid("conversation", "not active")).Once()

	rec := serve(router, http.MethodGet, "/conversations/c2/messages", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostMessageAccepted(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))

	pending := models.Message{ID: "tmp-1", ConversationID: "c1", SenderID: "user-A", Body: strPtr("hello"), Status: models.StatusPending}
	engine.On("Send", mock.Anything, "c1", "hello", (*string)(nil)).Return(pending, nil).Once()

	rec := serve(router, http.MethodPost, "/conversations/c1/messages", bytes.NewBufferString(`{"body":"hello"}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		Message models.Message `json:"message"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "tmp-1", resp.Message.ID)
	assert.Equal(t, models.StatusPending, resp.Message.Status)
	engine.AssertExpectations(t)
}

func TestPostMessageInvalidJSON(t *testing.T) {
	router := setupSyncRouter(NewSyncHandler(new(mocks.EngineMock), nil))

	rec := serve(router, http.MethodPost, "/conversations/c1/messages", bytes.NewBufferString(`{`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostMessageEmptyBodyRejected(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))
	engine.On("Send", mock.Anything, "c1", "  ", (*string)(nil)).
		Return(models.Message{}, errs.Invalid("body", "empty message")).Once()

	rec := serve(router, http.MethodPost, "/conversations/c1/messages", bytes.NewBufferString(`{"body":"  "}`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostAttachment(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "cat.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	engine.On("SendAttachment", mock.Anything, "c1", "cat.png", []byte("png-bytes"), "application/octet-stream").
		Return(models.Message{ID: "tmp-2", Status: models.StatusPending}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations/c1/attachments", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	engine.AssertExpectations(t)
}

func TestPostAttachmentMissingFile(t *testing.T) {
	router := setupSyncRouter(NewSyncHandler(new(mocks.EngineMock), nil))

	rec := serve(router, http.MethodPost, "/conversations/c1/attachments", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEditMessageConflict(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))
	engine.On("Edit", mock.Anything, "c1", "m1", "fixed").
		Return(models.Message{}, &errs.ConflictError{Op: "edit", MessageID: "m1", Err: errs.ErrNotFound}).Once()

	rec := serve(router, http.MethodPatch, "/conversations/c1/messages/m1", bytes.NewBufferString(`{"body":"fixed"}`))

	require.Equal(t, http.StatusConflict, rec.Code)
	engine.AssertExpectations(t)
}

func TestEditMessageSuccess(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))
	engine.On("Edit", mock.Anything, "c1", "m1", "fixed").
		Return(models.Message{ID: "m1", Body: strPtr("fixed"), Edited: true}, nil).Once()

	rec := serve(router, http.MethodPatch, "/conversations/c1/messages/m1", bytes.NewBufferString(`{"body":"fixed"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Message models.Message `json:"message"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Message.Edited)
}

func TestDeleteMessage(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))
	engine.On("Delete", mock.Anything, "c1", "m1").Return(nil).Once()

	rec := serve(router, http.MethodDelete, "/conversations/c1/messages/m1", nil)

	require.Equal(t, http.StatusNoContent, rec.Code)
	engine.AssertExpectations(t)
}

func TestRetryAndDiscard(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))
	engine.On("Retry", mock.Anything, "c1", "tmp-1").Return(models.Message{ID: "tmp-1", Status: models.StatusPending}, nil).Once()
	engine.On("Discard", "c1", "tmp-2").Return(errs.ErrNotFound).Once()

	rec := serve(router, http.MethodPost, "/conversations/c1/messages/tmp-1/retry", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(router, http.MethodDelete, "/conversations/c1/messages/tmp-2/pending", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	engine.AssertExpectations(t)
}

func TestMarkReadStoreFailure(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))
	engine.On("RecordRead", mock.Anything, "c1", "m1").Return(assert.AnError).Once()

	rec := serve(router, http.MethodPost, "/conversations/c1/messages/m1/read", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTypingEndpoints(t *testing.T) {
	engine := new(mocks.EngineMock)
	router := setupSyncRouter(NewSyncHandler(engine, nil))
	engine.On("NotifyTyping", mock.Anything).Return(true).Once()
	engine.On("TypingUsers", "c1").Return([]string{"user-B"}).Once()

	rec := serve(router, http.MethodPost, "/typing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sent":true}`, rec.Body.String())

	rec = serve(router, http.MethodGet, "/conversations/c1/typing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"users":["user-B"]}`, rec.Body.String())
}

func TestRespondErrorPrecedence(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", errs.Invalid("body", "empty"), http.StatusBadRequest},
		{"conflict wrapping not found", &errs.ConflictError{Op: "edit", Err: errs.ErrNotFound}, http.StatusConflict},
		{"store conflict", errs.ErrConflict, http.StatusConflict},
		{"not found", errs.ErrNotFound, http.StatusNotFound},
		{"transport", &errs.TransportError{Op: "send", Err: assert.AnError}, http.StatusBadGateway},
		{"other", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			respondError(c, tc.err)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestWithMemberDedupes(t *testing.T) {
	assert.Equal(t, []string{"me", "a", "b"}, withMember([]string{"a", " me ", "b", "a", ""}, "me"))
}
