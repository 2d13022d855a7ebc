package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/models"
)

type EngineMock struct {
	mock.Mock
}

func (m *EngineMock) Conversations(query string) []models.ConversationView {
	args := m.Called(query)
	if val := args.Get(0); val != nil {
		return val.([]models.ConversationView)
	}
	return nil
}

func (m *EngineMock) LoadConversations(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *EngineMock) Activate(ctx context.Context, conversationID string) error {
	return m.Called(ctx, conversationID).Error(0)
}

func (m *EngineMock) Deactivate() {
	m.Called()
}

func (m *EngineMock) Active() (string, bool) {
	args := m.Called()
	return args.String(0), args.Bool(1)
}

func (m *EngineMock) Degraded() bool {
	return m.Called().Bool(0)
}

func (m *EngineMock) Messages(conversationID string) ([]models.Message, error) {
	args := m.Called(conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *EngineMock) Summary(conversationID string) models.Summary {
	return m.Called(conversationID).Get(0).(models.Summary)
}

func (m *EngineMock) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *EngineMock) Send(ctx context.Context, conversationID, body string, attachmentURL *string) (models.Message, error) {
	args := m.Called(ctx, conversationID, body, attachmentURL)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *EngineMock) SendAttachment(ctx context.Context, conversationID, fileName string, data []byte, contentType string) (models.Message, error) {
	args := m.Called(ctx, conversationID, fileName, data, contentType)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *EngineMock) Retry(ctx context.Context, conversationID, tempID string) (models.Message, error) {
	args := m.Called(ctx, conversationID, tempID)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *EngineMock) Discard(conversationID, tempID string) error {
	return m.Called(conversationID, tempID).Error(0)
}

func (m *EngineMock) Edit(ctx context.Context, conversationID, messageID, body string) (models.Message, error) {
	args := m.Called(ctx, conversationID, messageID, body)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *EngineMock) Delete(ctx context.Context, conversationID, messageID string) error {
	return m.Called(ctx, conversationID, messageID).Error(0)
}

func (m *EngineMock) RecordRead(ctx context.Context, conversationID, messageID string) error {
	return m.Called(ctx, conversationID, messageID).Error(0)
}

func (m *EngineMock) NotifyTyping(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *EngineMock) TypingUsers(conversationID string) []string {
	args := m.Called(conversationID)
	if val := args.Get(0); val != nil {
		return val.([]string)
	}
	return nil
}

type ConversationCreatorMock struct {
	mock.Mock
}

func (m *ConversationCreatorMock) CreateConversation(ctx context.Context, kind models.ConversationKind, name string, memberIDs []string) (models.Conversation, error) {
	args := m.Called(ctx, kind, name, memberIDs)
	return args.Get(0).(models.Conversation), args.Error(1)
}
