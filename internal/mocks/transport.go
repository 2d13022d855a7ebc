package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/models"
	"chat-sync/internal/transport"
)

type SnapshotSourceMock struct {
	mock.Mock
}

func (m *SnapshotSourceMock) Fetch(ctx context.Context, conversationID string) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type RemoteWriterMock struct {
	mock.Mock
}

func (m *RemoteWriterMock) CreateMessage(ctx context.Context, draft models.Draft) (models.Message, error) {
	args := m.Called(ctx, draft)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *RemoteWriterMock) UpdateMessage(ctx context.Context, messageID string, patch models.Patch) (models.Message, error) {
	args := m.Called(ctx, messageID, patch)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *RemoteWriterMock) DeleteMessage(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *RemoteWriterMock) AppendReadReceipt(ctx context.Context, messageID, userID string) error {
	args := m.Called(ctx, messageID, userID)
	return args.Error(0)
}

type BroadcasterMock struct {
	mock.Mock
}

func (m *BroadcasterMock) Publish(ctx context.Context, topic string, payload []byte) error {
	args := m.Called(ctx, topic, payload)
	return args.Error(0)
}

func (m *BroadcasterMock) Subscribe(ctx context.Context, topic string) (transport.TopicSubscription, error) {
	args := m.Called(ctx, topic)
	var sub transport.TopicSubscription
	if val := args.Get(0); val != nil {
		sub = val.(transport.TopicSubscription)
	}
	return sub, args.Error(1)
}

type UploaderMock struct {
	mock.Mock
}

func (m *UploaderMock) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	args := m.Called(ctx, path, data, contentType)
	return args.String(0), args.Error(1)
}

type DirectoryMock struct {
	mock.Mock
}

func (m *DirectoryMock) ListConversations(ctx context.Context, userID string) ([]models.ConversationView, error) {
	args := m.Called(ctx, userID)
	var views []models.ConversationView
	if val := args.Get(0); val != nil {
		views = val.([]models.ConversationView)
	}
	return views, args.Error(1)
}

var (
	_ transport.SnapshotSource = (*SnapshotSourceMock)(nil)
	_ transport.RemoteWriter   = (*RemoteWriterMock)(nil)
	_ transport.Broadcaster    = (*BroadcasterMock)(nil)
	_ transport.Uploader       = (*UploaderMock)(nil)
	_ transport.Directory      = (*DirectoryMock)(nil)
)
