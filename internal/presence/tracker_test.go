package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
)

type changeLog struct {
	mu    sync.Mutex
	calls [][]string
}

func (c *changeLog) record(_ string, typing []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, typing)
}

func (c *changeLog) last() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return nil
	}
	return c.calls[len(c.calls)-1]
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	clk := clock.NewMock()
	tracker := NewTracker(clk, 3*time.Second, nil)
	defer tracker.Stop()

	tracker.Observe("c1", "u2")
	require.True(t, tracker.IsTyping("c1", "u2"))

	clk.Add(2 * time.Second)
	assert.True(t, tracker.IsTyping("c1", "u2"))

	clk.Add(time.Second + time.Millisecond)
	assert.False(t, tracker.IsTyping("c1", "u2"))
	assert.Empty(t, tracker.Typing("c1"))
}

func TestRepeatedBroadcastRearmsTimer(t *testing.T) {
	clk := clock.NewMock()
	changes := &changeLog{}
	tracker := NewTracker(clk, 3*time.Second, changes.record)
	defer tracker.Stop()

	tracker.Observe("c1", "u2")
	clk.Add(2 * time.Second)
	tracker.Observe("c1", "u2")
	clk.Add(2 * time.Second)

	assert.True(t, tracker.IsTyping("c1", "u2"))
	assert.Equal(t, []string{"u2"}, tracker.Typing("c1"))

	clk.Add(time.Second + time.Millisecond)
	assert.False(t, tracker.IsTyping("c1", "u2"))
	require.Eventually(t, func() bool {
		return len(changes.last()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTypingIsPerConversationAndUser(t *testing.T) {
	clk := clock.NewMock()
	tracker := NewTracker(clk, 3*time.Second, nil)
	defer tracker.Stop()

	tracker.Observe("c1", "u2")
	tracker.Observe("c1", "u3")
	tracker.Observe("c2", "u2")

	assert.Equal(t, []string{"u2", "u3"}, tracker.Typing("c1"))
	tracker.Clear("c1")
	assert.Empty(t, tracker.Typing("c1"))
	assert.True(t, tracker.IsTyping("c2", "u2"))
}

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, topic string, payload []byte) error {
	args := m.Called(ctx, topic, payload)
	return args.Error(0)
}

func TestKeystrokeDebounced(t *testing.T) {
	clk := clock.NewMock()
	pub := new(publisherMock)
	emitter := NewEmitter(clk, 2*time.Second, pub, "me", nil)

	pub.On("Publish", mock.Anything, "typing.c1", mock.MatchedBy(func(raw []byte) bool {
		var p models.TypingPayload
		return json.Unmarshal(raw, &p) == nil && p.UserID == "me" && p.ConversationID == "c1"
	})).Return(nil).Twice()

	assert.True(t, emitter.Keystroke(context.Background(), "c1"))
	assert.False(t, emitter.Keystroke(context.Background(), "c1"))
	clk.Add(time.Second)
	assert.False(t, emitter.Keystroke(context.Background(), "c1"))
	clk.Add(time.Second)
	assert.True(t, emitter.Keystroke(context.Background(), "c1"))

	pub.AssertExpectations(t)
}

func TestKeystrokeFailureSwallowed(t *testing.T) {
	pub := new(publisherMock)
	var got error
	emitter := NewEmitter(clock.NewMock(), time.Second, pub, "me", func(_ string, err error) { got = err })

	pub.On("Publish", mock.Anything, "typing.c9", mock.Anything).Return(assert.AnError).Once()

	assert.True(t, emitter.Keystroke(context.Background(), "c9"))
	assert.ErrorIs(t, got, assert.AnError)
	pub.AssertExpectations(t)
}

func TestDecodeTypingPayload(t *testing.T) {
	p, err := Decode([]byte(`{"conversation_id":"c1","user_id":"u2"}`))
	require.NoError(t, err)
	assert.Equal(t, "u2", p.UserID)

	_, err = Decode([]byte(`nope`))
	assert.Error(t, err)
}
