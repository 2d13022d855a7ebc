package summary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
	"chat-sync/internal/msglog"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func msg(id, sender string, minute int, body string) models.Message {
	at := base.Add(time.Duration(minute) * time.Minute)
	return models.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Body:           models.StringPtr(body),
		CreatedAt:      at,
		UpdatedAt:      at,
		Status:         models.StatusConfirmed,
	}
}

type fixture struct {
	log *msglog.Log
	agg *Aggregator
}

func newFixture() *fixture {
	f := &fixture{log: msglog.New("c1"), agg: New("me")}
	f.agg.Attach("c1")
	f.agg.MarkLoaded("c1")
	return f
}

func (f *fixture) upsert(m models.Message) models.Summary {
	f.log.Upsert(m)
	cur, _ := f.log.Get(m.ID)
	s, _ := f.agg.Apply("c1", cur, f.log)
	return s
}

func (f *fixture) tombstone(id string) models.Summary {
	f.log.Tombstone(id)
	cur, _ := f.log.Get(id)
	s, _ := f.agg.Apply("c1", cur, f.log)
	return s
}

func TestUnreadExcludesOwnAndRead(t *testing.T) {
	f := newFixture()
	f.upsert(msg("m1", "u2", 0, "hello"))
	f.upsert(msg("m2", "me", 1, "hi"))
	read := msg("m3", "u2", 2, "seen")
	read.ReaderIDs = []string{"me"}
	s := f.upsert(read)

	assert.Equal(t, 1, s.UnreadCount)
	assert.Equal(t, "seen", s.LastMessagePreview)
	assert.Equal(t, "m3", s.LastMessageID)
}

func TestMarkReadRemovesExactlyOnce(t *testing.T) {
	f := newFixture()
	f.upsert(msg("m1", "u2", 0, "a"))
	f.upsert(msg("m2", "u2", 1, "b"))

	s, changed := f.agg.MarkRead("c1", "m1")
	require.True(t, changed)
	assert.Equal(t, 1, s.UnreadCount)

	s, changed = f.agg.MarkRead("c1", "m1")
	assert.False(t, changed)
	assert.Equal(t, 1, s.UnreadCount)

	// A later version of an already read message must not bring it back.
	again := msg("m1", "u2", 0, "a")
	again.UpdatedAt = again.UpdatedAt.Add(time.Minute)
	s = f.upsert(again)
	assert.Equal(t, 1, s.UnreadCount)
}

func TestReceiptBeforeMessageArrives(t *testing.T) {
	f := newFixture()
	f.agg.MarkRead("c1", "m1")

	s := f.upsert(msg("m1", "u2", 0, "a"))
	assert.Equal(t, 0, s.UnreadCount)
}

func TestPreviewFallsBackWhenLastIsTombstoned(t *testing.T) {
	f := newFixture()
	f.upsert(msg("m1", "u2", 0, "first"))
	f.upsert(msg("m2", "u2", 1, "second"))

	s := f.tombstone("m2")
	assert.Equal(t, "first", s.LastMessagePreview)
	assert.Equal(t, 1, s.UnreadCount)

	s = f.tombstone("m1")
	assert.Equal(t, "", s.LastMessagePreview)
	assert.Equal(t, 0, s.UnreadCount)
}

func TestOlderInsertDoesNotMovePreview(t *testing.T) {
	f := newFixture()
	f.upsert(msg("m2", "u2", 5, "newest"))
	s := f.upsert(msg("m1", "u2", 0, "older"))

	assert.Equal(t, "newest", s.LastMessagePreview)
	assert.Equal(t, 2, s.UnreadCount)
}

func TestEditOfLastUpdatesPreview(t *testing.T) {
	f := newFixture()
	f.upsert(msg("m1", "u2", 0, "typo"))
	edited := msg("m1", "u2", 0, "fixed")
	edited.UpdatedAt = edited.UpdatedAt.Add(time.Minute)
	s := f.upsert(edited)

	assert.Equal(t, "fixed", s.LastMessagePreview)
}

func TestPendingAndRemove(t *testing.T) {
	f := newFixture()
	f.upsert(msg("m1", "u2", 0, "a"))
	pending := msg("tmp-1", "me", 1, "draft")
	pending.Status = models.StatusPending
	s := f.upsert(pending)
	assert.Equal(t, "draft", s.LastMessagePreview)
	assert.Equal(t, 1, s.UnreadCount)

	gone, _ := f.log.Remove("tmp-1")
	s, changed := f.agg.Remove("c1", gone, f.log)
	require.True(t, changed)
	assert.Equal(t, "a", s.LastMessagePreview)
}

func TestSeedVisibleUntilLoaded(t *testing.T) {
	agg := New("me")
	agg.Seed(models.Summary{ConversationID: "c1", LastMessagePreview: "remote", UnreadCount: 4})
	agg.Attach("c1")

	l := msglog.New("c1")
	l.Upsert(msg("m1", "u2", 0, "local"))
	cur, _ := l.Get("m1")
	_, changed := agg.Apply("c1", cur, l)
	assert.False(t, changed)

	s, _ := agg.Summary("c1")
	assert.Equal(t, "remote", s.LastMessagePreview)

	s, changed = agg.MarkLoaded("c1")
	require.True(t, changed)
	assert.Equal(t, "local", s.LastMessagePreview)
	assert.Equal(t, 1, s.UnreadCount)

	agg.Detach("c1")
	s, _ = agg.Summary("c1")
	assert.Equal(t, "local", s.LastMessagePreview)
}
