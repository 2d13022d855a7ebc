package msglog

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func msg(id string, minute int, body string) models.Message {
	at := base.Add(time.Duration(minute) * time.Minute)
	return models.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "u2",
		Body:           models.StringPtr(body),
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func ids(l *Log) []string {
	out := []string{}
	for _, m := range l.Messages() {
		out = append(out, m.ID)
	}
	return out
}

func TestSnapshotThenDuplicateAndNewInsert(t *testing.T) {
	l := New("c1")
	l.Upsert(msg("m1", 0, "a"))
	l.Upsert(msg("m2", 1, "b"))

	_, changed := l.Upsert(msg("m2", 1, "b"))
	assert.False(t, changed)
	_, changed = l.Upsert(msg("m3", 2, "c"))
	assert.True(t, changed)

	require.Equal(t, []string{"m1", "m2", "m3"}, ids(l))
}

func TestOrderIndependentOfApplyOrder(t *testing.T) {
	all := []models.Message{
		msg("a", 3, "x"),
		msg("b", 1, "x"),
		msg("c", 1, "x"),
		msg("d", 0, "x"),
		msg("e", 2, "x"),
		msg("f", 3, "x"),
	}
	want := []string{"d", "b", "c", "e", "a", "f"}

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		l := New("c1")
		for _, j := range r.Perm(len(all)) {
			l.Upsert(all[j])
			l.Upsert(all[j])
		}
		require.Equal(t, want, ids(l))
	}
}

func TestNewerVersionWinsOlderIgnored(t *testing.T) {
	v1 := msg("m1", 0, "first")
	v2 := v1
	v2.Body = models.StringPtr("second")
	v2.Edited = true
	v2.UpdatedAt = v1.UpdatedAt.Add(time.Minute)

	forward := New("c1")
	forward.Upsert(v1)
	forward.Upsert(v2)

	backward := New("c1")
	backward.Upsert(v2)
	_, changed := backward.Upsert(v1)
	assert.False(t, changed)

	require.Equal(t, forward.Messages(), backward.Messages())
	got, _ := forward.Get("m1")
	assert.Equal(t, "second", got.Text())
	assert.True(t, got.Edited)
}

func TestReadersUnionRegardlessOfAge(t *testing.T) {
	l := New("c1")
	newer := msg("m1", 0, "x")
	newer.UpdatedAt = newer.UpdatedAt.Add(time.Minute)
	newer.ReaderIDs = []string{"u3"}
	l.Upsert(newer)

	older := msg("m1", 0, "x")
	older.ReaderIDs = []string{"u1"}
	_, changed := l.Upsert(older)

	require.True(t, changed)
	got, _ := l.Get("m1")
	assert.Equal(t, []string{"u1", "u3"}, got.ReaderIDs)
}

func TestTombstoneKeepsPositionAndClearsContent(t *testing.T) {
	l := New("c1")
	l.Upsert(msg("m1", 0, "a"))
	m2 := msg("m2", 1, "b")
	m2.AttachmentURL = models.StringPtr("https://files/x.png")
	l.Upsert(m2)
	l.Upsert(msg("m3", 2, "c"))

	_, changed := l.Tombstone("m2")
	require.True(t, changed)
	_, changed = l.Tombstone("m2")
	assert.False(t, changed)

	require.Equal(t, []string{"m1", "m2", "m3"}, ids(l))
	got, _ := l.Get("m2")
	assert.True(t, got.Deleted)
	assert.Nil(t, got.Body)
	assert.Nil(t, got.AttachmentURL)

	revived := msg("m2", 1, "back")
	revived.UpdatedAt = revived.UpdatedAt.Add(time.Hour)
	l.Upsert(revived)
	got, _ = l.Get("m2")
	assert.True(t, got.Deleted)
	assert.Nil(t, got.Body)
}

func TestDeleteBeforeInsertLandsAsTombstone(t *testing.T) {
	l := New("c1")
	_, changed := l.Tombstone("m9")
	assert.False(t, changed)

	l.Upsert(msg("m9", 0, "late"))
	got, ok := l.Get("m9")
	require.True(t, ok)
	assert.True(t, got.Deleted)
	assert.Nil(t, got.Body)
}

func TestLastVisibleSkipsTombstones(t *testing.T) {
	l := New("c1")
	_, ok := l.LastVisible()
	assert.False(t, ok)

	l.Upsert(msg("m1", 0, "a"))
	l.Upsert(msg("m2", 1, "b"))
	l.Tombstone("m2")

	last, ok := l.LastVisible()
	require.True(t, ok)
	assert.Equal(t, "m1", last.ID)
}

func TestReplaceMovesProvisionalEntry(t *testing.T) {
	l := New("c1")
	l.Upsert(msg("m1", 0, "a"))
	pending := msg("tmp-1", 5, "hi")
	pending.Status = models.StatusPending
	l.Upsert(pending)
	l.Upsert(msg("m2", 3, "b"))

	confirmed := msg("srv-42", 2, "hi")
	removed, prev, changed := l.Replace("tmp-1", confirmed)

	require.True(t, changed)
	assert.Nil(t, prev)
	assert.Equal(t, "tmp-1", removed.ID)
	assert.Equal(t, []string{"m1", "srv-42", "m2"}, ids(l))
	got, _ := l.Get("srv-42")
	assert.Equal(t, models.StatusConfirmed, got.Status)
}

func TestReplaceWhenConfirmedAlreadyPresent(t *testing.T) {
	l := New("c1")
	pending := msg("tmp-1", 0, "hi")
	pending.Status = models.StatusPending
	l.Upsert(pending)
	l.Upsert(msg("srv-42", 0, "hi"))

	_, prev, changed := l.Replace("tmp-1", msg("srv-42", 0, "hi"))

	require.True(t, changed)
	require.NotNil(t, prev)
	assert.Equal(t, []string{"srv-42"}, ids(l))
}

func TestPatchAndRestore(t *testing.T) {
	l := New("c1")
	l.Upsert(msg("m1", 0, "a"))

	prev, cur, ok := l.Patch("m1", func(m *models.Message) {
		m.Body = models.StringPtr("edited")
		m.Edited = true
		m.CreatedAt = base.Add(time.Hour)
	})
	require.True(t, ok)
	assert.Equal(t, "edited", cur.Text())
	assert.Equal(t, base, cur.CreatedAt)

	require.True(t, l.Restore(prev))
	got, _ := l.Get("m1")
	assert.Equal(t, "a", got.Text())
	assert.False(t, got.Edited)
}

func TestRestoreRefusesToReviveConfirmedTombstone(t *testing.T) {
	l := New("c1")
	l.Upsert(msg("m1", 0, "a"))
	saved, _ := l.Get("m1")
	l.Tombstone("m1")

	assert.False(t, l.Restore(saved))
	got, _ := l.Get("m1")
	assert.True(t, got.Deleted)
}

func TestMessagesAreCopies(t *testing.T) {
	l := New("c1")
	in := msg("m1", 0, "a")
	in.ReaderIDs = []string{"u1"}
	l.Upsert(in)

	out := l.Messages()
	*out[0].Body = "mutated"
	out[0].ReaderIDs[0] = "zz"

	got, _ := l.Get("m1")
	assert.Equal(t, "a", got.Text())
	assert.Equal(t, []string{"u1"}, got.ReaderIDs)
}
