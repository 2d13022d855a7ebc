// Package msglog holds the per-conversation ordered message log.
//
// Entries are kept sorted by (CreatedAt, ID) and indexed by id. The merge
// rule is commutative: applying the same versions in any order converges on
// the same state, which lets snapshot results and live events race freely.
package msglog

import (
	"sort"

	"chat-sync/internal/models"
)

// Log is not safe for concurrent use; the engine serializes access.
type Log struct {
	conversationID string
	entries        []*models.Message
	index          map[string]*models.Message
	graves         map[string]struct{}
}

// New creates an empty log for a conversation.
func New(conversationID string) *Log {
	return &Log{
		conversationID: conversationID,
		index:          make(map[string]*models.Message),
		graves:         make(map[string]struct{}),
	}
}

// ConversationID returns the owning conversation.
func (l *Log) ConversationID() string {
	return l.conversationID
}

// Len returns the number of entries, tombstones included.
func (l *Log) Len() int {
	return len(l.entries)
}

// Has reports whether an entry with the given id exists.
func (l *Log) Has(id string) bool {
	_, ok := l.index[id]
	return ok
}

// Get returns a copy of the entry with the given id.
func (l *Log) Get(id string) (models.Message, bool) {
	m, ok := l.index[id]
	if !ok {
		return models.Message{}, false
	}
	return m.Clone(), true
}

// Messages returns a copy of the log in order.
func (l *Log) Messages() []models.Message {
	out := make([]models.Message, 0, len(l.entries))
	for _, m := range l.entries {
		out = append(out, m.Clone())
	}
	return out
}

// LastVisible returns the highest-ordered entry that is not a tombstone.
func (l *Log) LastVisible() (models.Message, bool) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if !l.entries[i].Deleted {
			return l.entries[i].Clone(), true
		}
	}
	return models.Message{}, false
}

// Upsert merges an incoming version. prev is nil when the id was not present.
func (l *Log) Upsert(in models.Message) (prev *models.Message, changed bool) {
	if in.ID == "" {
		return nil, false
	}
	if existing, ok := l.index[in.ID]; ok {
		before := existing.Clone()
		if !merge(existing, in) {
			return &before, false
		}
		return &before, true
	}

	m := in.Clone()
	if m.Status == "" {
		m.Status = models.StatusConfirmed
	}
	if _, dead := l.graves[m.ID]; dead || m.Deleted {
		bury(&m)
		l.graves[m.ID] = struct{}{}
	}
	l.insert(&m)
	return nil, true
}

// Tombstone marks an entry deleted and clears its content. The id is
// remembered so a late insert for it lands as a tombstone too.
func (l *Log) Tombstone(id string) (prev *models.Message, changed bool) {
	if id == "" {
		return nil, false
	}
	l.graves[id] = struct{}{}
	m, ok := l.index[id]
	if !ok {
		return nil, false
	}
	before := m.Clone()
	if m.Deleted && m.Body == nil && m.AttachmentURL == nil {
		return &before, false
	}
	bury(m)
	return &before, true
}

// Patch applies fn to an entry in place. fn must not touch CreatedAt or ID.
func (l *Log) Patch(id string, fn func(*models.Message)) (prev, cur models.Message, ok bool) {
	m, found := l.index[id]
	if !found {
		return models.Message{}, models.Message{}, false
	}
	prev = m.Clone()
	createdAt, mid := m.CreatedAt, m.ID
	fn(m)
	m.CreatedAt, m.ID = createdAt, mid
	return prev, m.Clone(), true
}

// Restore overwrites the mutable fields of an entry with a saved copy.
func (l *Log) Restore(saved models.Message) bool {
	m, ok := l.index[saved.ID]
	if !ok {
		return false
	}
	if _, dead := l.graves[saved.ID]; dead && !saved.Deleted {
		return false
	}
	restored := saved.Clone()
	restored.CreatedAt = m.CreatedAt
	*m = restored
	return true
}

// Remove drops an entry entirely. Only unconfirmed local entries are removed.
func (l *Log) Remove(id string) (models.Message, bool) {
	m, ok := l.index[id]
	if !ok {
		return models.Message{}, false
	}
	i := l.position(m)
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	delete(l.index, id)
	return *m, true
}

// Replace swaps a provisional entry for its confirmed version. When the
// confirmed id is already present the provisional entry is removed and the
// versions are merged.
func (l *Log) Replace(oldID string, in models.Message) (removed models.Message, prev *models.Message, changed bool) {
	removed, hadOld := l.Remove(oldID)
	prev, changed = l.Upsert(in)
	return removed, prev, changed || hadOld
}

func (l *Log) insert(m *models.Message) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return !l.entries[i].Before(*m)
	})
	l.entries = append(l.entries, nil)
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = m
	l.index[m.ID] = m
}

func (l *Log) position(m *models.Message) int {
	i := sort.Search(len(l.entries), func(i int) bool {
		return !l.entries[i].Before(*m)
	})
	for ; i < len(l.entries); i++ {
		if l.entries[i] == m {
			return i
		}
	}
	// Unreachable while the ordering key is immutable.
	for j, e := range l.entries {
		if e == m {
			return j
		}
	}
	return -1
}

// merge folds in into existing. Readers always union; other mutable fields
// are taken only when in is not older. A tombstone is never revived.
func merge(existing *models.Message, in models.Message) bool {
	changed := existing.AddReaders(in.ReaderIDs...)

	if in.UpdatedAt.Before(existing.UpdatedAt) {
		return changed
	}
	if !in.UpdatedAt.Equal(existing.UpdatedAt) {
		existing.UpdatedAt = in.UpdatedAt
		changed = true
	}
	if existing.ClientRef == "" && in.ClientRef != "" {
		existing.ClientRef = in.ClientRef
		changed = true
	}
	status := in.Status
	if status == "" {
		status = models.StatusConfirmed
	}
	if existing.Status != status && status == models.StatusConfirmed {
		existing.Status = status
		changed = true
	}

	if existing.Deleted {
		return changed
	}
	if in.Deleted {
		bury(existing)
		return true
	}
	if !sameText(existing.Body, in.Body) {
		existing.Body = copyText(in.Body)
		changed = true
	}
	if !sameText(existing.AttachmentURL, in.AttachmentURL) {
		existing.AttachmentURL = copyText(in.AttachmentURL)
		changed = true
	}
	if existing.Edited != in.Edited && in.Edited {
		existing.Edited = true
		changed = true
	}
	return changed
}

func bury(m *models.Message) {
	m.Deleted = true
	m.Body = nil
	m.AttachmentURL = nil
}

func sameText(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyText(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
