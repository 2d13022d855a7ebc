// Package summary maintains last-message previews and unread counts.
package summary

import "chat-sync/internal/models"

// LastVisible is satisfied by the message log.
type LastVisible interface {
	LastVisible() (models.Message, bool)
}

type convState struct {
	summary  models.Summary
	tracking bool
	loaded   bool
	seed     models.Summary
	last     *models.Message
	unread   map[string]struct{}
	read     map[string]struct{}
}

// Aggregator keeps a running unread set per tracked conversation so each
// change costs O(1) apart from the occasional preview rescan after the
// newest visible message is tombstoned. Callers serialize access.
type Aggregator struct {
	selfID string
	convs  map[string]*convState
}

// New builds an aggregator for the session user.
func New(selfID string) *Aggregator {
	return &Aggregator{selfID: selfID, convs: make(map[string]*convState)}
}

// Seed installs a summary computed remotely for a conversation that is not
// being tracked message by message.
func (a *Aggregator) Seed(s models.Summary) {
	st := a.state(s.ConversationID)
	st.seed = s
	if !st.tracking || !st.loaded {
		st.summary = s
	}
}

// Attach starts message-level tracking. The seeded summary stays visible
// until MarkLoaded is called.
func (a *Aggregator) Attach(conversationID string) {
	st := a.state(conversationID)
	st.tracking = true
	st.loaded = false
	st.last = nil
	st.unread = make(map[string]struct{})
	st.read = make(map[string]struct{})
	st.summary = st.seed
	st.summary.ConversationID = conversationID
}

// MarkLoaded switches the visible summary to the tracked one.
func (a *Aggregator) MarkLoaded(conversationID string) (models.Summary, bool) {
	st, ok := a.convs[conversationID]
	if !ok || !st.tracking || st.loaded {
		return models.Summary{}, false
	}
	st.loaded = true
	return a.publish(st)
}

// Detach stops tracking and freezes the last known summary.
func (a *Aggregator) Detach(conversationID string) {
	st, ok := a.convs[conversationID]
	if !ok {
		return
	}
	st.tracking = false
	st.loaded = false
	st.unread = nil
	st.read = nil
	st.last = nil
	st.seed = st.summary
}

// Apply folds one log change into the summary.
func (a *Aggregator) Apply(conversationID string, cur models.Message, view LastVisible) (models.Summary, bool) {
	st := a.tracked(conversationID)

	if cur.ReadBy(a.selfID) {
		st.read[cur.ID] = struct{}{}
	}
	if a.countsAsUnread(st, cur) {
		st.unread[cur.ID] = struct{}{}
	} else {
		delete(st.unread, cur.ID)
	}

	switch {
	case st.last == nil || !cur.Before(*st.last):
		if !cur.Deleted {
			m := cur
			st.last = &m
		} else if st.last != nil && st.last.ID == cur.ID {
			a.rescan(st, view)
		}
	case st.last.ID == cur.ID:
		a.rescan(st, view)
	}
	return a.publish(st)
}

// Remove forgets an entry that left the log entirely.
func (a *Aggregator) Remove(conversationID string, gone models.Message, view LastVisible) (models.Summary, bool) {
	st := a.tracked(conversationID)
	delete(st.unread, gone.ID)
	if st.last != nil && st.last.ID == gone.ID {
		a.rescan(st, view)
	}
	return a.publish(st)
}

// MarkRead records a receipt from the session user. A repeated receipt
// for the same message is a no-op.
func (a *Aggregator) MarkRead(conversationID, messageID string) (models.Summary, bool) {
	st := a.tracked(conversationID)
	if _, dup := st.read[messageID]; dup {
		return st.summary, false
	}
	st.read[messageID] = struct{}{}
	delete(st.unread, messageID)
	return a.publish(st)
}

// Summary returns the current summary for a conversation.
func (a *Aggregator) Summary(conversationID string) (models.Summary, bool) {
	st, ok := a.convs[conversationID]
	if !ok {
		return models.Summary{ConversationID: conversationID}, false
	}
	return st.summary, true
}

func (a *Aggregator) countsAsUnread(st *convState, m models.Message) bool {
	if m.SenderID == a.selfID || m.Deleted || m.Status != models.StatusConfirmed {
		return false
	}
	_, read := st.read[m.ID]
	return !read
}

func (a *Aggregator) rescan(st *convState, view LastVisible) {
	st.last = nil
	if view == nil {
		return
	}
	if m, ok := view.LastVisible(); ok {
		st.last = &m
	}
}

func (a *Aggregator) publish(st *convState) (models.Summary, bool) {
	if !st.loaded {
		return st.summary, false
	}
	next := models.Summary{ConversationID: st.summary.ConversationID, UnreadCount: len(st.unread)}
	if st.last != nil {
		next.LastMessageID = st.last.ID
		next.LastMessagePreview = st.last.Text()
		next.LastMessageAt = st.last.CreatedAt
	}
	changed := next != st.summary
	st.summary = next
	return next, changed
}

func (a *Aggregator) state(conversationID string) *convState {
	st, ok := a.convs[conversationID]
	if !ok {
		st = &convState{summary: models.Summary{ConversationID: conversationID}}
		a.convs[conversationID] = st
	}
	return st
}

func (a *Aggregator) tracked(conversationID string) *convState {
	st := a.state(conversationID)
	if !st.tracking {
		a.Attach(conversationID)
		st.loaded = true
	}
	return st
}
