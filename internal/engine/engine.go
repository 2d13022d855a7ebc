// Package engine keeps a local view of conversations consistent with the
// remote store. It owns the active conversation's message log, reconciles
// snapshot and live events into it, applies optimistic writes, and derives
// typing presence and conversation summaries.
package engine

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chat-sync/internal/errs"
	"chat-sync/internal/models"
	"chat-sync/internal/msglog"
	"chat-sync/internal/observability"
	"chat-sync/internal/presence"
	"chat-sync/internal/summary"
	"chat-sync/internal/transport"
)

// Session is the signed-in identity the engine acts for. It is created on
// login and ends with Engine.Close on logout.
type Session struct {
	UserID string
	Token  string
}

// Auditor receives lifecycle events worth recording off-box.
type Auditor interface {
	Emit(ctx context.Context, event, conversationID, detail string)
}

// Deps are the collaborators. Broadcaster, Uploader, Directory and Audit
// are optional.
type Deps struct {
	Snapshots   transport.SnapshotSource
	Feed        transport.LiveFeed
	Writer      transport.RemoteWriter
	Broadcaster transport.Broadcaster
	Uploader    transport.Uploader
	Directory   transport.Directory
	Audit       Auditor
	Clock       clock.Clock
}

// Options tune timing. Zero values fall back to defaults.
type Options struct {
	TypingTTL          time.Duration
	TypingDebounce     time.Duration
	CorrelationWindow  time.Duration
	ReceiptTimeout     time.Duration
	ResubscribeInitial time.Duration
	ResubscribeMax     time.Duration
	UpdateBuffer       int
}

func (o Options) withDefaults() Options {
	if o.TypingTTL <= 0 {
		o.TypingTTL = presence.DefaultTTL
	}
	if o.TypingDebounce <= 0 {
		o.TypingDebounce = presence.DefaultDebounce
	}
	if o.CorrelationWindow <= 0 {
		o.CorrelationWindow = 10 * time.Second
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = 5 * time.Second
	}
	if o.ResubscribeInitial <= 0 {
		o.ResubscribeInitial = 500 * time.Millisecond
	}
	if o.ResubscribeMax <= 0 {
		o.ResubscribeMax = 30 * time.Second
	}
	if o.UpdateBuffer <= 0 {
		o.UpdateBuffer = 256
	}
	return o
}

// Engine is safe for concurrent use. All log mutation happens under one
// mutex, so user actions, snapshot results and live events are applied one
// at a time.
type Engine struct {
	session     Session
	snapshots   transport.SnapshotSource
	feed        transport.LiveFeed
	writer      transport.RemoteWriter
	broadcaster transport.Broadcaster
	uploader    transport.Uploader
	directory   transport.Directory
	auditor     Auditor
	clock       clock.Clock
	opts        Options

	tracker   *presence.Tracker
	emitter   *presence.Emitter
	summaries *summary.Aggregator
	receipts  *ReceiptLog

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	writes  sync.WaitGroup

	mu       sync.Mutex
	active   *conversation
	known    map[string]models.Conversation
	closed   bool
	updateMu sync.RWMutex
	updates  chan models.Update
	drained  bool
}

// New builds an engine for a session.
func New(session Session, deps Deps, opts Options) *Engine {
	opts = opts.withDefaults()
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		session:     session,
		snapshots:   deps.Snapshots,
		feed:        deps.Feed,
		writer:      deps.Writer,
		broadcaster: deps.Broadcaster,
		uploader:    deps.Uploader,
		directory:   deps.Directory,
		auditor:     deps.Audit,
		clock:       clk,
		opts:        opts,
		summaries:   summary.New(session.UserID),
		receipts:    NewReceiptLog(),
		baseCtx:     ctx,
		cancel:      cancel,
		known:       make(map[string]models.Conversation),
		updates:     make(chan models.Update, opts.UpdateBuffer),
	}
	e.tracker = presence.NewTracker(clk, opts.TypingTTL, e.onTypingChange)
	if deps.Broadcaster != nil {
		e.emitter = presence.NewEmitter(clk, opts.TypingDebounce, deps.Broadcaster, session.UserID, onTypingSent)
	}
	return e
}

// Updates streams state changes for UI clients. It is closed by Close.
func (e *Engine) Updates() <-chan models.Update {
	return e.updates
}

// Close tears down the active conversation and stops background work.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	release := e.detachLocked()
	e.mu.Unlock()

	release()
	e.cancel()
	e.tracker.Stop()
	e.wg.Wait()

	e.updateMu.Lock()
	e.drained = true
	close(e.updates)
	e.updateMu.Unlock()
}

// Activate makes conversationID the active conversation. The previous
// conversation's subscriptions are cancelled first and its log discarded.
// The live subscription is opened before the snapshot is fetched; both feed
// the same idempotent merge.
func (e *Engine) Activate(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errs.Invalid("conversation", "empty id")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errs.Invalid("session", "closed")
	}
	if e.active != nil && e.active.id == conversationID {
		e.mu.Unlock()
		return nil
	}
	meta, ok := e.known[conversationID]
	if !ok && len(e.known) > 0 {
		e.mu.Unlock()
		return errs.Invalid("conversation", "unknown conversation "+conversationID)
	}
	if !ok {
		meta = models.Conversation{ID: conversationID, Kind: models.KindDirect}
	}
	release := e.detachLocked()
	conv := newConversation(e.baseCtx, meta)
	e.active = conv
	e.summaries.Attach(conversationID)
	e.auditLocked("conversation_opened", conversationID, "")
	e.mu.Unlock()
	release()

	log.Printf("sync: conversation activated id=%s", conversationID)
	e.openFeed(conv)
	e.openTyping(conv)
	return e.loadSnapshot(ctx, conv)
}

// Deactivate tears down the active conversation, if any.
func (e *Engine) Deactivate() {
	e.mu.Lock()
	release := e.detachLocked()
	e.mu.Unlock()
	release()
}

// Active returns the active conversation id.
func (e *Engine) Active() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return "", false
	}
	return e.active.id, true
}

// Degraded reports whether the active conversation's live feed is down.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil && e.active.degraded
}

// Messages returns the active conversation's log in order.
func (e *Engine) Messages(conversationID string) ([]models.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, err := e.activeLocked(conversationID)
	if err != nil {
		return nil, err
	}
	return conv.log.Messages(), nil
}

// Summary returns the latest summary of a conversation.
func (e *Engine) Summary(conversationID string) models.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, _ := e.summaries.Summary(conversationID)
	return s
}

// Refresh re-fetches the active conversation's snapshot. On failure the
// log is left as it was.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	conv := e.active
	e.mu.Unlock()
	if conv == nil {
		return errs.Invalid("conversation", "no active conversation")
	}
	return e.loadSnapshot(ctx, conv)
}

// LoadConversations fetches the directory with remotely aggregated
// summaries in one round trip and seeds the aggregator with them.
func (e *Engine) LoadConversations(ctx context.Context) error {
	if e.directory == nil {
		return nil
	}
	views, err := e.directory.ListConversations(ctx, e.session.UserID)
	if err != nil {
		return errs.Classify("list conversations", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	known := make(map[string]models.Conversation, len(views))
	for _, v := range views {
		known[v.ID] = v.Conversation
		s := v.Summary
		s.ConversationID = v.ID
		e.summaries.Seed(s)
	}
	if e.active != nil {
		if meta, ok := known[e.active.id]; ok {
			e.active.meta = meta
		}
	}
	e.known = known
	return nil
}

// Conversations lists known conversations whose name contains query,
// ignoring case, most recently active first.
func (e *Engine) Conversations(query string) []models.ConversationView {
	needle := strings.ToLower(strings.TrimSpace(query))

	e.mu.Lock()
	metas := make([]models.Conversation, 0, len(e.known)+1)
	for _, meta := range e.known {
		metas = append(metas, meta)
	}
	if e.active != nil {
		if _, ok := e.known[e.active.id]; !ok {
			metas = append(metas, e.active.meta)
		}
	}
	views := make([]models.ConversationView, 0, len(metas))
	for _, meta := range metas {
		if needle != "" && !strings.Contains(strings.ToLower(meta.Name), needle) {
			continue
		}
		s, _ := e.summaries.Summary(meta.ID)
		view := models.ConversationView{Conversation: meta, Summary: s}
		if e.active != nil && e.active.id == meta.ID {
			view.Active = true
			view.Degraded = e.active.degraded
		}
		views = append(views, view)
	}
	e.mu.Unlock()

	sort.Slice(views, func(i, j int) bool {
		a, b := views[i].Summary.LastMessageAt, views[j].Summary.LastMessageAt
		if a.Equal(b) {
			return views[i].Name < views[j].Name
		}
		return a.After(b)
	})
	return views
}

func (e *Engine) activeLocked(conversationID string) (*conversation, error) {
	if e.closed {
		return nil, errs.Invalid("session", "closed")
	}
	if e.active == nil || e.active.id != conversationID {
		return nil, errs.Invalid("conversation", "not active: "+conversationID)
	}
	return e.active, nil
}

// detachLocked unhooks the active conversation and returns a func that
// closes its subscriptions; call it after releasing the lock.
func (e *Engine) detachLocked() func() {
	conv := e.active
	if conv == nil {
		return func() {}
	}
	e.active = nil
	conv.cancel()
	e.tracker.Clear(conv.id)
	if e.emitter != nil {
		e.emitter.Forget(conv.id)
	}
	e.summaries.Detach(conv.id)
	abandoned := len(conv.pending)
	conv.pending = nil
	observability.SetPendingWrites(0)
	observability.SetFeedDegraded(false)
	if abandoned > 0 {
		log.Printf("sync: abandoned %d pending writes conversation=%s", abandoned, conv.id)
	}

	sub, typing := conv.sub, conv.typing
	conv.sub, conv.typing = nil, nil
	return func() {
		if sub != nil {
			_ = sub.Close()
		}
		if typing != nil {
			_ = typing.Close()
		}
	}
}

// goLocked runs fn in a tracked goroutine unless the engine is closed.
func (e *Engine) goLocked(fn func()) {
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// goWriteLocked is goLocked for remote writes; writes tracks only these,
// not the long-lived feed and typing pumps.
func (e *Engine) goWriteLocked(fn func()) {
	if e.closed {
		return
	}
	e.writes.Add(1)
	e.goLocked(func() {
		defer e.writes.Done()
		fn()
	})
}

func (e *Engine) auditLocked(event, conversationID, detail string) {
	if e.auditor == nil {
		return
	}
	e.goLocked(func() {
		ctx, cancel := context.WithTimeout(e.baseCtx, 5*time.Second)
		defer cancel()
		e.auditor.Emit(ctx, event, conversationID, detail)
	})
}

func (e *Engine) emit(u models.Update) {
	e.updateMu.RLock()
	defer e.updateMu.RUnlock()
	if e.drained {
		return
	}
	select {
	case e.updates <- u:
	default:
		observability.IncUpdatesDropped()
	}
}

func (e *Engine) emitSummary(s models.Summary) {
	e.emit(models.Update{Type: models.UpdateSummary, ConversationID: s.ConversationID, Summary: &s})
}

// logChangedLocked pushes one entry's change through the aggregator and
// out to listeners. removedID names a provisional entry it replaced.
func (e *Engine) logChangedLocked(conv *conversation, id, removedID string, notify bool) {
	cur, ok := conv.log.Get(id)
	if !ok {
		return
	}
	s, changed := e.summaries.Apply(conv.id, cur, conv.log)
	if !notify {
		return
	}
	e.emit(models.Update{Type: models.UpdateLog, ConversationID: conv.id, Message: &cur, RemovedID: removedID})
	if changed {
		e.emitSummary(s)
	}
}

func (e *Engine) removedLocked(conv *conversation, gone models.Message) {
	s, changed := e.summaries.Remove(conv.id, gone, conv.log)
	e.emit(models.Update{Type: models.UpdateLog, ConversationID: conv.id, RemovedID: gone.ID})
	if changed {
		e.emitSummary(s)
	}
}

type conversation struct {
	id       string
	meta     models.Conversation
	log      *msglog.Log
	pending  map[string]*pendingSend
	ctx      context.Context
	cancel   context.CancelFunc
	sub      transport.LiveSubscription
	typing   transport.TopicSubscription
	degraded bool
}

func newConversation(parent context.Context, meta models.Conversation) *conversation {
	ctx, cancel := context.WithCancel(parent)
	return &conversation{
		id:      meta.ID,
		meta:    meta,
		log:     msglog.New(meta.ID),
		pending: make(map[string]*pendingSend),
		ctx:     ctx,
		cancel:  cancel,
	}
}
