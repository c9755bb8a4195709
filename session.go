// Package convsync keeps one conversation's message list consistent while it
// is fed by paginated history, optimistic local sends and a realtime channel.
//
// Example:
//
//	client := convsync.NewClient(token, convsync.WithBaseURL(url))
//	ws := client.NewRealtimeWS(nil)
//	_ = ws.Connect(ctx)
//
//	engine := convsync.NewEngine(convsync.NewBackend(client, ws), convsync.WithSelfID(me))
//	session, _ := engine.Open(ctx, "conv-123")
//	session.On(convsync.EventChanged, func(_ string, p any) { render(p.(convsync.Window)) })
//	_ = session.LoadOlder(ctx)
//	id, _ := session.Send(ctx, "Hello", nil)
package convsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ============================================================================
// Engine
// ============================================================================

// Engine owns the active conversation. Opening another conversation tears the
// previous session down.
type Engine struct {
	backend   Backend
	cfg       config
	resources *ResourceManager

	openMu sync.Mutex
	mu     sync.Mutex
	active *Session
}

// NewEngine creates an engine over backend.
func NewEngine(backend Backend, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = NewMetrics(nil)
	}
	res := cfg.resources
	if res == nil {
		store := cfg.handleStore
		if store == nil {
			store = NewTempFileStore("")
		}
		res = NewResourceManager(backend, store, cfg.metrics, cfg.logger)
	}
	return &Engine{backend: backend, cfg: cfg, resources: res}
}

// Resources returns the engine's attachment resource manager.
func (e *Engine) Resources() *ResourceManager { return e.resources }

// Active returns the current session, or nil.
func (e *Engine) Active() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Open activates conversationID. The previous session is closed first: its
// subscription is dropped, in-flight history loads are cancelled and its
// attachment handles are released.
func (e *Engine) Open(ctx context.Context, conversationID string) (*Session, error) {
	e.openMu.Lock()
	defer e.openMu.Unlock()

	e.mu.Lock()
	prev := e.active
	e.active = nil
	e.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			e.cfg.logger.Warn("close session", "conversation", prev.conversationID, "error", err)
		}
	}

	s := newSession(e, conversationID)
	sub, err := e.backend.Subscribe(ctx, conversationID, s.OnEvent)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	e.mu.Lock()
	e.active = s
	e.mu.Unlock()
	s.log.Debug("session opened")
	return s, nil
}

// Close closes the active session, if any.
func (e *Engine) Close() error {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	e.mu.Lock()
	s := e.active
	e.active = nil
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// ============================================================================
// Session
// ============================================================================

var sessionSeq atomic.Uint64

type state struct {
	window     Window
	pending    correlationTable
	tombstones map[string]struct{}
	newBelow   int
	nearBottom bool
	closed     bool
}

// deleted reports whether id was deleted locally, so redelivery or an older
// history page does not bring it back.
func (st *state) deleted(id string) bool {
	_, ok := st.tombstones[id]
	return ok
}

func (st *state) setDeleted(id string, deleted bool) {
	next := make(map[string]struct{}, len(st.tombstones)+1)
	for k := range st.tombstones {
		next[k] = struct{}{}
	}
	if deleted {
		next[id] = struct{}{}
	} else {
		delete(next, id)
	}
	st.tombstones = next
}

// Session is one activated conversation window. All mutations of the window
// and the correlation table run as single steps under one lock.
type Session struct {
	emitter

	conversationID string
	ownerPrefix    string
	backend        Backend
	cfg            *config
	resources      *ResourceManager
	metrics        *Metrics
	log            *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	history singleflight.Group
	reads   *readTracker
	wg      sync.WaitGroup

	mu     sync.Mutex
	st     state
	sub    Subscription
	echoes map[string]*time.Timer
}

func newSession(e *Engine, conversationID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		emitter:        newEmitter(),
		conversationID: conversationID,
		ownerPrefix:    fmt.Sprintf("%s#%d/", conversationID, sessionSeq.Add(1)),
		backend:        e.backend,
		cfg:            &e.cfg,
		resources:      e.resources,
		metrics:        e.cfg.metrics,
		log:            e.cfg.logger.With("conversation", conversationID),
		ctx:            ctx,
		cancel:         cancel,
		reads:          newReadTracker(rate.NewLimiter(e.cfg.receiptEvery, e.cfg.receiptBurst)),
		st:             state{window: NewWindow(conversationID)},
		echoes:         make(map[string]*time.Timer),
	}
}

// ConversationID returns the conversation this session shows.
func (s *Session) ConversationID() string { return s.conversationID }

// Snapshot returns the current window.
func (s *Session) Snapshot() Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.window
}

// Messages returns a copy of the ordered messages.
func (s *Session) Messages() []Message {
	return s.Snapshot().Snapshot()
}

// PendingCorrelations returns the number of sends still awaiting their
// confirmed twin.
func (s *Session) PendingCorrelations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.pending.Len()
}

// UnreadCount returns the number of messages from other participants that
// have no read timestamp.
func (s *Session) UnreadCount() int {
	w := s.Snapshot()
	n := 0
	for _, m := range w.messages {
		if s.unread(m) {
			n++
		}
	}
	return n
}

// NewBelow returns the "new messages below" indicator. It resets when the
// viewport reaches the bottom.
func (s *Session) NewBelow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.newBelow
}

// Closed reports whether the session was torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.closed
}

// Wait blocks until background sends and read receipts have completed.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close tears the session down. Late completions are discarded from here on;
// submitted sends still reach the server.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.st.closed {
		s.mu.Unlock()
		return nil
	}
	s.st.closed = true
	sub := s.sub
	for id, t := range s.echoes {
		t.Stop()
		delete(s.echoes, id)
	}
	s.mu.Unlock()

	s.cancel()
	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	s.resources.ReleasePrefix(s.ownerPrefix)
	s.removeAll()
	s.log.Debug("session closed")
	return err
}

// ResolveAttachment acquires a handle for att on behalf of message msgID and
// returns att with ResolvedURL set. The handle lives until the message leaves
// the window or the session closes.
func (s *Session) ResolveAttachment(ctx context.Context, msgID string, att Attachment) (Attachment, error) {
	if !s.Snapshot().Has(msgID) {
		return att, ErrNotFound
	}
	if s.Closed() {
		return att, ErrSessionClosed
	}
	owner := s.owner(msgID)
	out, err := s.resources.Resolve(ctx, owner, att)
	if err != nil {
		s.emit(EventAttachmentFailed, err)
		return att, err
	}
	s.mu.Lock()
	gone := s.st.closed || !s.st.window.Has(msgID)
	s.mu.Unlock()
	if gone {
		s.resources.Release(owner, att.Key())
		return att, ErrSessionClosed
	}
	return out, nil
}

func (s *Session) owner(msgID string) string {
	return s.ownerPrefix + msgID
}

func (s *Session) unread(m Message) bool {
	return m.AuthorID != s.cfg.selfID && m.ReadAt == nil && !IsTempID(m.ID)
}

// apply runs fn as one atomic step over the session state and installs the
// result. It returns false without calling fn once the session is closed.
// Listeners and handle releases run after the lock is dropped.
func (s *Session) apply(fn func(st *state)) bool {
	s.mu.Lock()
	if s.st.closed {
		s.mu.Unlock()
		return false
	}
	prev := s.st
	next := prev
	fn(&next)
	s.st = next
	s.mu.Unlock()

	if next.window.sameAs(prev.window) {
		return true
	}
	s.releaseRemoved(prev.window, next.window)
	s.emit(EventChanged, next.window)
	if next.newBelow > prev.newBelow {
		s.emit(EventNewBelow, next.newBelow)
	}
	return true
}

func (s *Session) releaseRemoved(prev, next Window) {
	for _, m := range prev.messages {
		if len(m.Attachments) > 0 && !next.Has(m.ID) {
			s.resources.ReleaseOwner(s.owner(m.ID))
		}
	}
}

// goBackground runs fn on a tracked goroutine.
func (s *Session) goBackground(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}
