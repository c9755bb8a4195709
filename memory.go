package convsync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrInjected is returned by MemoryBackend calls failed on purpose.
var ErrInjected = errors.New("memory backend: injected failure")

const DefaultPageSize = 20

type memoryBlob struct {
	data      []byte
	mediaType string
}

// ============================================================================
// MemoryBackend
// ============================================================================

// MemoryBackend is a goroutine-safe in-process Backend. It plays the server
// for one authenticated user: sends are stored, confirmed and broadcast to
// subscribers of the conversation, history is served in cursor pages.
//
// Failures can be injected per operation, and echoes can be held back to
// order the HTTP response and the realtime echo of a send either way.
type MemoryBackend struct {
	subs *subscriptions

	mu          sync.RWMutex
	userID      string
	clock       func() time.Time
	pageSize    int
	nextID      int
	echoClient  bool
	messages    map[string]*Message
	attachments map[string]memoryBlob
	receipts    map[string]int
	fetches     map[string]int
	historyHits int

	failSends    int
	failHistory  int
	failReceipts int
	failDeletes  int

	holdEchoes  bool
	held        []Message
	historyGate chan struct{}
}

// NewMemoryBackend creates a backend that authenticates every request as
// userID.
func NewMemoryBackend(userID string) *MemoryBackend {
	return &MemoryBackend{
		subs:        newSubscriptions(),
		userID:      userID,
		clock:       time.Now,
		pageSize:    DefaultPageSize,
		nextID:      1,
		echoClient:  true,
		messages:    make(map[string]*Message),
		attachments: make(map[string]memoryBlob),
		receipts:    make(map[string]int),
		fetches:     make(map[string]int),
	}
}

// ── Setup ────────────────────────────────────────────────

func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = now
}

func (b *MemoryBackend) SetPageSize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pageSize = n
}

// SetNextID sets the numeric id the next created message gets.
func (b *MemoryBackend) SetNextID(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID = n
}

// SetEchoClientIDs controls whether created messages carry the client's
// idempotency token back. Without it, clients must correlate by content.
func (b *MemoryBackend) SetEchoClientIDs(echo bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.echoClient = echo
}

// Seed stores messages without broadcasting them.
func (b *MemoryBackend) Seed(msgs ...Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		m = m.clone()
		m.DeliveryState = Confirmed
		b.messages[m.ID] = &m
	}
}

// PutAttachment stores the bytes served for ref.
func (b *MemoryBackend) PutAttachment(ref string, data []byte, mediaType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attachments[ref] = memoryBlob{data: append([]byte(nil), data...), mediaType: mediaType}
}

// ── Failure injection ────────────────────────────────────

func (b *MemoryBackend) FailNextSends(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSends = n
}

func (b *MemoryBackend) FailNextHistory(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failHistory = n
}

func (b *MemoryBackend) FailNextReceipts(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failReceipts = n
}

func (b *MemoryBackend) FailNextDeletes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDeletes = n
}

// HoldEchoes queues broadcasts instead of delivering them.
func (b *MemoryBackend) HoldEchoes() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdEchoes = true
}

// FlushEchoes delivers queued broadcasts in creation order and stops holding.
func (b *MemoryBackend) FlushEchoes() int {
	b.mu.Lock()
	held := b.held
	b.held = nil
	b.holdEchoes = false
	b.mu.Unlock()
	for _, m := range held {
		b.subs.deliver(m)
	}
	return len(held)
}

// GateHistory blocks FetchHistory calls until the returned release func is
// called.
func (b *MemoryBackend) GateHistory() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.historyGate = gate
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.historyGate == gate {
				b.historyGate = nil
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// ── Inspection ───────────────────────────────────────────

// Message returns the stored copy of id.
func (b *MemoryBackend) Message(id string) (Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.messages[id]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// Count returns the number of stored messages in conversationID.
func (b *MemoryBackend) Count(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, m := range b.messages {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n
}

// Receipts returns how many read receipts were accepted for id.
func (b *MemoryBackend) Receipts(id string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.receipts[id]
}

// Fetches returns how many times ref was fetched.
func (b *MemoryBackend) Fetches(ref string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fetches[ref]
}

// HistoryCalls returns how many history requests reached the backend.
func (b *MemoryBackend) HistoryCalls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.historyHits
}

// ── Server-side creation ─────────────────────────────────

// Inject creates a message as if another participant had sent it and
// broadcasts it. Missing ids and timestamps are assigned.
func (b *MemoryBackend) Inject(m Message) Message {
	b.mu.Lock()
	if m.ID == "" {
		m.ID = b.allocID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = b.clock()
	}
	m = m.clone()
	m.DeliveryState = Confirmed
	stored := m
	b.messages[m.ID] = &stored
	b.mu.Unlock()

	b.broadcast(m)
	return m
}

// Redeliver broadcasts the stored copy of id again, as an at-least-once
// channel may.
func (b *MemoryBackend) Redeliver(id string) bool {
	m, ok := b.Message(id)
	if !ok {
		return false
	}
	b.subs.deliver(m)
	return true
}

// must hold b.mu
func (b *MemoryBackend) allocID() string {
	id := strconv.Itoa(b.nextID)
	b.nextID++
	return id
}

func (b *MemoryBackend) broadcast(m Message) {
	b.mu.Lock()
	if b.holdEchoes {
		b.held = append(b.held, m.clone())
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.subs.deliver(m)
}

// ============================================================================
// Backend implementation
// ============================================================================

// Subscribe implements Subscriber.
func (b *MemoryBackend) Subscribe(ctx context.Context, conversationID string, handler func(Message)) (Subscription, error) {
	id, _ := b.subs.add(conversationID, handler)
	var once sync.Once
	return SubscriptionFunc(func() error {
		once.Do(func() { b.subs.remove(conversationID, id) })
		return nil
	}), nil
}

// FetchHistory implements HistoryAPI. Pages are returned oldest first; the
// cursor is opaque to callers.
func (b *MemoryBackend) FetchHistory(ctx context.Context, conversationID, cursor string) (Page, error) {
	b.mu.Lock()
	b.historyHits++
	gate := b.historyGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failHistory > 0 {
		b.failHistory--
		return Page{}, ErrInjected
	}

	var before *Message
	if cursor != "" {
		c, err := decodeCursor(cursor)
		if err != nil {
			return Page{}, err
		}
		before = &c
	}

	var msgs []Message
	for _, m := range b.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if before != nil && !m.before(*before) {
			continue
		}
		msgs = append(msgs, m.clone())
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].before(msgs[j]) })

	page := Page{Messages: msgs}
	if len(msgs) > b.pageSize {
		page.Messages = msgs[len(msgs)-b.pageSize:]
	}
	if len(page.Messages) < len(msgs) {
		page.NextCursor = encodeCursor(page.Messages[0])
	}
	return page, nil
}

// SendMessage implements SendAPI. The created message is broadcast before
// the response returns, unless echoes are held.
func (b *MemoryBackend) SendMessage(ctx context.Context, conversationID string, req SendRequest) (Message, error) {
	b.mu.Lock()
	if b.failSends > 0 {
		b.failSends--
		b.mu.Unlock()
		return Message{}, ErrInjected
	}
	m := Message{
		ID:             b.allocID(),
		ConversationID: conversationID,
		AuthorID:       b.userID,
		Body:           req.Body,
		CreatedAt:      b.clock(),
		DeliveryState:  Confirmed,
	}
	if b.echoClient {
		m.ClientID = req.ClientID
	}
	for _, att := range req.Attachments {
		// Uploaded previews become server refs.
		if att.IsLocalPreview {
			att = Attachment{SourceRef: "files/" + m.ID + "/" + baseName(att.SourceRef), MediaType: att.MediaType}
		}
		m.Attachments = append(m.Attachments, Attachment{SourceRef: att.SourceRef, MediaType: att.MediaType})
	}
	stored := m.clone()
	b.messages[m.ID] = &stored
	b.mu.Unlock()

	b.broadcast(m)
	return m, nil
}

// MarkRead implements UpdateAPI.
func (b *MemoryBackend) MarkRead(ctx context.Context, conversationID, messageID string) (Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failReceipts > 0 {
		b.failReceipts--
		return Message{}, ErrInjected
	}
	m, ok := b.messages[messageID]
	if !ok || m.ConversationID != conversationID {
		return Message{}, &APIError{Code: "NOT_FOUND", Message: "message " + messageID + " not found"}
	}
	if m.ReadAt == nil {
		t := b.clock()
		m.ReadAt = &t
	}
	b.receipts[messageID]++
	return m.clone(), nil
}

// EditMessage implements UpdateAPI.
func (b *MemoryBackend) EditMessage(ctx context.Context, conversationID, messageID, body string) (Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.messages[messageID]
	if !ok || m.ConversationID != conversationID {
		return Message{}, &APIError{Code: "NOT_FOUND", Message: "message " + messageID + " not found"}
	}
	if m.AuthorID != b.userID {
		return Message{}, &APIError{Code: "FORBIDDEN", Message: "cannot edit another user's message"}
	}
	m.Body = body
	return m.clone(), nil
}

// DeleteMessage implements UpdateAPI.
func (b *MemoryBackend) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDeletes > 0 {
		b.failDeletes--
		return ErrInjected
	}
	m, ok := b.messages[messageID]
	if !ok || m.ConversationID != conversationID {
		return &APIError{Code: "NOT_FOUND", Message: "message " + messageID + " not found"}
	}
	delete(b.messages, messageID)
	return nil
}

// FetchAttachment implements AttachmentFetcher.
func (b *MemoryBackend) FetchAttachment(ctx context.Context, ref string) ([]byte, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches[ref]++
	blob, ok := b.attachments[ref]
	if !ok {
		return nil, "", fmt.Errorf("attachment %s: %w", ref, ErrInjected)
	}
	return append([]byte(nil), blob.data...), blob.mediaType, nil
}

// ============================================================================
// Cursors
// ============================================================================

func encodeCursor(m Message) string {
	raw := m.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + m.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (Message, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return Message{}, fmt.Errorf("invalid cursor: %w", err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return Message{}, fmt.Errorf("invalid cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Message{}, fmt.Errorf("invalid cursor: %w", err)
	}
	return Message{ID: id, CreatedAt: t}, nil
}

func baseName(ref string) string {
	ref = strings.TrimPrefix(ref, "file://")
	if i := strings.LastIndexAny(ref, `/\`); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
