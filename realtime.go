package convsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is sent when a real-time connection is authenticated.
type AuthenticatedPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// MessageNewPayload is sent for every message created in a joined
// conversation, including echoes of the user's own sends.
type MessageNewPayload struct {
	Message Message `json:"message"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

var errNotConnected = errors.New("not connected")

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures real-time clients.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Subscriptions
// ============================================================================

// subscriptions routes message.new events to conversation-scoped handlers.
// Deliveries are serialized, so a handler never runs concurrently with
// itself and sees events in the order they were delivered.
type subscriptions struct {
	deliverMu sync.Mutex

	mu     sync.Mutex
	seq    uint64
	byConv map[string][]subscriber
}

type subscriber struct {
	id      uint64
	handler func(Message)
}

func newSubscriptions() *subscriptions {
	return &subscriptions{byConv: make(map[string][]subscriber)}
}

// add registers handler and reports whether it is the first for conv.
func (s *subscriptions) add(conv string, handler func(Message)) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	first := len(s.byConv[conv]) == 0
	s.byConv[conv] = append(s.byConv[conv], subscriber{id: s.seq, handler: handler})
	return s.seq, first
}

// remove drops a handler and reports whether conv has none left.
func (s *subscriptions) remove(conv string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.byConv[conv]
	for i, sub := range subs {
		if sub.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(s.byConv, conv)
		return true
	}
	s.byConv[conv] = subs
	return false
}

func (s *subscriptions) conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	convs := make([]string, 0, len(s.byConv))
	for c := range s.byConv {
		convs = append(convs, c)
	}
	return convs
}

func (s *subscriptions) deliver(m Message) int {
	s.mu.Lock()
	subs := append([]subscriber(nil), s.byConv[m.ConversationID]...)
	s.mu.Unlock()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for _, sub := range subs {
		sub.handler(m)
	}
	return len(subs)
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	subs *subscriptions
	log  *slog.Logger

	mu              sync.RWMutex
	generic         map[string][]RealtimeEventHandler
	onAuthenticated []func(AuthenticatedPayload)
	onError         []func(RealtimeErrorPayload)
	onConnected     []func()
	onDisconnected  []func(int, string)
	onReconnecting  []func(int, time.Duration)
}

func newEventDispatcher(logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		subs:    newSubscriptions(),
		log:     logger,
		generic: make(map[string][]RealtimeEventHandler),
	}
}

// dispatch delivers message.new synchronously, in order. Every other event
// goes to its handlers on their own goroutines.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	if env.Type == "message.new" {
		var p MessageNewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			d.log.Warn("malformed message.new", "error", err)
		} else {
			d.subs.deliver(p.Message)
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "authenticated":
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				go h(p)
			}
		}
	case "error":
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			d.log.Warn("realtime server error", "message", p.Message)
			for _, h := range d.onError {
				go h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// realtimeHandlers is embedded by both clients for handler registration.
type realtimeHandlers struct {
	dispatcher *eventDispatcher
}

// OnAuthenticated registers a handler for the authenticated event.
func (r *realtimeHandlers) OnAuthenticated(h func(AuthenticatedPayload)) {
	r.dispatcher.mu.Lock()
	r.dispatcher.onAuthenticated = append(r.dispatcher.onAuthenticated, h)
	r.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (r *realtimeHandlers) OnError(h func(RealtimeErrorPayload)) {
	r.dispatcher.mu.Lock()
	r.dispatcher.onError = append(r.dispatcher.onError, h)
	r.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (r *realtimeHandlers) OnConnected(h func()) {
	r.dispatcher.mu.Lock()
	r.dispatcher.onConnected = append(r.dispatcher.onConnected, h)
	r.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (r *realtimeHandlers) OnDisconnected(h func(code int, reason string)) {
	r.dispatcher.mu.Lock()
	r.dispatcher.onDisconnected = append(r.dispatcher.onDisconnected, h)
	r.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (r *realtimeHandlers) OnReconnecting(h func(attempt int, delay time.Duration)) {
	r.dispatcher.mu.Lock()
	r.dispatcher.onReconnecting = append(r.dispatcher.onReconnecting, h)
	r.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (r *realtimeHandlers) On(eventType string, h RealtimeEventHandler) {
	r.dispatcher.mu.Lock()
	r.dispatcher.generic[eventType] = append(r.dispatcher.generic[eventType], h)
	r.dispatcher.mu.Unlock()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket subscriber with auto-reconnect and
// heartbeat. Joined conversations are re-joined after every reconnect.
type RealtimeWSClient struct {
	realtimeHandlers

	url              string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	pingCounter      atomic.Int64
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the WebSocket connection and waits for the
// authenticated event.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.url, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must be "authenticated"
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ws.mu.Lock()
	if ws.cancelFn != nil {
		ws.cancelFn()
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.dispatcher.dispatch(env)
	ws.dispatcher.emitConnected()

	for _, conv := range ws.dispatcher.subs.conversations() {
		if err := ws.JoinConversation(connCtx, conv); err != nil {
			ws.config.Logger.Warn("rejoin conversation", "conversation", conv, "error", err)
		}
	}

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)
	return nil
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.dispatcher.emitDisconnected(1000, "client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe implements Subscriber. The first subscription to a conversation
// joins its room; the last unsubscribe leaves it.
func (ws *RealtimeWSClient) Subscribe(ctx context.Context, conversationID string, handler func(Message)) (Subscription, error) {
	id, first := ws.dispatcher.subs.add(conversationID, handler)
	if first && ws.State() == StateConnected {
		if err := ws.JoinConversation(ctx, conversationID); err != nil {
			ws.dispatcher.subs.remove(conversationID, id)
			return nil, err
		}
	}
	var once sync.Once
	return SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			if ws.dispatcher.subs.remove(conversationID, id) {
				err = ws.LeaveConversation(context.Background(), conversationID)
				if errors.Is(err, errNotConnected) {
					err = nil
				}
			}
		})
		return err
	}), nil
}

// JoinConversation joins a conversation room.
func (ws *RealtimeWSClient) JoinConversation(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "conversation.join",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// LeaveConversation leaves a conversation room.
func (ws *RealtimeWSClient) LeaveConversation(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "conversation.leave",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return errNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter.Add(1))

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		ws.dropPing(requestID)
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, errNotConnected
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		ws.dropPing(requestID)
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		ws.dropPing(requestID)
		return nil, ctx.Err()
	}
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *RealtimeWSClient) dropPing(requestID string) {
	ws.pendingMu.Lock()
	delete(ws.pendingPings, requestID)
	ws.pendingMu.Unlock()
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.config.Logger.Warn("realtime connection lost", "error", err)
			ws.dispatcher.emitDisconnected(0, err.Error())
			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect(ctx)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		// Resolve pending pings
		if env.Type == "pong" {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if _, err := ws.Ping(ctx); err != nil {
				// Heartbeat failed, force close
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) scheduleReconnect(ctx context.Context) {
	delay := ws.recon.nextDelay()
	ws.setState(StateReconnecting)
	ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	if err := ws.Connect(ctx); err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect(ctx)
		} else {
			ws.setState(StateDisconnected)
		}
	}
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient is an SSE subscriber (server-push only) with
// auto-reconnect. The stream carries every conversation the user belongs to;
// events are routed to subscribers by conversation id.
type RealtimeSSEClient struct {
	realtimeHandlers

	url              string
	config           *RealtimeConfig
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
}

// State returns the current connection state.
func (sse *RealtimeSSEClient) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Subscribe implements Subscriber.
func (sse *RealtimeSSEClient) Subscribe(ctx context.Context, conversationID string, handler func(Message)) (Subscription, error) {
	id, _ := sse.dispatcher.subs.add(conversationID, handler)
	var once sync.Once
	return SubscriptionFunc(func() error {
		once.Do(func() { sse.dispatcher.subs.remove(conversationID, id) })
		return nil
	}), nil
}

// Connect establishes the SSE connection.
func (sse *RealtimeSSEClient) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	sse.mu.Unlock()

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(connCtx, "GET", sse.url, nil)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	if sse.cancelFn != nil {
		sse.cancelFn()
	}
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.dispatcher.emitConnected()

	go sse.readLoop(connCtx, resp)
	go sse.heartbeatWatchdog(connCtx)
	return nil
}

// Disconnect closes the SSE connection.
func (sse *RealtimeSSEClient) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()

	sse.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

func (sse *RealtimeSSEClient) setState(s RealtimeState) {
	sse.mu.Lock()
	sse.state = s
	sse.mu.Unlock()
}

func (sse *RealtimeSSEClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if strings.HasPrefix(line, "data: ") {
			var env RealtimeEnvelope
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) == nil {
				sse.dispatcher.dispatch(env)
			}
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	if !intentional {
		sse.state = StateDisconnected
	}
	sse.mu.Unlock()
	if intentional {
		return
	}

	sse.config.Logger.Warn("realtime stream ended")
	sse.dispatcher.emitDisconnected(0, "stream ended")
	if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
		sse.scheduleReconnect()
	}
}

func (sse *RealtimeSSEClient) heartbeatWatchdog(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 45*time.Second
			cancel := sse.cancelFn
			sse.mu.Unlock()
			if stale {
				if cancel != nil {
					cancel()
				}
				return
			}
		}
	}
}

func (sse *RealtimeSSEClient) scheduleReconnect() {
	delay := sse.recon.nextDelay()
	sse.setState(StateReconnecting)
	sse.dispatcher.emitReconnecting(sse.recon.attempt, delay)

	time.Sleep(delay)

	sse.mu.Lock()
	intentional := sse.intentionalClose
	sse.mu.Unlock()
	if intentional {
		return
	}

	// The old connection context is cancelled
	if err := sse.Connect(context.Background()); err != nil {
		if sse.config.AutoReconnect && sse.recon.shouldReconnect() {
			sse.scheduleReconnect()
		} else {
			sse.setState(StateDisconnected)
		}
	}
}
