package convsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func envelope(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(RealtimeEnvelope{Type: typ, Payload: raw})
	require.NoError(t, err)
	return b
}

// collector gathers delivered messages for assertions from the test goroutine.
type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) add(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		ids[i] = m.ID
	}
	return ids
}

func TestSubscriptionsFirstAndLast(t *testing.T) {
	s := newSubscriptions()
	a, first := s.add("c1", func(Message) {})
	assert.True(t, first)
	b, first := s.add("c1", func(Message) {})
	assert.False(t, first)

	assert.False(t, s.remove("c1", a))
	assert.True(t, s.remove("c1", b))
	assert.Empty(t, s.conversations())
}

func TestSubscriptionsDeliverInOrder(t *testing.T) {
	s := newSubscriptions()
	var got collector
	s.add("c1", got.add)

	var wg sync.WaitGroup
	var seq sync.Mutex
	next := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq.Lock()
			next++
			id := fmt.Sprintf("%02d", next)
			s.deliver(Message{ID: id, ConversationID: "c1"})
			seq.Unlock()
		}()
	}
	wg.Wait()

	ids := got.ids()
	require.Len(t, ids, 20)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
	assert.Zero(t, s.deliver(Message{ID: "x", ConversationID: "c2"}))
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 5,
	})
	var prev time.Duration
	for i := 0; i < 5; i++ {
		require.True(t, r.shouldReconnect())
		d := r.nextDelay()
		assert.LessOrEqual(t, d, time.Second)
		if i < 3 {
			assert.Greater(t, d, prev)
		}
		prev = d
	}
	assert.False(t, r.shouldReconnect())
}

// ============================================================================
// SSE
// ============================================================================

func TestRealtimeSSEDeliversMessages(t *testing.T) {
	var events [][]byte
	events = append(events,
		envelope(t, "authenticated", AuthenticatedPayload{UserID: "me"}),
		envelope(t, "message.new", MessageNewPayload{Message: Message{ID: "1", ConversationID: "c1", AuthorID: "u2", Body: "a", CreatedAt: t0}}),
		envelope(t, "message.new", MessageNewPayload{Message: Message{ID: "x", ConversationID: "c2", AuthorID: "u2", Body: "b", CreatedAt: t0}}),
		envelope(t, "message.new", MessageNewPayload{Message: Message{ID: "2", ConversationID: "c1", AuthorID: "u2", Body: "c", CreatedAt: t0.Add(time.Second)}}),
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	sse := NewClient("tok", WithBaseURL(srv.URL)).NewRealtimeSSE(nil)
	authed := make(chan AuthenticatedPayload, 1)
	sse.OnAuthenticated(func(p AuthenticatedPayload) { authed <- p })

	var got collector
	sub, err := sse.Subscribe(context.Background(), "c1", got.add)
	require.NoError(t, err)

	require.NoError(t, sse.Connect(context.Background()))
	t.Cleanup(func() { sse.Disconnect() })
	assert.Equal(t, StateConnected, sse.State())

	require.Eventually(t, func() bool { return len(got.ids()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2"}, got.ids())
	select {
	case p := <-authed:
		assert.Equal(t, "me", p.UserID)
	case <-time.After(time.Second):
		t.Fatal("authenticated handler not called")
	}
	require.NoError(t, sub.Unsubscribe())
}

func TestRealtimeSSERejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	sse := NewClient("bad", WithBaseURL(srv.URL)).NewRealtimeSSE(nil)
	err := sse.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, StateDisconnected, sse.State())
}

func TestEngineOverSSE(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		for _, id := range []string{"5", "5", "6"} {
			raw, _ := json.Marshal(MessageNewPayload{Message: Message{ID: id, ConversationID: "c1", AuthorID: "u2", Body: "live " + id, CreatedAt: t0}})
			b, _ := json.Marshal(RealtimeEnvelope{Type: "message.new", Payload: raw})
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	sse := NewClient("tok", WithBaseURL(srv.URL)).NewRealtimeSSE(nil)
	require.NoError(t, sse.Connect(context.Background()))
	t.Cleanup(func() { sse.Disconnect() })

	engine := NewEngine(NewBackend(NewMemoryBackend("me"), sse), WithSelfID("me"), WithHandleStore(NewMemoryHandleStore()))
	t.Cleanup(func() { engine.Close() })
	s, err := engine.Open(context.Background(), "c1")
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool { return s.Snapshot().Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"5", "6"}, s.Snapshot().IDs())
	assert.Equal(t, 2, s.NewBelow())
}

// ============================================================================
// WebSocket
// ============================================================================

func TestRealtimeWSJoinPingLeave(t *testing.T) {
	commands := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "")
		ctx := r.Context()

		write := func(typ string, payload any) {
			raw, _ := json.Marshal(payload)
			b, _ := json.Marshal(RealtimeEnvelope{Type: typ, Payload: raw})
			c.Write(ctx, websocket.MessageText, b)
		}
		write("authenticated", AuthenticatedPayload{UserID: "me", Username: "me"})

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var cmd struct {
				Type    string            `json:"type"`
				Payload map[string]string `json:"payload"`
			}
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			commands <- cmd.Type + ":" + cmd.Payload["conversationId"]
			switch cmd.Type {
			case "conversation.join":
				write("message.new", MessageNewPayload{Message: Message{
					ID: "m1", ConversationID: cmd.Payload["conversationId"], AuthorID: "u2", Body: "welcome", CreatedAt: t0,
				}})
			case "ping":
				write("pong", PongPayload{RequestID: cmd.Payload["requestId"]})
			}
		}
	}))
	t.Cleanup(srv.Close)

	ws := NewClient("tok", WithBaseURL(srv.URL)).NewRealtimeWS(&RealtimeConfig{HeartbeatInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, ws.Connect(ctx))
	t.Cleanup(func() { ws.Disconnect() })
	assert.Equal(t, StateConnected, ws.State())

	var got collector
	sub, err := ws.Subscribe(ctx, "c1", got.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got.ids()) == 1 }, 2*time.Second, 5*time.Millisecond)

	pong, err := ws.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping-1", pong.RequestID)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	var seen []string
	for len(seen) < 3 {
		select {
		case c := <-commands:
			seen = append(seen, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("commands so far: %v", seen)
		}
	}
	assert.Equal(t, []string{"conversation.join:c1", "ping:", "conversation.leave:c1"}, seen)
}

func TestRealtimeWSNotConnected(t *testing.T) {
	ws := NewClient("tok", WithBaseURL("http://127.0.0.1:1")).NewRealtimeWS(nil)

	var got collector
	sub, err := ws.Subscribe(context.Background(), "c1", got.add)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ws.dispatcher.subs.conversations())
	assert.NoError(t, sub.Unsubscribe(), "leaving while offline is not an error")
	assert.ErrorIs(t, ws.JoinConversation(context.Background(), "c1"), errNotConnected)
}
