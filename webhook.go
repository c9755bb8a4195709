package convsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is a signed message.new notification POSTed by the server.
type WebhookPayload struct {
	Source       string              `json:"source"`
	Event        string              `json:"event"`
	Timestamp    int64               `json:"timestamp"`
	Message      WebhookMessage      `json:"message"`
	Sender       WebhookSender       `json:"sender"`
	Conversation WebhookConversation `json:"conversation"`
}

// WebhookMessage represents a message in a webhook payload.
type WebhookMessage struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"clientId,omitempty"`
	Type           string         `json:"type"`
	Content        string         `json:"content"`
	SenderID       string         `json:"senderId"`
	ConversationID string         `json:"conversationId"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      string         `json:"createdAt"`
}

// WebhookSender represents sender information in a webhook payload.
type WebhookSender struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// WebhookConversation represents conversation information in a webhook payload.
type WebhookConversation struct {
	ID   string `json:"id"`
	Type string `json:"type"` // "direct" or "group"
}

// ToMessage converts the payload into a confirmed Message.
func (p *WebhookPayload) ToMessage() Message {
	m := Message{
		ID:             p.Message.ID,
		ClientID:       p.Message.ClientID,
		ConversationID: p.Message.ConversationID,
		AuthorID:       p.Message.SenderID,
		Body:           p.Message.Content,
		Attachments:    p.Message.Attachments,
		DeliveryState:  Confirmed,
	}
	if m.ConversationID == "" {
		m.ConversationID = p.Conversation.ID
	}
	if m.AuthorID == "" {
		m.AuthorID = p.Sender.ID
	}
	if t, err := time.Parse(time.RFC3339Nano, p.Message.CreatedAt); err == nil {
		m.CreatedAt = t
	} else if p.Timestamp > 0 {
		m.CreatedAt = time.UnixMilli(p.Timestamp)
	}
	return m
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload parses a raw webhook body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != "prismer_im" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Message.ID == "" || payload.Sender.ID == "" || payload.Conversation.ID == "" {
		return nil, fmt.Errorf("missing required fields in webhook payload (message, sender, conversation)")
	}
	return &payload, nil
}

// ============================================================================
// WebhookSubscriber
// ============================================================================

// WebhookSubscriber is a Subscriber fed by signed server-to-server webhooks
// instead of a persistent connection. Mount HTTPHandler on the endpoint the
// server posts to.
type WebhookSubscriber struct {
	secret string
	subs   *subscriptions
	log    *slog.Logger
}

// NewWebhookSubscriber creates a subscriber that accepts payloads signed
// with secret.
func NewWebhookSubscriber(secret string, logger *slog.Logger) (*WebhookSubscriber, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSubscriber{secret: secret, subs: newSubscriptions(), log: logger}, nil
}

// Subscribe implements Subscriber.
func (w *WebhookSubscriber) Subscribe(ctx context.Context, conversationID string, handler func(Message)) (Subscription, error) {
	id, _ := w.subs.add(conversationID, handler)
	var once sync.Once
	return SubscriptionFunc(func() error {
		once.Do(func() { w.subs.remove(conversationID, id) })
		return nil
	}), nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookSubscriber) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle verifies and parses a webhook request and routes message.new to the
// subscribers of its conversation. Returns the status code and response body
// for the caller to write.
func (w *WebhookSubscriber) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if payload.Event != "message.new" {
		w.log.Debug("webhook event ignored", "event", payload.Event)
		return http.StatusOK, map[string]any{"ok": true, "delivered": 0}
	}
	n := w.subs.deliver(payload.ToMessage())
	return http.StatusOK, map[string]any{"ok": true, "delivered": n}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := convsync.NewWebhookSubscriber("secret", nil)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *WebhookSubscriber) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get("X-Prismer-Signature"))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
