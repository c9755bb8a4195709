package convsync

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic response envelope of the messaging API.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// TempIDPrefix marks a message id as provisional.
const TempIDPrefix = "tmp-"

// IsTempID reports whether id was generated locally for a placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// DeliveryState is the confirmation state of a message.
type DeliveryState string

const (
	Pending   DeliveryState = "pending"
	Confirmed DeliveryState = "confirmed"
	Failed    DeliveryState = "failed"
)

// CanTransition reports whether moving from s to next is a legal field
// transition. Failed -> Pending is only reached through an explicit retry.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	switch s {
	case Pending:
		return next == Confirmed || next == Failed
	case Failed:
		return next == Pending
	}
	return false
}

// Attachment is a reference to a binary resource carried by a message.
type Attachment struct {
	SourceRef      string `json:"sourceRef"`
	MediaType      string `json:"mediaType,omitempty"`
	IsLocalPreview bool   `json:"isLocalPreview,omitempty"`

	// ResolvedURL is filled in by the ResourceManager and never persisted.
	ResolvedURL string `json:"-"`
}

// Key identifies the attachment independently of its position in a message.
func (a Attachment) Key() string {
	return a.SourceRef
}

// Message is one entry of a conversation window.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	AuthorID       string        `json:"authorId"`
	Body           string        `json:"body"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	DeliveryState  DeliveryState `json:"deliveryState"`
}

// IsRead reports whether the message has a read timestamp.
func (m Message) IsRead() bool {
	return m.ReadAt != nil
}

// clone returns a copy that shares no slices or pointers with m.
func (m Message) clone() Message {
	c := m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return c
}

// before is the window ordering: CreatedAt ascending, ID as tiebreak.
func (m Message) before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Page is one backward page of conversation history.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// SendRequest is the payload of a message create call.
type SendRequest struct {
	Body        string
	Attachments []Attachment
	// ClientID is an idempotency token the server may echo back.
	ClientID string
}
