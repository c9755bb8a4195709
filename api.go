package convsync

import "context"

// HistoryAPI serves backward pages of a conversation. An empty cursor asks
// for the newest page.
type HistoryAPI interface {
	FetchHistory(ctx context.Context, conversationID, cursor string) (Page, error)
}

// SendAPI creates a message and returns its canonical, confirmed form.
type SendAPI interface {
	SendMessage(ctx context.Context, conversationID string, req SendRequest) (Message, error)
}

// UpdateAPI performs partial updates on confirmed messages.
type UpdateAPI interface {
	MarkRead(ctx context.Context, conversationID, messageID string) (Message, error)
	EditMessage(ctx context.Context, conversationID, messageID, body string) (Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
}

// AttachmentFetcher performs the authenticated fetch of a private attachment.
type AttachmentFetcher interface {
	FetchAttachment(ctx context.Context, ref string) (data []byte, mediaType string, err error)
}

// Subscription is a live realtime subscription for one conversation.
type Subscription interface {
	Unsubscribe() error
}

// Subscriber opens conversation-scoped realtime subscriptions. The handler
// must be invoked once per delivered creation event, in delivery order, and
// never concurrently with itself.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string, handler func(Message)) (Subscription, error)
}

// RequestAPI is the request/response half of a backend.
type RequestAPI interface {
	HistoryAPI
	SendAPI
	UpdateAPI
	AttachmentFetcher
}

// Backend bundles every server collaborator a session needs.
type Backend interface {
	RequestAPI
	Subscriber
}

type backend struct {
	RequestAPI
	Subscriber
}

// NewBackend pairs a request API with a separately connected realtime
// subscriber, e.g. a Client with a RealtimeWSClient.
func NewBackend(api RequestAPI, sub Subscriber) Backend {
	return backend{RequestAPI: api, Subscriber: sub}
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Unsubscribe() error { return f() }
