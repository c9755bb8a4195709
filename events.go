package convsync

import "sync"

// Session events. Only user-actionable failures are emitted; reconciliation
// races are resolved silently.
const (
	// EventChanged carries the new Window after every mutation.
	EventChanged = "window.changed"
	// EventNewBelow carries the "new messages below" count when it grows.
	EventNewBelow = "window.new_below"
	// EventHistoryFailed carries a *NetworkError.
	EventHistoryFailed = "history.failed"
	// EventSendFailed carries a *SendFailure.
	EventSendFailed = "send.failed"
	// EventAttachmentFailed carries an *AttachmentLoadError.
	EventAttachmentFailed = "attachment.failed"
	// EventReadReceiptFailed carries a *ReadReceiptFailure.
	EventReadReceiptFailed = "receipt.failed"
)

// EventHandler handles session events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() emitter {
	return emitter{listeners: make(map[string][]EventHandler)}
}

// On registers handler for event. Handlers run on the goroutine that caused
// the event, after the session lock is released.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
