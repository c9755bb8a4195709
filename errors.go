package convsync

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionClosed is returned by commands issued after a conversation switch.
	ErrSessionClosed = errors.New("convsync: session closed")
	// ErrNotFound is returned when a command names a message not in the window.
	ErrNotFound = errors.New("convsync: message not found")
	// ErrNotRetryable is returned by Retry for messages that are not Failed.
	ErrNotRetryable = errors.New("convsync: message is not retryable")
	// ErrNotEditable is returned by Edit for messages the server has not confirmed.
	ErrNotEditable = errors.New("convsync: message is not editable")
)

// NetworkError reports a failed history fetch. The cursor is kept, so the
// next load retries the same page.
type NetworkError struct {
	ConversationID string
	Cursor         string
	Err            error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("load history %s (cursor %q): %v", e.ConversationID, e.Cursor, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SendFailure reports a placeholder that was marked Failed.
type SendFailure struct {
	TempID string
	Err    error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send %s: %v", e.TempID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// CorrelationTimeout records a confirmed send whose realtime echo never
// arrived. The HTTP response is authoritative, so this is informational.
type CorrelationTimeout struct {
	MessageID string
	Waited    time.Duration
}

func (e CorrelationTimeout) Error() string {
	return fmt.Sprintf("no realtime echo for %s after %s", e.MessageID, e.Waited)
}

// AttachmentLoadError is scoped to one attachment reference.
type AttachmentLoadError struct {
	Ref string
	Err error
}

func (e *AttachmentLoadError) Error() string {
	return fmt.Sprintf("load attachment %s: %v", e.Ref, e.Err)
}

func (e *AttachmentLoadError) Unwrap() error { return e.Err }

// ReadReceiptFailure is retried on the next qualifying viewport event.
type ReadReceiptFailure struct {
	MessageID string
	Err       error
}

func (e *ReadReceiptFailure) Error() string {
	return fmt.Sprintf("read receipt %s: %v", e.MessageID, e.Err)
}

func (e *ReadReceiptFailure) Unwrap() error { return e.Err }
