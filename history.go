package convsync

import (
	"context"
	"errors"
)

// LoadOlder fetches the page before the oldest loaded message and merges it
// into the window. Concurrent calls for the same cursor share one request.
// It is a no-op once history is exhausted. On failure the cursor is kept, so
// the next call retries the same page.
func (s *Session) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	closed, w := s.st.closed, s.st.window
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if !w.HasMore {
		return nil
	}
	cursor := w.NextCursor

	ch := s.history.DoChan(cursor, func() (interface{}, error) {
		return nil, s.fetchPage(cursor)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		return r.Err
	}
}

// fetchPage runs under the session context, so one caller giving up does not
// cancel the shared request, but a conversation switch does.
func (s *Session) fetchPage(cursor string) error {
	page, err := s.backend.FetchHistory(s.ctx, s.conversationID, cursor)
	if err != nil {
		if s.ctx.Err() != nil {
			s.log.Debug("history load cancelled", "cursor", cursor)
			return ErrSessionClosed
		}
		s.metrics.HistoryPages.WithLabelValues("failed").Inc()
		nerr := &NetworkError{ConversationID: s.conversationID, Cursor: cursor, Err: err}
		s.log.Warn("history load failed", "cursor", cursor, "error", err)
		s.emit(EventHistoryFailed, nerr)
		return nerr
	}

	msgs := make([]Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		if m.ConversationID != "" && m.ConversationID != s.conversationID {
			continue
		}
		msgs = append(msgs, s.normalize(m))
	}
	page.Messages = msgs

	ok := s.apply(func(st *state) {
		fresh := page
		if len(st.tombstones) > 0 {
			fresh.Messages = make([]Message, 0, len(msgs))
			for _, m := range msgs {
				if !st.deleted(m.ID) {
					fresh.Messages = append(fresh.Messages, m)
				}
			}
		}
		if st.window.NextCursor != cursor {
			// A different page moved the cursor first; merge without
			// rewinding it.
			st.window = st.window.Prepend(fresh).WithCursor(st.window.NextCursor)
			return
		}
		st.window = st.window.Prepend(fresh)
	})
	if !ok {
		s.log.Debug("stale history page discarded", "cursor", cursor)
		return ErrSessionClosed
	}
	s.metrics.HistoryPages.WithLabelValues("loaded").Inc()
	return nil
}

// IsNetworkError reports whether err came from a failed history fetch.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
