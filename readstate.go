package convsync

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// readTracker remembers receipts in flight and receipts waiting for a retry.
// ReadAt is never rolled back; only the server call is repeated.
type readTracker struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	inflight map[string]struct{}
	retry    map[string]struct{}
}

func newReadTracker(l *rate.Limiter) *readTracker {
	return &readTracker{
		limiter:  l,
		inflight: make(map[string]struct{}),
		retry:    make(map[string]struct{}),
	}
}

// begin claims id for a receipt call. It fails while a call for id is out.
func (t *readTracker) begin(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.inflight[id]; busy {
		return false
	}
	t.inflight[id] = struct{}{}
	delete(t.retry, id)
	return true
}

func (t *readTracker) done(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, id)
	if err != nil {
		t.retry[id] = struct{}{}
	}
}

// due returns the ids to retry now, if the limiter allows a retry round.
func (t *readTracker) due() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.retry) == 0 || !t.limiter.Allow() {
		return nil
	}
	ids := make([]string, 0, len(t.retry))
	for id := range t.retry {
		ids = append(ids, id)
	}
	return ids
}

func (t *readTracker) failing() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.retry)
}

// OnViewport reports a scroll or resize of the container. When the container
// is within the read threshold of its bottom edge, visible unread messages
// from other participants are marked read, the "new below" indicator resets
// and failed receipts are retried.
func (s *Session) OnViewport(c ScrollContainer) {
	nearBottom := distanceToBottom(c) <= s.cfg.readThreshold
	var candidates []string
	s.apply(func(st *state) {
		st.nearBottom = nearBottom
		if !nearBottom {
			return
		}
		st.newBelow = 0
		for _, m := range st.window.messages {
			if s.unread(m) && visible(c, m.ID) {
				candidates = append(candidates, m.ID)
			}
		}
	})
	if !nearBottom {
		return
	}
	// Collect retries before marking, so a receipt failing now waits for
	// the next event.
	retries := s.reads.due()
	s.markRead(candidates)
	for _, id := range retries {
		s.sendReceipt(id)
	}
}

// FailedReceipts returns the number of read receipts waiting for a retry.
func (s *Session) FailedReceipts() int {
	return s.reads.failing()
}

// markRead sets ReadAt on ids in one step and sends the receipts.
func (s *Session) markRead(ids []string) {
	if len(ids) == 0 {
		return
	}
	now := s.cfg.clock()
	var marked []string
	s.apply(func(st *state) {
		for _, id := range ids {
			st.window = st.window.update(id, func(m *Message) {
				if s.unread(*m) {
					t := now
					m.ReadAt = &t
					marked = append(marked, id)
				}
			})
		}
	})
	for _, id := range marked {
		s.sendReceipt(id)
	}
}

func (s *Session) sendReceipt(id string) {
	if !s.reads.begin(id) {
		return
	}
	s.goBackground(func() {
		_, err := s.backend.MarkRead(context.Background(), s.conversationID, id)
		s.reads.done(id, err)
		if err == nil {
			s.metrics.ReadReceipts.WithLabelValues("sent").Inc()
			return
		}
		s.metrics.ReadReceipts.WithLabelValues("failed").Inc()
		if s.Closed() {
			return
		}
		s.log.Warn("read receipt failed", "id", id, "error", err)
		s.emit(EventReadReceiptFailed, &ReadReceiptFailure{MessageID: id, Err: err})
	})
}
